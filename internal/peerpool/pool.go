// Package peerpool implements the bounded, TTL-expiring cache of
// metadata peers: addresses that have previously delivered metadata
// successfully, sampled by the scheduler to increase the odds of
// fetching popular infohashes and updated by workers on success.
package peerpool

import (
	"bufio"
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lowlayer/infoharvest/internal/logger"
)

// DefaultCapacity and DefaultTTL are the pool's built-in bounds.
const (
	DefaultCapacity = 4096
	DefaultTTL      = 24 * time.Hour
)

type entry struct {
	addr   string
	lastOK time.Time
}

// record is the JSONL shape written to the peer pool state file.
type record struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	TS   int64  `json:"ts"`
}

// Pool is the shared metadata peer store. The scheduler reads from it
// (Sample); workers write to it (MarkOK) on a successful fetch. A
// single mutex serializes both.
type Pool struct {
	path     string
	capacity int
	ttl      time.Duration
	log      logger.Logger

	mu      sync.Mutex
	order   []string // insertion order, oldest first, for capacity eviction
	entries map[string]entry
}

// New returns an empty Pool backed by path.
func New(path string, capacity int, ttl time.Duration) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Pool{
		path:     path,
		capacity: capacity,
		ttl:      ttl,
		log:      logger.New("peerpool"),
		entries:  make(map[string]entry),
	}
}

// MarkOK records that addr just delivered metadata successfully,
// refreshing its timestamp (or inserting it), evicting the oldest
// entry if the pool is over capacity.
func (p *Pool) MarkOK(addr *net.TCPAddr) {
	key := addr.String()
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; !exists {
		if len(p.entries) >= p.capacity {
			p.evictOldestLocked()
		}
		p.order = append(p.order, key)
	}
	p.entries[key] = entry{addr: key, lastOK: now}
}

func (p *Pool) evictOldestLocked() {
	for len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		if _, ok := p.entries[oldest]; ok {
			delete(p.entries, oldest)
			return
		}
	}
}

// Sample returns up to k non-expired peer addresses, chosen uniformly
// at random. Expired entries are lazily dropped as they're
// encountered, so they never show up in a sample.
func (p *Pool) Sample(k int) []*net.TCPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	live := make([]string, 0, len(p.entries))
	for key, e := range p.entries {
		if now.Sub(e.lastOK) > p.ttl {
			delete(p.entries, key)
			continue
		}
		live = append(live, key)
	}
	if len(live) == 0 {
		return nil
	}
	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	if k > len(live) {
		k = len(live)
	}
	out := make([]*net.TCPAddr, 0, k)
	for _, key := range live[:k] {
		if addr, err := net.ResolveTCPAddr("tcp", key); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// Len reports the current (not-lazily-expired) entry count, mainly for
// stats/status reporting.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Load reads persisted peers from the state file. Expired entries are
// skipped on load. A missing file is not an error.
func (p *Pool) Load() {
	f, err := os.Open(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warningln("cannot open peer pool store:", err)
		}
		return
	}
	defer f.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(p.entries) < p.capacity {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			p.log.Warningln("skipping malformed peer pool record:", err)
			continue
		}
		ts := time.Unix(r.TS, 0)
		if now.Sub(ts) > p.ttl {
			continue
		}
		addr := &net.TCPAddr{IP: net.ParseIP(r.IP), Port: r.Port}
		if addr.IP == nil {
			continue
		}
		key := addr.String()
		if _, exists := p.entries[key]; !exists {
			p.order = append(p.order, key)
		}
		p.entries[key] = entry{addr: key, lastOK: ts}
	}
	if err := scanner.Err(); err != nil {
		p.log.Warningln("error scanning peer pool store:", err)
	}
}

// Persist writes every non-expired entry back to the state file.
func (p *Pool) Persist() error {
	p.mu.Lock()
	now := time.Now()
	records := make([]record, 0, len(p.entries))
	for _, e := range p.entries {
		if now.Sub(e.lastOK) > p.ttl {
			continue
		}
		host, portStr, err := net.SplitHostPort(e.addr)
		if err != nil {
			continue
		}
		port := 0
		for _, c := range portStr {
			if c < '0' || c > '9' {
				port = -1
				break
			}
			port = port*10 + int(c-'0')
		}
		if port < 0 {
			continue
		}
		records = append(records, record{IP: host, Port: port, TS: e.lastOK.Unix()})
	}
	p.mu.Unlock()

	f, err := os.Create(p.path)
	if err != nil {
		return errors.Wrap(err, "create peer pool store")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "marshal peer pool record")
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
