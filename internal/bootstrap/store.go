// Package bootstrap persists known-good DHT contacts across restarts
// and supplies the hard-coded bootstrap hostnames used to (re)join the
// network. Built to fill in the reference crawler's own unfinished
// TODO ("Save routing table on disk to be preserved between
// instances").
package bootstrap

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/lowlayer/infoharvest/internal/kademlia"
	"github.com/lowlayer/infoharvest/internal/logger"
)

// record is the JSONL shape written to the state file.
type record struct {
	NIDHex string `json:"nid_hex"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// Store holds the bounded set of known-good contacts and the
// hard-coded fallback hostnames.
type Store struct {
	path     string
	capacity int
	hosts    []string
	log      logger.Logger

	mu    sync.Mutex
	nodes map[kademlia.ID]kademlia.KNode
}

// New returns a Store backed by path, bounded to capacity entries,
// falling back to hosts when the routing deque runs dry.
func New(path string, capacity int, hosts []string) *Store {
	return &Store{
		path:     path,
		capacity: capacity,
		hosts:    hosts,
		log:      logger.New("bootstrap"),
		nodes:    make(map[kademlia.ID]kademlia.KNode),
	}
}

// Load reads up to capacity node entries from the state file into
// memory. A missing file is not an error. IO/parse errors are logged
// as warnings and otherwise ignored; operation continues in memory.
func (s *Store) Load() {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warningln("cannot open bootstrap store:", err)
		}
		return
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(s.nodes) < s.capacity {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			s.log.Warningln("skipping malformed bootstrap record:", err)
			continue
		}
		id, err := hexToID(r.NIDHex)
		if err != nil {
			s.log.Warningln("skipping bootstrap record with bad id:", err)
			continue
		}
		ip, err := parseIP(r.IP)
		if err != nil {
			s.log.Warningln("skipping bootstrap record with bad ip:", err)
			continue
		}
		s.nodes[id] = kademlia.KNode{ID: id, IP: ip, Port: r.Port}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warningln("error scanning bootstrap store:", err)
	}
}

// Record merges candidate nodes observed during healthy operation into
// the in-memory set, deduplicating on node id, then persists the
// result. Called by the engine only when the routing deque looks
// healthy.
func (s *Store) Record(nodes []kademlia.KNode) {
	s.mu.Lock()
	for _, n := range nodes {
		if len(s.nodes) >= s.capacity {
			if _, exists := s.nodes[n.ID]; !exists {
				continue
			}
		}
		s.nodes[n.ID] = n
	}
	snapshot := make([]kademlia.KNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		snapshot = append(snapshot, n)
	}
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.log.Warningln("cannot persist bootstrap store:", err)
	}
}

func (s *Store) persist(nodes []kademlia.KNode) error {
	f, err := os.Create(s.path)
	if err != nil {
		return errors.Wrap(err, "create bootstrap store")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, n := range nodes {
		r := record{NIDHex: n.ID.String(), IP: n.IP.String(), Port: n.Port}
		b, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "marshal bootstrap record")
		}
		if _, err := w.Write(b); err != nil {
			return errors.Wrap(err, "write bootstrap record")
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Persist writes the current in-memory contact set to disk. Callers
// invoke it once on shutdown so contacts observed since the last
// in-flight Record call aren't lost.
func (s *Store) Persist() error {
	return s.persist(s.Snapshot())
}

// Snapshot returns the currently known good contacts, for the
// engine's rejoin fan-out.
func (s *Store) Snapshot() []kademlia.KNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kademlia.KNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// FallbackHosts returns the hard-coded DNS bootstrap names, resolved
// by the engine only when the routing deque and this store are both
// exhausted.
func (s *Store) FallbackHosts() []string {
	return s.hosts
}

func hexToID(s string) (kademlia.ID, error) {
	var id kademlia.ID
	if len(s) != kademlia.IDLen*2 {
		return id, errors.Errorf("bad id hex length %d", len(s))
	}
	for i := 0; i < kademlia.IDLen; i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return id, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return id, err
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.Errorf("invalid ip %q", s)
	}
	return ip, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("invalid hex digit %q", c)
	}
}
