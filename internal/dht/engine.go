// Package dht implements the crawler's Mainline DHT engine: a
// single-threaded, event-driven KRPC node tuned for harvesting
// infohashes rather than performing accurate lookups. It owns its UDP
// socket and routing deque exclusively; the only thing it shares with
// the rest of the system is the one-way EnqueueFunc handle it's given
// at construction, keeping the DHT engine and the scheduler from ever
// referencing each other directly. The select-driven dispatch loop
// over a socket-reader channel is grounded on
// compasses-Taipei-Torrent/taipei/dht.go's DoDht() main loop.
package dht

import (
	"context"
	cryptorand "crypto/rand"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/lowlayer/infoharvest/internal/bootstrap"
	"github.com/lowlayer/infoharvest/internal/kademlia"
	"github.com/lowlayer/infoharvest/internal/krpc"
	"github.com/lowlayer/infoharvest/internal/logger"
	"github.com/lowlayer/infoharvest/internal/stats"
)

// EnqueueFunc hands a harvested (infohash, candidate peer) pair to the
// scheduler. scheduler.Scheduler.Enqueue satisfies this signature
// directly.
type EnqueueFunc func(infoHash [20]byte, addr *net.TCPAddr)

// Config bounds the engine's behavior. Zero values fall back to
// DefaultConfig's values in New.
type Config struct {
	BindAddr            string
	RoutingCapacity     int
	OutboundQueryRate   float64
	SelfIDRotation      time.Duration
	TokenRotation       time.Duration
	RecvBufferSize      int
	FindNodeReplyCount  int
	GetPeersNodesReturn int
	PendingCapacity     int
	PendingTTL          time.Duration
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:            "0.0.0.0:6881",
		RoutingCapacity:     kademlia.DefaultRoutingCapacity,
		OutboundQueryRate:   200,
		SelfIDRotation:      5 * time.Minute,
		TokenRotation:       10 * time.Minute,
		RecvBufferSize:      2048,
		FindNodeReplyCount:  8,
		GetPeersNodesReturn: 0,
		PendingCapacity:     2048,
		PendingTTL:          10 * time.Second,
	}
}

// Engine is the DHT node. A single goroutine (Run) owns the socket,
// routing deque, and pending transaction map; Run must not be called
// more than once.
type Engine struct {
	cfg     Config
	conn    *net.UDPConn
	routing *kademlia.Routing
	store   *bootstrap.Store
	enqueue EnqueueFunc
	log     logger.Logger
	limiter *rate.Limiter

	selfID    kademlia.ID
	tokenSeed [20]byte

	// pending tracks transaction ids of our own outstanding find_node
	// queries: an answered one is cleared by handleResponse, and one
	// nothing ever answers ages out instead of accumulating forever.
	// Touched only from Run's goroutine, so it needs no lock.
	pending      map[string]time.Time
	pendingOrder []string
}

// New binds the UDP socket and returns an unstarted Engine. A bind
// failure is the one fatal-at-init error that causes the process to
// exit with a non-usage status code.
func New(cfg Config, store *bootstrap.Store, enqueue EnqueueFunc) (*Engine, error) {
	if cfg.BindAddr == "" {
		cfg = DefaultConfig()
	}
	if cfg.RoutingCapacity <= 0 {
		cfg.RoutingCapacity = kademlia.DefaultRoutingCapacity
	}
	if cfg.OutboundQueryRate <= 0 {
		cfg.OutboundQueryRate = DefaultConfig().OutboundQueryRate
	}
	if cfg.SelfIDRotation <= 0 {
		cfg.SelfIDRotation = DefaultConfig().SelfIDRotation
	}
	if cfg.TokenRotation <= 0 {
		cfg.TokenRotation = DefaultConfig().TokenRotation
	}
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.FindNodeReplyCount <= 0 {
		cfg.FindNodeReplyCount = DefaultConfig().FindNodeReplyCount
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = DefaultConfig().PendingCapacity
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultConfig().PendingTTL
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		conn:    conn,
		routing: kademlia.NewRouting(cfg.RoutingCapacity),
		store:   store,
		enqueue: enqueue,
		log:     logger.New("dht"),
		limiter: rate.NewLimiter(rate.Limit(cfg.OutboundQueryRate), int(cfg.OutboundQueryRate)),
		selfID:  kademlia.Random(),
		pending: make(map[string]time.Time),
	}
	_, _ = cryptorand.Read(e.tokenSeed[:])
	return e, nil
}

// Close releases the UDP socket.
func (e *Engine) Close() error {
	return e.conn.Close()
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Run drives the engine until ctx is canceled. It launches a reader
// goroutine that feeds received packets into a channel so the main
// select loop below never blocks on the socket.
func (e *Engine) Run(ctx context.Context) {
	recvC := make(chan packet, 64)
	go e.readLoop(ctx, recvC)

	e.bootstrapFill()

	rotateID := time.NewTicker(e.cfg.SelfIDRotation)
	defer rotateID.Stop()
	rotateToken := time.NewTicker(e.cfg.TokenRotation)
	defer rotateToken.Stop()
	outbound := time.NewTicker(5 * time.Millisecond)
	defer outbound.Stop()
	prune := time.NewTicker(e.cfg.PendingTTL)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.Close()
			return
		case p := <-recvC:
			e.handlePacket(p)
		case <-rotateID.C:
			e.selfID = kademlia.Random()
		case <-rotateToken.C:
			_, _ = cryptorand.Read(e.tokenSeed[:])
		case <-outbound.C:
			e.sendOneFindNode()
		case <-prune.C:
			e.prunePending()
		}
	}
}

// prunePending drops tracked transactions older than PendingTTL: those
// queries went unanswered, so the routing-deque nodes they targeted
// age out of correlation rather than sitting in pending indefinitely.
func (e *Engine) prunePending() {
	cutoff := time.Now().Add(-e.cfg.PendingTTL)
	i := 0
	for ; i < len(e.pendingOrder); i++ {
		t := e.pendingOrder[i]
		sentAt, ok := e.pending[t]
		if !ok {
			continue
		}
		if sentAt.After(cutoff) {
			break
		}
		delete(e.pending, t)
	}
	e.pendingOrder = e.pendingOrder[i:]
}

func (e *Engine) readLoop(ctx context.Context, recvC chan<- packet) {
	buf := make([]byte, e.cfg.RecvBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.log.Errorf("udp recv: %v", err)
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case recvC <- packet{data: cp, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

// sendOneFindNode drains one KNode from the routing deque's head and
// sends it a find_node for a random target, paced by the outbound
// rate limiter. If the deque is empty, it triggers a rejoin instead.
func (e *Engine) sendOneFindNode() {
	n, ok := e.routing.PopFront()
	if !ok {
		e.rejoin()
		return
	}
	if !e.limiter.Allow() {
		stats.QueriesRateLimited.Inc(1)
		e.routing.PushBack(n) // didn't get to use it this tick, don't lose it
		return
	}
	target := kademlia.Random()
	e.sendFindNode(n.Addr(), target)
}

func (e *Engine) sendFindNode(to *net.UDPAddr, target kademlia.ID) {
	selfID := kademlia.SpoofCloseTo(target)
	t := randTransactionID()
	msg := &krpc.Msg{
		T: t,
		Y: "q",
		Q: "find_node",
		A: &krpc.MsgArgs{
			ID:     string(selfID.Bytes()),
			Target: string(target.Bytes()),
		},
	}
	e.send(msg, to)
	e.trackPending(t)
	stats.QueriesSent.Inc(1)
}

// trackPending records t as an outstanding query, evicting the oldest
// tracked transaction if the pending set is at capacity. The eviction
// is best-effort: a correlated reply that arrives after its
// transaction was evicted is simply treated as uncorrelated.
func (e *Engine) trackPending(t string) {
	if len(e.pending) >= e.cfg.PendingCapacity {
		for i, old := range e.pendingOrder {
			if _, ok := e.pending[old]; ok {
				delete(e.pending, old)
				e.pendingOrder = e.pendingOrder[i+1:]
				break
			}
		}
	}
	e.pending[t] = time.Now()
	e.pendingOrder = append(e.pendingOrder, t)
}

func (e *Engine) send(msg *krpc.Msg, to *net.UDPAddr) {
	b, err := krpc.Encode(msg)
	if err != nil {
		e.log.Errorf("encode krpc message: %v", err)
		return
	}
	if _, err := e.conn.WriteToUDP(b, to); err != nil {
		e.log.Errorf("udp send to %s: %v", to, err)
	}
}

// bootstrapFill seeds the routing deque from the persisted bootstrap
// store at startup.
func (e *Engine) bootstrapFill() {
	for _, n := range e.store.Snapshot() {
		e.routing.PushBack(n)
	}
	if e.routing.Len() == 0 {
		e.rejoin()
	}
}

// rejoin fans a find_node out to every bootstrap store entry and, if
// still empty, to the hard-coded bootstrap hostnames. Triggered
// whenever the routing deque runs dry.
func (e *Engine) rejoin() {
	stats.Rejoins.Inc(1)
	nodes := e.store.Snapshot()
	for _, n := range nodes {
		e.sendFindNode(n.Addr(), kademlia.Random())
	}
	if len(nodes) > 0 {
		return
	}
	for _, host := range e.store.FallbackHosts() {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			e.log.Warningln("cannot resolve bootstrap host:", host, err)
			continue
		}
		e.sendFindNode(addr, kademlia.Random())
	}
}
