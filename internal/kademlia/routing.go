package kademlia

import (
	"sort"
	"sync"
)

// DefaultRoutingCapacity is the routing deque's bound.
const DefaultRoutingCapacity = 1000

// Routing is the engine's bounded FIFO of candidate contacts. Unlike a
// real Kademlia k-bucket table it performs no deduplication: duplicate
// entries are tolerated since the engine only uses this pool to pick
// find_node targets and intentionally churns entries, not to answer
// lookups accurately. It is owned exclusively by the DHT engine's
// single goroutine but exposes a mutex anyway so tests and the rejoin
// path can inspect it without caring which goroutine calls in.
type Routing struct {
	mu       sync.Mutex
	capacity int
	nodes    []KNode
}

// NewRouting returns an empty routing deque bounded to capacity
// entries (DefaultRoutingCapacity if capacity <= 0).
func NewRouting(capacity int) *Routing {
	if capacity <= 0 {
		capacity = DefaultRoutingCapacity
	}
	return &Routing{capacity: capacity}
}

// PushBack appends a newly discovered node to the tail, evicting from
// the head if the deque is at capacity.
func (r *Routing) PushBack(n KNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) >= r.capacity {
		r.nodes = r.nodes[1:]
	}
	r.nodes = append(r.nodes, n)
}

// PopFront removes and returns the head of the deque. ok is false if
// the deque is empty.
func (r *Routing) PopFront() (n KNode, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) == 0 {
		return KNode{}, false
	}
	n = r.nodes[0]
	r.nodes = r.nodes[1:]
	return n, true
}

// Len returns the current number of entries.
func (r *Routing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Snapshot returns a copy of the current contents in deque order, head
// first. The engine hands it to the bootstrap store's Record when the
// deque looks healthy.
func (r *Routing) Snapshot() []KNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KNode, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// ClosestTo returns up to k nodes from the deque, sorted by ascending
// XOR distance to target. Used to answer find_node queries with
// plausible (though not rigorously accurate) closest nodes.
func (r *Routing) ClosestTo(target ID, k int) []KNode {
	r.mu.Lock()
	nodes := make([]KNode, len(r.nodes))
	copy(nodes, r.nodes)
	r.mu.Unlock()

	distances := make([]ID, len(nodes))
	for i, n := range nodes {
		distances[i] = Distance(target, n.ID)
	}
	sort.Sort(&byDistance{nodes: nodes, distances: distances})
	if k > len(nodes) {
		k = len(nodes)
	}
	return nodes[:k]
}

// byDistance implements sort.Interface, pairing each node with its
// precomputed distance so Less never recomputes XOR. Modeled on the
// reference crawler's nodeDistances sort.Interface.
type byDistance struct {
	nodes     []KNode
	distances []ID
}

func (b *byDistance) Len() int      { return len(b.nodes) }
func (b *byDistance) Less(i, j int) bool {
	return Less(b.distances[i], b.distances[j])
}
func (b *byDistance) Swap(i, j int) {
	b.nodes[i], b.nodes[j] = b.nodes[j], b.nodes[i]
	b.distances[i], b.distances[j] = b.distances[j], b.distances[i]
}
