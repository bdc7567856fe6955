package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"

	"github.com/lowlayer/infoharvest/internal/kademlia"
	"github.com/lowlayer/infoharvest/internal/krpc"
	"github.com/lowlayer/infoharvest/internal/stats"
)

// handlePacket decodes one inbound UDP datagram and dispatches it.
// Malformed KRPC messages are discarded without reply.
func (e *Engine) handlePacket(p packet) {
	msg, err := krpc.Decode(p.data)
	if err != nil {
		return
	}
	switch msg.Y {
	case "q":
		e.handleQuery(msg, p.addr)
	case "r":
		e.handleResponse(msg, p.addr)
	default:
		// "e" (error) and anything else: dropped silently.
	}
}

func (e *Engine) handleQuery(msg *krpc.Msg, from *net.UDPAddr) {
	if msg.A == nil {
		return
	}

	switch msg.Q {
	case "ping":
		e.replyPing(msg, from)
	case "find_node":
		e.replyFindNode(msg, from)
	case "get_peers":
		e.replyGetPeers(msg, from)
	case "announce_peer":
		e.replyAnnouncePeer(msg, from)
	default:
		// Unknown query type: discarded without reply.
	}
}

func (e *Engine) replyPing(msg *krpc.Msg, from *net.UDPAddr) {
	e.reply(msg.T, &krpc.Return{ID: string(e.selfID.Bytes())}, from)
}

func (e *Engine) replyFindNode(msg *krpc.Msg, from *net.UDPAddr) {
	target, err := kademlia.IDFromBytes([]byte(msg.A.Target))
	var selfID kademlia.ID
	if err == nil {
		selfID = kademlia.SpoofCloseTo(target)
	} else {
		selfID = e.selfID
	}
	nodes := e.sampleNodes(e.cfg.FindNodeReplyCount)
	e.reply(msg.T, &krpc.Return{
		ID:    string(selfID.Bytes()),
		Nodes: krpc.EncodeCompactNodes(nodes),
	}, from)
}

func (e *Engine) replyGetPeers(msg *krpc.Msg, from *net.UDPAddr) {
	token := e.tokenFor(from)
	e.reply(msg.T, &krpc.Return{
		ID:    string(e.selfID.Bytes()),
		Token: token,
		Nodes: "",
	}, from)

	if msg.A.InfoHash == "" {
		return
	}
	infoHash, err := kademlia.IDFromBytes([]byte(msg.A.InfoHash))
	if err != nil {
		return
	}
	e.enqueueFrom(infoHash, from, 0, false)
}

func (e *Engine) replyAnnouncePeer(msg *krpc.Msg, from *net.UDPAddr) {
	e.reply(msg.T, &krpc.Return{ID: string(e.selfID.Bytes())}, from)

	if msg.A.InfoHash == "" {
		return
	}
	infoHash, err := kademlia.IDFromBytes([]byte(msg.A.InfoHash))
	if err != nil {
		return
	}
	e.enqueueFrom(infoHash, from, msg.A.Port, msg.A.ImpliedPort == 1)
}

// enqueueFrom hands a harvested infohash to the scheduler. When
// impliedPort is set, BEP-5's canonical rule applies: use the sender's
// UDP source port rather than the announced one.
func (e *Engine) enqueueFrom(infoHash kademlia.ID, from *net.UDPAddr, port int, impliedPort bool) {
	if e.enqueue == nil {
		return
	}
	p := port
	if impliedPort || p <= 0 {
		p = from.Port
	}
	addr := &net.TCPAddr{IP: from.IP, Port: p}
	var ih [20]byte
	copy(ih[:], infoHash.Bytes())
	e.enqueue(ih, addr)
}

func (e *Engine) reply(t string, r *krpc.Return, to *net.UDPAddr) {
	msg := &krpc.Msg{T: t, Y: "r", R: r}
	e.send(msg, to)
}

// handleResponse processes a reply to a find_node query. Every reply's
// nodes are pushed to the routing deque, whether or not its
// transaction id is still tracked in pending; a tracked id is cleared
// so that prunePending only ages out transactions nothing answered.
func (e *Engine) handleResponse(msg *krpc.Msg, from *net.UDPAddr) {
	if msg.R == nil {
		return
	}
	stats.RepliesReceived.Inc(1)

	delete(e.pending, msg.T)

	if msg.R.Nodes == "" {
		return
	}
	nodes, err := krpc.DecodeCompactNodes(msg.R.Nodes)
	if err != nil {
		return
	}
	for _, cn := range nodes {
		id, err := kademlia.IDFromBytes([]byte(cn.ID))
		if err != nil {
			continue
		}
		e.routing.PushBack(kademlia.KNode{ID: id, IP: cn.IP, Port: cn.Port})
	}
	stats.NodesDiscovered.Inc(int64(len(nodes)))

	if e.routing.Len() > e.cfg.RoutingCapacity/2 {
		e.store.Record(e.routing.Snapshot())
	}
}

// sampleNodes returns up to k compact nodes from the routing deque,
// closest to a fresh random id. Returning an empty list is valid and
// happens whenever the deque hasn't filled up yet.
func (e *Engine) sampleNodes(k int) []krpc.CompactNode {
	knodes := e.routing.ClosestTo(kademlia.Random(), k)
	out := make([]krpc.CompactNode, 0, len(knodes))
	for _, n := range knodes {
		out = append(out, krpc.CompactNode{ID: string(n.ID.Bytes()), IP: n.IP, Port: n.Port})
	}
	return out
}

// tokenFor derives an 8-byte get_peers token tied to addr, rotated
// along with tokenSeed so old tokens stop validating on their own once
// tokenSeed turns over. announce_peer never checks the token it's
// handed back, but the crawler still hands out well-formed ones.
func (e *Engine) tokenFor(addr *net.UDPAddr) string {
	h := sha1.New()
	h.Write(e.tokenSeed[:])
	h.Write([]byte(addr.String()))
	sum := h.Sum(nil)
	return string(sum[:8])
}

func randTransactionID() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return string(b[:])
}
