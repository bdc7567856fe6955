// Package kademlia implements the identifiers and routing structures
// the DHT engine needs: 20-byte node ids/infohashes, XOR distance
// between them, and the bounded, non-deduplicating routing deque the
// engine drains for find_node targets. This is deliberately not a
// full Kademlia k-bucket table, following the reference crawler's own
// simplified routing design.
package kademlia

import (
	"crypto/rand"
	"fmt"
	"net"
)

// IDLen is the length in bytes of a node id or infohash.
const IDLen = 20

// ID is a 20-byte node id or infohash.
type ID [IDLen]byte

// String renders the id as lowercase hex.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Bytes returns the id's raw 20-byte wire form, as carried in a KRPC
// message's "id"/"target"/"info_hash" fields.
func (id ID) Bytes() []byte {
	return id[:]
}

// Random returns a cryptographically random ID, used both to generate
// this node's own identity and random find_node targets.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// IDFromBytes copies b into an ID. It returns an error if b is not
// exactly IDLen bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("kademlia: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the bitwise XOR distance between two ids. Smaller
// byte-wise (as an unsigned big-endian integer) means closer.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is strictly closer than d2,
// treating both as big-endian unsigned integers.
func Less(d1, d2 ID) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// SpoofCloseTo returns a self id whose first IDLen-1 bytes match
// target and whose last byte is random: this makes the engine appear
// maximally close to whatever node or target it's responding to or
// about, encouraging more get_peers/announce_peer traffic to be
// routed toward it.
func SpoofCloseTo(target ID) ID {
	spoofed := target
	var last [1]byte
	_, _ = rand.Read(last[:])
	spoofed[IDLen-1] = last[0]
	return spoofed
}

// KNode is a single routing-table entry: a node id paired with its
// UDP address. It's immutable once created; "updates" are replacement.
type KNode struct {
	ID   ID
	IP   net.IP
	Port int
}

func (n KNode) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

func (n KNode) String() string {
	return fmt.Sprintf("%s@%s:%d", n.ID, n.IP, n.Port)
}
