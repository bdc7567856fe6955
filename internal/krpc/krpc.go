// Package krpc implements the bencoded KRPC message shapes used by the
// Mainline DHT (BEP 5): ping, find_node, get_peers and announce_peer
// queries, their responses, and the compact node/peer encodings
// carried inside them. The struct layout mirrors the reference
// krpc.Msg shape (Q/A/T/Y/R/E fields, MsgArgs, Return) trimmed to the
// subset this crawler's DHT engine actually needs.
package krpc

import (
	"fmt"
	"net"

	"github.com/lowlayer/infoharvest/internal/bencode"
)

const (
	// NodeIDLen is the length in bytes of a DHT node id / infohash.
	NodeIDLen = 20
	// compactNodeLen is the length in bytes of one compact node entry:
	// 20-byte node id + 4-byte IPv4 + 2-byte port.
	compactNodeLen = 26
	// compactPeerLen is the length in bytes of one compact peer entry:
	// 4-byte IPv4 + 2-byte port.
	compactPeerLen = 6
)

// Msg is a single KRPC message: a query, a response, or an error.
type Msg struct {
	T string   `bencode:"t"`
	Y string   `bencode:"y"`
	Q string   `bencode:"q,omitempty"`
	A *MsgArgs `bencode:"a,omitempty"`
	R *Return  `bencode:"r,omitempty"`
	E *KError  `bencode:"e,omitempty"`
}

// MsgArgs carries the named arguments of a query.
type MsgArgs struct {
	ID          string `bencode:"id"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Target      string `bencode:"target,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

// Return carries the named return values of a response.
type Return struct {
	ID     string `bencode:"id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Token  string `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// KError is the [code, message] pair carried by an error message. The
// engine drops any message with y=="e" silently, but the type is kept
// so a caller can log what was discarded.
type KError struct {
	Code    int
	Message string
}

// Encode serializes m to its canonical bencoded form. An E field is
// written in Marshal's struct shape (a dict with Code and Message keys),
// not as the two-element [code, message] list that Decode reads.
func Encode(m *Msg) ([]byte, error) {
	return bencode.Marshal(m)
}

// Decode parses a KRPC message. Error-type messages (y=="e") still
// decode successfully here; the caller (the engine's dispatch switch)
// is responsible for dropping them.
func Decode(b []byte) (*Msg, error) {
	v, err := bencode.DecodeAll(b)
	if err != nil {
		return nil, err
	}
	var m Msg
	if err := decodeMsg(v, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// decodeMsg hand-decodes a Msg from a generic Value instead of going
// through bencode.Unmarshal's struct-tag path, because KError's wire
// shape (a 2-element list) doesn't fit the dict-of-tagged-fields model
// the rest of this codebase's structs use.
func decodeMsg(v bencode.Value, m *Msg) error {
	tv, ok := v.Get("t")
	if !ok {
		return fmt.Errorf("krpc: message missing t")
	}
	t, err := tv.Str()
	if err != nil {
		return err
	}
	m.T = t

	yv, ok := v.Get("y")
	if !ok {
		return fmt.Errorf("krpc: message missing y")
	}
	y, err := yv.Str()
	if err != nil {
		return err
	}
	m.Y = y

	if qv, ok := v.Get("q"); ok {
		q, err := qv.Str()
		if err != nil {
			return err
		}
		m.Q = q
	}
	if av, ok := v.Get("a"); ok {
		var a MsgArgs
		if err := decodeArgs(av, &a); err != nil {
			return err
		}
		m.A = &a
	}
	if rv, ok := v.Get("r"); ok {
		var r Return
		if err := decodeReturn(rv, &r); err != nil {
			return err
		}
		m.R = &r
	}
	if ev, ok := v.Get("e"); ok {
		items, err := ev.ListVal()
		if err != nil || len(items) < 2 {
			return fmt.Errorf("krpc: malformed error value")
		}
		code, err := items[0].IntVal()
		if err != nil {
			return err
		}
		msg, err := items[1].Str()
		if err != nil {
			return err
		}
		m.E = &KError{Code: int(code), Message: msg}
	}
	return nil
}

func decodeArgs(v bencode.Value, a *MsgArgs) error {
	if idv, ok := v.Get("id"); ok {
		id, err := idv.Str()
		if err != nil {
			return err
		}
		a.ID = id
	}
	if ihv, ok := v.Get("info_hash"); ok {
		ih, err := ihv.Str()
		if err != nil {
			return err
		}
		a.InfoHash = ih
	}
	if tv, ok := v.Get("target"); ok {
		target, err := tv.Str()
		if err != nil {
			return err
		}
		a.Target = target
	}
	if tok, ok := v.Get("token"); ok {
		s, err := tok.Str()
		if err != nil {
			return err
		}
		a.Token = s
	}
	if p, ok := v.Get("port"); ok {
		n, err := p.IntVal()
		if err != nil {
			return err
		}
		a.Port = int(n)
	}
	if ip, ok := v.Get("implied_port"); ok {
		n, err := ip.IntVal()
		if err != nil {
			return err
		}
		a.ImpliedPort = int(n)
	}
	return nil
}

func decodeReturn(v bencode.Value, r *Return) error {
	if idv, ok := v.Get("id"); ok {
		id, err := idv.Str()
		if err != nil {
			return err
		}
		r.ID = id
	}
	if nv, ok := v.Get("nodes"); ok {
		n, err := nv.Str()
		if err != nil {
			return err
		}
		r.Nodes = n
	}
	if tv, ok := v.Get("token"); ok {
		tok, err := tv.Str()
		if err != nil {
			return err
		}
		r.Token = tok
	}
	if vv, ok := v.Get("values"); ok {
		items, err := vv.ListVal()
		if err != nil {
			return err
		}
		values := make([]string, len(items))
		for i, item := range items {
			s, err := item.Str()
			if err != nil {
				return err
			}
			values[i] = s
		}
		r.Values = values
	}
	return nil
}

// CompactNode is a single (node id, ip, port) triple as carried inline
// in a "nodes" field.
type CompactNode struct {
	ID   string
	IP   net.IP
	Port int
}

// EncodeCompactNodes packs nodes into the 26-bytes-per-entry wire
// form. Non-IPv4 addresses are skipped; this crawler only speaks the
// IPv4 DHT.
func EncodeCompactNodes(nodes []CompactNode) string {
	buf := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip4 := n.IP.To4()
		if len(n.ID) != NodeIDLen || ip4 == nil {
			continue
		}
		buf = append(buf, n.ID...)
		buf = append(buf, ip4...)
		buf = append(buf, byte(n.Port>>8), byte(n.Port))
	}
	return string(buf)
}

// DecodeCompactNodes unpacks a "nodes" byte string. A length that
// isn't a multiple of 26 (one compact node entry) is rejected.
func DecodeCompactNodes(s string) ([]CompactNode, error) {
	if len(s)%compactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: compact nodes length %d not a multiple of %d", len(s), compactNodeLen)
	}
	n := len(s) / compactNodeLen
	out := make([]CompactNode, n)
	for i := 0; i < n; i++ {
		off := i * compactNodeLen
		id := s[off : off+NodeIDLen]
		ip := net.IPv4(s[off+NodeIDLen], s[off+NodeIDLen+1], s[off+NodeIDLen+2], s[off+NodeIDLen+3])
		port := int(byte(s[off+24]))<<8 | int(byte(s[off+25]))
		out[i] = CompactNode{ID: id, IP: ip, Port: port}
	}
	return out, nil
}

// EncodeCompactPeer packs one ip:port peer contact into its 6-byte
// wire form, the shape of one entry of a get_peers response's "values"
// list.
func EncodeCompactPeer(ip net.IP, port int) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("krpc: not an IPv4 address: %v", ip)
	}
	buf := make([]byte, compactPeerLen)
	copy(buf, ip4)
	buf[4] = byte(port >> 8)
	buf[5] = byte(port)
	return string(buf), nil
}

// DecodeCompactPeer unpacks a single 6-byte peer contact.
func DecodeCompactPeer(s string) (net.IP, int, error) {
	if len(s) != compactPeerLen {
		return nil, 0, fmt.Errorf("krpc: compact peer length %d != %d", len(s), compactPeerLen)
	}
	ip := net.IPv4(s[0], s[1], s[2], s[3])
	port := int(byte(s[4]))<<8 | int(byte(s[5]))
	return ip, port, nil
}
