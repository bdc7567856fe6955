package krpc

import (
	"net"
	"testing"
)

func TestEncodeDecodePingQuery(t *testing.T) {
	m := &Msg{
		T: "aa",
		Y: "q",
		Q: "ping",
		A: &MsgArgs{ID: "01234567890123456789"},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.T != m.T || got.Y != m.Y || got.Q != m.Q || got.A == nil || got.A.ID != m.A.ID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	raw := []byte("d1:eli201e15:A Generic Errore1:t2:aa1:y1:ee")
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.E == nil || m.E.Code != 201 || m.E.Message != "A Generic Error" {
		t.Fatalf("unexpected error value: %+v", m.E)
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []CompactNode{
		{ID: "01234567890123456789", IP: net.IPv4(1, 2, 3, 4), Port: 6881},
		{ID: "abcdefghijklmnopqrst", IP: net.IPv4(5, 6, 7, 8), Port: 12345},
	}
	packed := EncodeCompactNodes(nodes)
	if len(packed) != len(nodes)*compactNodeLen {
		t.Fatalf("unexpected packed length %d", len(packed))
	}
	got, err := DecodeCompactNodes(packed)
	if err != nil {
		t.Fatalf("decode compact nodes: %v", err)
	}
	if len(got) != 2 || got[0].Port != 6881 || !got[0].IP.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Fatalf("unexpected decoded nodes: %+v", got)
	}
}

func TestDecodeCompactNodesRejectsBadLength(t *testing.T) {
	if _, err := DecodeCompactNodes("short"); err == nil {
		t.Fatalf("expected error for non-multiple-of-26 length")
	}
}

func TestCompactPeerRoundTrip(t *testing.T) {
	s, err := EncodeCompactPeer(net.IPv4(9, 9, 9, 9), 80)
	if err != nil {
		t.Fatalf("encode compact peer: %v", err)
	}
	ip, port, err := DecodeCompactPeer(s)
	if err != nil {
		t.Fatalf("decode compact peer: %v", err)
	}
	if !ip.Equal(net.IPv4(9, 9, 9, 9)) || port != 80 {
		t.Fatalf("unexpected peer: %v %d", ip, port)
	}
}

func TestDecodeCompactPeerRejectsBadLength(t *testing.T) {
	if _, _, err := DecodeCompactPeer("x"); err == nil {
		t.Fatalf("expected error for wrong-length peer")
	}
}

func TestEncodeCompactPeerRejectsIPv6(t *testing.T) {
	if _, err := EncodeCompactPeer(net.ParseIP("::1"), 80); err == nil {
		t.Fatalf("expected error for non-IPv4 address")
	}
}
