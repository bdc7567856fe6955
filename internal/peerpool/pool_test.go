package peerpool

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestMarkOKAndSample(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "metadata_peers.jsonl"), 10, time.Hour)
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	p.MarkOK(addr)

	got := p.Sample(5)
	if len(got) != 1 {
		t.Fatalf("expected 1 sampled peer, got %d", len(got))
	}
	if got[0].String() != addr.String() {
		t.Fatalf("unexpected peer: %v", got[0])
	}
}

func TestSampleExpiresStaleEntries(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "metadata_peers.jsonl"), 10, time.Millisecond)
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	p.MarkOK(addr)

	time.Sleep(5 * time.Millisecond)
	if got := p.Sample(5); len(got) != 0 {
		t.Fatalf("expected expired entry to be invisible, got %v", got)
	}
	if p.Len() != 0 {
		t.Fatalf("expected lazy expiry to shrink entries, got %d", p.Len())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "metadata_peers.jsonl"), 2, time.Hour)
	a := &net.TCPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}
	b := &net.TCPAddr{IP: net.IPv4(2, 2, 2, 2), Port: 2}
	c := &net.TCPAddr{IP: net.IPv4(3, 3, 3, 3), Port: 3}
	p.MarkOK(a)
	p.MarkOK(b)
	p.MarkOK(c)

	if p.Len() != 2 {
		t.Fatalf("expected capacity-bounded pool to hold 2 entries, got %d", p.Len())
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata_peers.jsonl")
	p := New(path, 10, time.Hour)
	p.MarkOK(&net.TCPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 9999})
	if err := p.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	p2 := New(path, 10, time.Hour)
	p2.Load()
	if p2.Len() != 1 {
		t.Fatalf("expected 1 entry reloaded, got %d", p2.Len())
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "nope.jsonl"), 10, time.Hour)
	p.Load()
	if p.Len() != 0 {
		t.Fatalf("expected empty pool")
	}
}
