package metadata

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/lowlayer/infoharvest/internal/bencode"
	"github.com/lowlayer/infoharvest/internal/scheduler"
)

// servePeer accepts one connection on ln and plays the role of a
// well-behaved metadata peer serving infoBytes, split into 16 KiB
// pieces per BEP-9.
func servePeer(t *testing.T, ln net.Listener, infoHash [20]byte, infoBytes []byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	hsBuf := make([]byte, handshakeLen)
	if err := readFull(conn, hsBuf); err != nil {
		t.Errorf("peer: read handshake: %v", err)
		return
	}
	if _, err := conn.Write(buildHandshake(infoHash, [20]byte{9, 9, 9})); err != nil {
		t.Errorf("peer: write handshake: %v", err)
		return
	}

	body, err := readMessage(conn)
	if err != nil || len(body) < 2 {
		t.Errorf("peer: read ext handshake: %v", err)
		return
	}
	var hs extendedHandshake
	if err := bencode.Unmarshal(body[2:], &hs); err != nil {
		t.Errorf("peer: unmarshal ext handshake: %v", err)
		return
	}

	reply := extendedHandshake{
		M:            map[string]int{utMetadataKey: 3},
		MetadataSize: len(infoBytes),
	}
	replyBody, _ := bencode.Marshal(&reply)
	_ = writeMessage(conn, append([]byte{extendedMsgID, extHandshakeID}, replyBody...))

	numPieces := len(infoBytes) / blockSize
	if len(infoBytes)%blockSize != 0 {
		numPieces++
	}
	for i := 0; i < numPieces; i++ {
		reqBody, err := readMessage(conn)
		if err != nil || len(reqBody) < 2 {
			t.Errorf("peer: read request %d: %v", i, err)
			return
		}
		hdr, _, err := parseMetadataHeader(reqBody[2:])
		if err != nil {
			t.Errorf("peer: parse request header: %v", err)
			return
		}
		start := hdr.Piece * blockSize
		end := start + blockSize
		if end > len(infoBytes) {
			end = len(infoBytes)
		}
		dataHdr, _ := bencode.Marshal(&metadataMessage{MsgType: metadataMsgTypeData, Piece: hdr.Piece, TotalSize: len(infoBytes)})
		msg := append([]byte{extendedMsgID, byte(hs.M[utMetadataKey])}, dataHdr...)
		msg = append(msg, infoBytes[start:end]...)
		if err := writeMessage(conn, msg); err != nil {
			t.Errorf("peer: write data %d: %v", i, err)
			return
		}
	}
}

func TestFetchFullMetadataExchange(t *testing.T) {
	infoBytes := make([]byte, 40000)
	for i := range infoBytes {
		infoBytes[i] = byte(i % 251)
	}
	infoHash := sha1.Sum(infoBytes)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go servePeer(t, ln, infoHash, infoBytes)

	addr := ln.Addr().(*net.TCPAddr)
	job := scheduler.Job{InfoHash: infoHash, Addr: addr, TraceID: "test"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, got, err := Fetch(ctx, DefaultConfig(), job)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if outcome != scheduler.Success {
		t.Fatalf("expected Success, got %v", outcome)
	}
	if len(got) != len(infoBytes) {
		t.Fatalf("expected %d bytes, got %d", len(infoBytes), len(got))
	}
	gotSum := sha1.Sum(got)
	if gotSum != infoHash {
		t.Fatalf("sha1 mismatch after fetch")
	}
}

func TestFetchHandshakeMismatchReturnsHandshakeFail(t *testing.T) {
	var wantHash, actualHash [20]byte
	wantHash[0] = 1
	actualHash[0] = 2

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hsBuf := make([]byte, handshakeLen)
		_ = readFull(conn, hsBuf)
		_, _ = conn.Write(buildHandshake(actualHash, [20]byte{}))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	job := scheduler.Job{InfoHash: wantHash, Addr: addr, TraceID: "test"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, _, err := Fetch(ctx, DefaultConfig(), job)
	if err == nil {
		t.Fatalf("expected error")
	}
	if outcome != scheduler.HandshakeFail {
		t.Fatalf("expected HandshakeFail, got %v", outcome)
	}
}
