package metadata

import "testing"

func TestBuildAndParseHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAA
	peerID[0] = 0xBB

	b := buildHandshake(infoHash, peerID)
	if len(b) != handshakeLen {
		t.Fatalf("unexpected handshake length %d", len(b))
	}
	if b[0] != byte(len(protocolName)) {
		t.Fatalf("unexpected protocol name length prefix")
	}
	if b[1+len(protocolName)+5]&extensionBit == 0 {
		t.Fatalf("extension bit must be set in reserved bytes")
	}

	gotPeerID, err := parseHandshake(b, infoHash)
	if err != nil {
		t.Fatalf("parseHandshake: %v", err)
	}
	if gotPeerID != peerID {
		t.Fatalf("peer id mismatch")
	}
}

func TestParseHandshakeRejectsInfoHashMismatch(t *testing.T) {
	var infoHash, wrongHash, peerID [20]byte
	infoHash[0] = 1
	wrongHash[0] = 2

	b := buildHandshake(infoHash, peerID)
	if _, err := parseHandshake(b, wrongHash); err != errHandshakeMismatch {
		t.Fatalf("expected handshake mismatch error, got %v", err)
	}
}

func TestParseHandshakeRejectsTruncated(t *testing.T) {
	if _, err := parseHandshake([]byte("short"), [20]byte{}); err == nil {
		t.Fatalf("expected error for truncated handshake")
	}
}

func TestParseHandshakeIgnoresPeerIDMismatch(t *testing.T) {
	var infoHash [20]byte
	infoHash[0] = 9
	b := buildHandshake(infoHash, [20]byte{1, 2, 3})
	if _, err := parseHandshake(b, infoHash); err != nil {
		t.Fatalf("peer id should never cause a rejection: %v", err)
	}
}
