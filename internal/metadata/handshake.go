// Package metadata implements the per-job metadata worker: the
// BitTorrent handshake, the BEP-10 extended handshake, the BEP-9
// ut_metadata piece-request loop, and SHA-1 verification of the
// assembled info dict. Each call to Fetch owns one TCP socket for the
// life of a single attempt, grounded on the reference client's
// infodownloader.InfoDownloader block bookkeeping (blockSize 16KiB,
// requested-set, sequential block index) generalized from "download
// pieces of a known torrent" to "download pieces of an unknown-size
// info dict discovered via an extended handshake".
package metadata

import (
	"bytes"
	"fmt"
	"io"
)

const (
	protocolName   = "BitTorrent protocol"
	handshakeLen   = 1 + len(protocolName) + 8 + 20 + 20
	extensionBit   = 0x10 // reserved[5] bit 20 (0-indexed from LSB), BEP-10
	extendedMsgID  = 20
	extHandshakeID = 0
)

// buildHandshake constructs the 68-byte BT handshake for infoHash,
// advertising extension-protocol support, using a fresh random peer id.
func buildHandshake(infoHash [20]byte, peerID [20]byte) []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	reserved := make([]byte, 8)
	reserved[5] |= extensionBit
	buf = append(buf, reserved...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// parseHandshake validates a received 68-byte handshake against the
// infohash we dialed for. The peer id is returned but never checked;
// a mismatched peer id doesn't indicate a bad handshake.
func parseHandshake(b []byte, wantInfoHash [20]byte) (peerID [20]byte, err error) {
	if len(b) != handshakeLen {
		return peerID, fmt.Errorf("metadata: handshake length %d != %d", len(b), handshakeLen)
	}
	if int(b[0]) != len(protocolName) {
		return peerID, fmt.Errorf("metadata: bad protocol name length prefix %d", b[0])
	}
	if !bytes.Equal(b[1:1+len(protocolName)], []byte(protocolName)) {
		return peerID, fmt.Errorf("metadata: unexpected protocol name")
	}
	gotInfoHash := b[1+len(protocolName)+8 : 1+len(protocolName)+8+20]
	if !bytes.Equal(gotInfoHash, wantInfoHash[:]) {
		return peerID, errHandshakeMismatch
	}
	copy(peerID[:], b[1+len(protocolName)+8+20:])
	return peerID, nil
}

var errHandshakeMismatch = fmt.Errorf("metadata: peer echoed a different infohash")

// readFull reads exactly len(buf) bytes or returns the first error,
// looping over partial reads.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
