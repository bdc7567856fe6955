package metadata

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readMessage reads one length-prefixed BT message: a 4-byte
// big-endian length, then that many bytes (message id + payload).
// Length 0 (keep-alive) is tolerated and returned as an empty slice.
func readMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxMessageLen {
		return nil, fmt.Errorf("metadata: message length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if err := readFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// maxMessageLen bounds a single BT message frame; generous enough for
// a 16 KiB ut_metadata piece plus bencoded header overhead.
const maxMessageLen = 64 * 1024

// writeMessage frames body (message id + payload) with its 4-byte
// big-endian length prefix.
func writeMessage(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
