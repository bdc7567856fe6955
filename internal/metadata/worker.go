package metadata

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"github.com/lowlayer/infoharvest/internal/bencode"
	"github.com/lowlayer/infoharvest/internal/logger"
	"github.com/lowlayer/infoharvest/internal/scheduler"
	"github.com/lowlayer/infoharvest/internal/stats"
)

// Config bounds one fetch attempt.
type Config struct {
	ConnectTimeout  time.Duration
	RecvTimeout     time.Duration
	MaxMetadataSize int64
	ListenPort      int
	UserAgent       string
}

// DefaultConfig returns the worker's built-in defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  15 * time.Second,
		RecvTimeout:     15 * time.Second,
		MaxMetadataSize: 10 * 1024 * 1024,
		ListenPort:      6881,
		UserAgent:       "infoharvest",
	}
}

const blockSize = 16 * 1024

// Fetch performs the full BT handshake, extended handshake, and
// ut_metadata piece-exchange for job, returning the outcome and (on
// Success) the verified raw info dict bytes. cmd/crawler wraps it in a
// closure over cfg to form a scheduler.WorkerFunc.
func Fetch(ctx context.Context, cfg Config, job scheduler.Job) (scheduler.Outcome, []byte, error) {
	log := logger.New("worker " + job.Addr.String())

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", job.Addr.String())
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return scheduler.Timeout, nil, err
		}
		return scheduler.ConnRefused, nil, err
	}
	defer conn.Close()
	job.SetState(scheduler.Connected)

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(cfg.ConnectTimeout + 4*cfg.RecvTimeout)
	}
	_ = conn.SetDeadline(deadline)

	var peerID [20]byte
	_, _ = rand.Read(peerID[:])

	if _, err := conn.Write(buildHandshake(job.InfoHash, peerID)); err != nil {
		return scheduler.HandshakeFail, nil, err
	}

	hsBuf := make([]byte, handshakeLen)
	if err := readFull(conn, hsBuf); err != nil {
		return scheduler.HandshakeFail, nil, err
	}
	if _, err := parseHandshake(hsBuf, job.InfoHash); err != nil {
		return scheduler.HandshakeFail, nil, err
	}
	job.SetState(scheduler.HandshakeOK)

	if err := sendExtendedHandshake(conn, cfg); err != nil {
		return scheduler.ProtocolFail, nil, err
	}

	peerMetadataID, metadataSize, err := recvExtendedHandshake(conn, cfg)
	if err != nil {
		return scheduler.ProtocolFail, nil, err
	}
	job.SetState(scheduler.ExtHandshakeOK)

	job.SetState(scheduler.PiecesFetching)
	pieces, err := fetchPieces(conn, peerMetadataID, metadataSize)
	if err != nil {
		return scheduler.ProtocolFail, nil, err
	}

	assembled := assemble(pieces, metadataSize)
	sum := sha1.Sum(assembled)
	if sum != job.InfoHash {
		stats.MetadataFailed.Inc(1)
		return scheduler.HashMismatch, nil, fmt.Errorf("metadata: sha1 mismatch for %x", job.InfoHash)
	}
	job.SetState(scheduler.Verified)

	stats.MetadataFetched.Inc(1)
	log.Infof("fetched %d bytes of metadata", len(assembled))
	return scheduler.Success, assembled, nil
}

func sendExtendedHandshake(conn net.Conn, cfg Config) error {
	hs := extendedHandshake{
		M:       map[string]int{utMetadataKey: 1},
		Port:    cfg.ListenPort,
		Version: cfg.UserAgent,
	}
	body, err := bencode.Marshal(&hs)
	if err != nil {
		return err
	}
	msg := append([]byte{extendedMsgID, extHandshakeID}, body...)
	return writeMessage(conn, msg)
}

// recvExtendedHandshake reads messages until the peer's extended
// handshake arrives, discarding any unsolicited bitfield/have messages
// that show up first. It returns the peer's ut_metadata sub-id and the
// announced metadata size.
func recvExtendedHandshake(conn net.Conn, cfg Config) (peerMetadataID int, metadataSize int, err error) {
	for {
		body, rerr := readMessage(conn)
		if rerr != nil {
			return 0, 0, rerr
		}
		if len(body) == 0 {
			continue // keep-alive
		}
		msgID := body[0]
		if msgID != extendedMsgID {
			continue // unsolicited bitfield/have/etc: discard
		}
		if len(body) < 2 {
			continue
		}
		subID := body[1]
		if subID != extHandshakeID {
			continue
		}
		var hs extendedHandshake
		if err := bencode.Unmarshal(body[2:], &hs); err != nil {
			return 0, 0, err
		}
		id, ok := hs.M[utMetadataKey]
		if !ok {
			return 0, 0, fmt.Errorf("metadata: peer does not support ut_metadata")
		}
		if hs.MetadataSize <= 0 {
			return 0, 0, fmt.Errorf("metadata: peer announced invalid metadata_size %d", hs.MetadataSize)
		}
		if int64(hs.MetadataSize) > cfg.MaxMetadataSize {
			return 0, 0, fmt.Errorf("metadata: metadata_size %d exceeds limit %d", hs.MetadataSize, cfg.MaxMetadataSize)
		}
		return id, hs.MetadataSize, nil
	}
}

var errRejected = fmt.Errorf("metadata: peer rejected a piece request")

// fetchPieces requests every piece of an info dict of metadataSize
// bytes sequentially and assembles the raw per-piece payloads indexed
// by piece number, tolerating out-of-order arrivals.
func fetchPieces(conn net.Conn, peerMetadataID, metadataSize int) (map[int][]byte, error) {
	numPieces := metadataSize / blockSize
	if metadataSize%blockSize != 0 {
		numPieces++
	}

	pieces := make(map[int][]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		if err := requestPiece(conn, peerMetadataID, i); err != nil {
			return nil, err
		}
	}

	for len(pieces) < numPieces {
		body, err := readMessage(conn)
		if err != nil {
			return nil, err
		}
		if len(body) < 2 || body[0] != extendedMsgID {
			continue
		}
		payload := body[2:]
		hdr, consumed, err := parseMetadataHeader(payload)
		if err != nil {
			continue // not a ut_metadata message we understand: skip
		}
		switch hdr.MsgType {
		case metadataMsgTypeData:
			if hdr.TotalSize != metadataSize {
				return nil, fmt.Errorf("metadata: piece %d total_size %d != announced %d", hdr.Piece, hdr.TotalSize, metadataSize)
			}
			if hdr.Piece < 0 || hdr.Piece >= numPieces {
				return nil, fmt.Errorf("metadata: invalid piece index %d", hdr.Piece)
			}
			data := payload[consumed:]
			expected := blockSize
			if hdr.Piece == numPieces-1 {
				if mod := metadataSize % blockSize; mod != 0 {
					expected = mod
				}
			}
			if len(data) != expected {
				return nil, fmt.Errorf("metadata: piece %d wrong size %d, want %d", hdr.Piece, len(data), expected)
			}
			pieces[hdr.Piece] = data
		case metadataMsgTypeReject:
			return nil, errRejected
		default:
			// request or unknown: not expected inbound, ignore.
		}
	}
	return pieces, nil
}

func requestPiece(conn net.Conn, peerMetadataID, index int) error {
	body, err := bencode.Marshal(&metadataMessage{MsgType: metadataMsgTypeRequest, Piece: index})
	if err != nil {
		return err
	}
	msg := append([]byte{extendedMsgID, byte(peerMetadataID)}, body...)
	return writeMessage(conn, msg)
}

// parseMetadataHeader decodes the bencoded header at the start of
// payload and returns how many bytes it consumed, so the caller can
// slice off the raw piece data that follows in the same message frame.
func parseMetadataHeader(payload []byte) (metadataMessage, int, error) {
	v, n, err := bencode.Decode(payload)
	if err != nil {
		return metadataMessage{}, 0, err
	}
	var hdr metadataMessage
	if mt, ok := v.Get("msg_type"); ok {
		i, err := mt.IntVal()
		if err != nil {
			return metadataMessage{}, 0, err
		}
		hdr.MsgType = int(i)
	}
	if p, ok := v.Get("piece"); ok {
		i, err := p.IntVal()
		if err != nil {
			return metadataMessage{}, 0, err
		}
		hdr.Piece = int(i)
	}
	if ts, ok := v.Get("total_size"); ok {
		i, err := ts.IntVal()
		if err != nil {
			return metadataMessage{}, 0, err
		}
		hdr.TotalSize = int(i)
	}
	return hdr, n, nil
}

func assemble(pieces map[int][]byte, metadataSize int) []byte {
	out := make([]byte, 0, metadataSize)
	numPieces := metadataSize / blockSize
	if metadataSize%blockSize != 0 {
		numPieces++
	}
	for i := 0; i < numPieces; i++ {
		out = append(out, pieces[i]...)
	}
	return out
}
