// Package storage is the crawler's output adapter: it turns a
// verified info dict into a magnet log line and, optionally, a
// reconstructed .torrent file. Grounded on
// shammishailaj-rain/internal/metainfo/metainfo.go's RawInfo-passthrough
// idea (store the original encoded info dict's bytes verbatim so the
// infohash invariant holds) and that codebase's own per-torrent logging
// call (logger.TorrentBlock), generalized from "a torrent client logs
// what it downloaded" to "the crawler logs what it harvested".
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/lowlayer/infoharvest/internal/bencode"
	"github.com/lowlayer/infoharvest/internal/logger"
)

// Config names the on-disk outputs.
type Config struct {
	MagnetLogPath   string
	TorrentDir      string
	PersistTorrents bool
	StdoutOnly      bool
}

const maxFilenameLen = 180

// Storage is the single writer of magnet lines and .torrent files. A
// mutex serializes both, since multiple workers call into it
// concurrently.
type Storage struct {
	cfg Config
	log logger.Logger
	mu  sync.Mutex
}

// New returns a Storage writing to the paths named in cfg.
func New(cfg Config) *Storage {
	return &Storage{cfg: cfg, log: logger.New("storage")}
}

// Store implements scheduler.StorageFunc: it parses the verified info
// dict, appends a magnet line, and optionally writes a .torrent file.
func (s *Storage) Store(infoHash [20]byte, infoBytes []byte) error {
	info, err := parseInfo(infoBytes)
	if err != nil {
		return errors.Wrap(err, "storage: parse info dict")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.StdoutOnly {
		if err := s.appendMagnetLocked(infoHash, info.name); err != nil {
			s.log.Errorf("append magnet line: %v", err)
		}
		if s.cfg.PersistTorrents {
			if err := s.writeTorrentFileLocked(infoHash, info.name, infoBytes); err != nil {
				s.log.Errorf("write torrent file: %v", err)
			}
		}
	}

	s.log.TorrentBlock(fmt.Sprintf("%x", infoHash), info.name, info.totalSize, info.fileCount, "")
	return nil
}

func (s *Storage) appendMagnetLocked(infoHash [20]byte, name string) error {
	f, err := os.OpenFile(s.cfg.MagnetLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	line := MagnetURI(infoHash, name) + "\n"
	_, err = f.WriteString(line)
	return err
}

// MagnetURI renders the magnet:?xt=urn:btih:... line for infoHash and
// name, percent-encoding name.
func MagnetURI(infoHash [20]byte, name string) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%x&dn=%s", infoHash, percentEncode(sanitizeUTF8(name)))
}

func (s *Storage) writeTorrentFileLocked(infoHash [20]byte, name string, rawInfo []byte) error {
	if err := os.MkdirAll(s.cfg.TorrentDir, 0750); err != nil {
		return err
	}
	doc := struct {
		Info     bencode.RawMessage `bencode:"info"`
		Announce string             `bencode:"announce"`
	}{Info: bencode.RawMessage(rawInfo), Announce: ""}
	b, err := bencode.Marshal(&doc)
	if err != nil {
		return err
	}
	filename := safeFilename(name, infoHash) + ".torrent"
	return os.WriteFile(filepath.Join(s.cfg.TorrentDir, filename), b, 0644)
}

// safeFilename sanitizes name for use as a filesystem path component
// (dropping path separators and control characters and collapsing any
// ".." run to a single "."), falling back to the hex infohash when name is empty or entirely
// stripped, and clamping to maxFilenameLen.
func safeFilename(name string, infoHash [20]byte) string {
	name = sanitizeUTF8(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			continue
		case r < 0x20:
			continue
		default:
			b.WriteRune(r)
		}
	}
	clean := b.String()
	for strings.Contains(clean, "..") {
		clean = strings.ReplaceAll(clean, "..", ".")
	}
	clean = strings.TrimSpace(clean)
	if clean == "" {
		clean = fmt.Sprintf("%x", infoHash)
	}
	if len(clean) > maxFilenameLen {
		clean = clean[:maxFilenameLen]
	}
	return clean
}

// sanitizeUTF8 replaces any byte sequence that isn't valid UTF-8 with
// the Unicode replacement character.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(utf8.RuneError)
			i++
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-' || c == '_' || c == '.' || c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xF])
		}
	}
	return b.String()
}
