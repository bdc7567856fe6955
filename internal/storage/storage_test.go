package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lowlayer/infoharvest/internal/bencode"
)

func buildInfoDict(t *testing.T, name string, length int64) []byte {
	t.Helper()
	doc := struct {
		Name   string `bencode:"name"`
		Length int64  `bencode:"length"`
		Piece  string `bencode:"pieces"`
	}{Name: name, Length: length, Piece: "x"}
	b, err := bencode.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal info dict: %v", err)
	}
	return b
}

func TestStoreAppendsMagnetLineAndTorrentFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MagnetLogPath:   filepath.Join(dir, "hash.log"),
		TorrentDir:      filepath.Join(dir, "BT"),
		PersistTorrents: true,
	}
	s := New(cfg)

	var infoHash [20]byte
	infoHash[0] = 0xAB
	infoBytes := buildInfoDict(t, "cool movie", 40000)

	if err := s.Store(infoHash, infoBytes); err != nil {
		t.Fatalf("Store: %v", err)
	}

	logBytes, err := os.ReadFile(cfg.MagnetLogPath)
	if err != nil {
		t.Fatalf("read magnet log: %v", err)
	}
	if !strings.Contains(string(logBytes), "magnet:?xt=urn:btih:ab") {
		t.Fatalf("magnet log missing expected line: %q", logBytes)
	}

	entries, err := os.ReadDir(cfg.TorrentDir)
	if err != nil {
		t.Fatalf("read torrent dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 torrent file, got %d", len(entries))
	}
}

func TestStdoutOnlySkipsAllPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MagnetLogPath:   filepath.Join(dir, "hash.log"),
		TorrentDir:      filepath.Join(dir, "BT"),
		PersistTorrents: true,
		StdoutOnly:      true,
	}
	s := New(cfg)

	var infoHash [20]byte
	if err := s.Store(infoHash, buildInfoDict(t, "x", 1)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(cfg.MagnetLogPath); !os.IsNotExist(err) {
		t.Fatalf("expected no magnet log file when StdoutOnly is set")
	}
}

func TestSafeFilenameFallsBackToInfoHash(t *testing.T) {
	var infoHash [20]byte
	infoHash[0] = 0xCD
	got := safeFilename("", infoHash)
	expected := hexOf(infoHash)
	if got != expected {
		t.Fatalf("expected fallback filename %q, got %q", expected, got)
	}
}

func hexOf(b [20]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xF]
	}
	return string(out)
}

func TestSafeFilenameStripsPathSeparators(t *testing.T) {
	var infoHash [20]byte
	got := safeFilename("../../etc/passwd", infoHash)
	if strings.Contains(got, "/") || strings.Contains(got, "..") {
		t.Fatalf("expected path separators stripped, got %q", got)
	}
}

func TestSafeFilenameClampsLength(t *testing.T) {
	var infoHash [20]byte
	got := safeFilename(strings.Repeat("a", 500), infoHash)
	if len(got) > maxFilenameLen {
		t.Fatalf("expected length <= %d, got %d", maxFilenameLen, len(got))
	}
}

func TestMagnetURIPercentEncodesName(t *testing.T) {
	var infoHash [20]byte
	uri := MagnetURI(infoHash, "a b")
	if !strings.Contains(uri, "a%20b") {
		t.Fatalf("expected space percent-encoded, got %q", uri)
	}
}

func TestParseInfoMultiFile(t *testing.T) {
	type file struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	}
	doc := struct {
		Name  string `bencode:"name"`
		Files []file `bencode:"files"`
	}{
		Name: "pack",
		Files: []file{
			{Length: 100, Path: []string{"a.txt"}},
			{Length: 200, Path: []string{"b.txt"}},
		},
	}
	b, err := bencode.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	info, err := parseInfo(b)
	if err != nil {
		t.Fatalf("parseInfo: %v", err)
	}
	if info.fileCount != 2 || info.totalSize != 300 {
		t.Fatalf("unexpected parsed info: %+v", info)
	}
}
