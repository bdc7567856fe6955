// Package config loads the crawler's settings by layering, lowest to
// highest precedence, built-in defaults, an optional YAML file and
// CLI flags, the same precedence order (and YAML library) the
// reference client's own Config/LoadConfig use.
package config

import (
	"io/ioutil"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v1"
)

// Config holds every tunable the crawler's components expose.
type Config struct {
	// DHTBind is the UDP address the engine listens and sends on.
	DHTBind string `yaml:"dht_bind"`

	// StateDir holds bootstrap_nodes.jsonl and metadata_peers.jsonl.
	StateDir string `yaml:"state_dir"`
	// MagnetLogPath is the append-only magnet URI log (-p:FILE).
	MagnetLogPath string `yaml:"magnet_log_path"`
	// TorrentDir is where reconstructed .torrent files are written
	// when PersistTorrents is true (-b:1, the default).
	TorrentDir string `yaml:"torrent_dir"`

	// PersistTorrents toggles .torrent file writing (-b:0/-b:1).
	PersistTorrents bool `yaml:"persist_torrents"`
	// StdoutOnly disables all on-disk persistence of fetched
	// metadata (-s): each fetched torrent is still logged (infohash,
	// name, size, file count), but neither the magnet log file nor BT/
	// are written.
	StdoutOnly bool `yaml:"stdout_only"`

	// WorkerConcurrency bounds in-flight metadata workers (-t:N).
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// JobQueueCapacity bounds the scheduler's job queue.
	JobQueueCapacity int `yaml:"job_queue_capacity"`
	// SeenWindowSeconds is how long a (infohash, addr) pair is deduplicated
	// for after being enqueued.
	SeenWindowSeconds int `yaml:"seen_window_seconds"`
	// MaxInfoHashFailures blacklists an infohash once its failure
	// count reaches this.
	MaxInfoHashFailures int `yaml:"max_infohash_failures"`
	// BadPeerCooldownSeconds is how long a misbehaving peer is
	// blacklisted for.
	BadPeerCooldownSeconds int `yaml:"bad_peer_cooldown_seconds"`
	// PeerPoolSampleSize is how many extra peers the scheduler samples
	// from the peer pool per newly observed infohash.
	PeerPoolSampleSize int `yaml:"peer_pool_sample_size"`

	// PeerPoolCapacity bounds the metadata peer pool.
	PeerPoolCapacity int `yaml:"peer_pool_capacity"`
	// PeerPoolTTLSeconds expires peer pool entries.
	PeerPoolTTLSeconds int `yaml:"peer_pool_ttl_seconds"`

	// BootstrapCapacity bounds the bootstrap store.
	BootstrapCapacity int `yaml:"bootstrap_capacity"`
	// BootstrapHosts are the hard-coded DNS names used to rejoin when
	// the routing deque and bootstrap store are both empty.
	BootstrapHosts []string `yaml:"bootstrap_hosts"`

	// MaxMetadataSize rejects an extended handshake whose
	// metadata_size exceeds this.
	MaxMetadataSize int64 `yaml:"max_metadata_size"`
	// ConnectTimeoutSeconds / RecvTimeoutSeconds bound the metadata
	// worker's TCP steps.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	RecvTimeoutSeconds    int `yaml:"recv_timeout_seconds"`

	// ShutdownGraceSeconds is how long the scheduler waits for
	// in-flight workers on shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// OutboundQueryRateLimit caps outbound find_node queries per
	// second.
	OutboundQueryRateLimit int `yaml:"outbound_query_rate_limit"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DHTBind:                "0.0.0.0:6881",
		StateDir:               "state",
		MagnetLogPath:          "hash.log",
		TorrentDir:             "BT",
		PersistTorrents:        true,
		StdoutOnly:             false,
		WorkerConcurrency:      100,
		JobQueueCapacity:       10000,
		SeenWindowSeconds:      600,
		MaxInfoHashFailures:    20,
		BadPeerCooldownSeconds: 900,
		PeerPoolSampleSize:     3,
		PeerPoolCapacity:       4096,
		PeerPoolTTLSeconds:     24 * 60 * 60,
		BootstrapCapacity:      200,
		BootstrapHosts: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		MaxMetadataSize:        10 * 1024 * 1024,
		ConnectTimeoutSeconds:  15,
		RecvTimeoutSeconds:     15,
		ShutdownGraceSeconds:   5,
		OutboundQueryRateLimit: 200,
	}
}

// Load reads an optional YAML file over the defaults. A missing file
// is not an error — it just means the defaults (further overridden by
// CLI flags, by the caller) stand, matching the reference client's own
// LoadConfig behavior for a missing config file.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// ExpandPaths resolves ~-prefixed paths in the config to absolute
// ones, the same role homedir.Expand plays for the reference client's
// Database/DataDir settings.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.StateDir, &c.MagnetLogPath, &c.TorrentDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
