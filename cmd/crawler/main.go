// Command crawler is the infoharvest process entrypoint: it parses
// flags, loads config, wires the DHT engine, scheduler, metadata
// worker and storage together, and drives graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/lowlayer/infoharvest/internal/bootstrap"
	"github.com/lowlayer/infoharvest/internal/config"
	"github.com/lowlayer/infoharvest/internal/dht"
	"github.com/lowlayer/infoharvest/internal/logger"
	"github.com/lowlayer/infoharvest/internal/metadata"
	"github.com/lowlayer/infoharvest/internal/peerpool"
	"github.com/lowlayer/infoharvest/internal/scheduler"
	"github.com/lowlayer/infoharvest/internal/stats"
	"github.com/lowlayer/infoharvest/internal/storage"
)

func main() {
	app := cli.NewApp()
	app.Name = "infoharvest"
	app.Usage = "crawl the Mainline DHT for infohashes and their torrent metadata"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		cli.BoolFlag{Name: "s", Usage: "stdout only, disable all on-disk persistence of fetched metadata"},
		cli.StringFlag{Name: "p", Usage: "magnet log file path", Value: "hash.log"},
		cli.IntFlag{Name: "t", Usage: "metadata worker concurrency", Value: 100},
		cli.IntFlag{Name: "b", Usage: "persist torrent files: 0 or 1", Value: 1},
		cli.StringFlag{Name: "bind", Usage: "UDP bind address for the DHT engine", Value: "0.0.0.0:6881"},
		cli.StringFlag{Name: "state-dir", Usage: "directory for bootstrap_nodes.jsonl and metadata_peers.jsonl", Value: "state"},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warning, error", Value: "info"},
	}
	app.Action = run
	app.OnUsageError = func(c *cli.Context, err error, isSubcommand bool) error {
		return cliUsageError{err}
	}

	// Rewrite legacy "-p:FILE" style tokens to "-p=FILE" for the flag parser.
	args := make([]string, len(os.Args))
	for i, a := range os.Args {
		if colon := strings.IndexByte(a, ':'); i > 0 && strings.HasPrefix(a, "-") && colon > 0 && !strings.Contains(a[:colon], "=") {
			a = a[:colon] + "=" + a[colon+1:]
		}
		args[i] = a
	}

	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(usageExitCode(err))
	}
}

// usageExitCode maps a top-level error to the process exit code: 1
// for a usage/flag error, 2 for anything else (fatal init failure,
// e.g. a UDP bind error).
func usageExitCode(err error) int {
	if _, ok := err.(cliUsageError); ok {
		return 1
	}
	return 2
}

type cliUsageError struct{ error }

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cliUsageError{fmt.Errorf("load config: %w", err)}
	}

	if c.IsSet("s") {
		cfg.StdoutOnly = c.Bool("s")
	}
	if c.IsSet("p") {
		cfg.MagnetLogPath = c.String("p")
	}
	if c.IsSet("t") {
		cfg.WorkerConcurrency = c.Int("t")
	}
	if c.IsSet("b") {
		cfg.PersistTorrents = c.Int("b") != 0
	}
	if c.IsSet("bind") {
		cfg.DHTBind = c.String("bind")
	}
	if c.IsSet("state-dir") {
		cfg.StateDir = c.String("state-dir")
	}

	if err := cfg.ExpandPaths(); err != nil {
		return fmt.Errorf("expand config paths: %w", err)
	}
	if err := logger.SetLevel(c.String("log-level")); err != nil {
		return cliUsageError{fmt.Errorf("bad log level: %w", err)}
	}

	log := logger.New("main")

	if err := os.MkdirAll(cfg.StateDir, 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	peerPool := peerpool.New(
		filepath.Join(cfg.StateDir, "metadata_peers.jsonl"),
		cfg.PeerPoolCapacity,
		time.Duration(cfg.PeerPoolTTLSeconds)*time.Second,
	)
	peerPool.Load()

	bootstrapStore := bootstrap.New(
		filepath.Join(cfg.StateDir, "bootstrap_nodes.jsonl"),
		cfg.BootstrapCapacity,
		cfg.BootstrapHosts,
	)
	bootstrapStore.Load()

	store := storage.New(storage.Config{
		MagnetLogPath:   cfg.MagnetLogPath,
		TorrentDir:      cfg.TorrentDir,
		PersistTorrents: cfg.PersistTorrents,
		StdoutOnly:      cfg.StdoutOnly,
	})

	metaCfg := metadata.DefaultConfig()
	metaCfg.MaxMetadataSize = cfg.MaxMetadataSize
	metaCfg.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	metaCfg.RecvTimeout = time.Duration(cfg.RecvTimeoutSeconds) * time.Second

	worker := func(ctx context.Context, job scheduler.Job) (scheduler.Outcome, []byte, error) {
		return metadata.Fetch(ctx, metaCfg, job)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.QueueCapacity = cfg.JobQueueCapacity
	schedCfg.Concurrency = cfg.WorkerConcurrency
	schedCfg.SeenWindow = time.Duration(cfg.SeenWindowSeconds) * time.Second
	schedCfg.MaxInfoHashFailures = cfg.MaxInfoHashFailures
	schedCfg.BadPeerCooldown = time.Duration(cfg.BadPeerCooldownSeconds) * time.Second
	schedCfg.PeerPoolSampleSize = cfg.PeerPoolSampleSize
	schedCfg.ShutdownGrace = time.Duration(cfg.ShutdownGraceSeconds) * time.Second

	sched := scheduler.New(schedCfg, peerPool, worker, store.Store)

	dhtCfg := dht.DefaultConfig()
	dhtCfg.BindAddr = cfg.DHTBind
	dhtCfg.OutboundQueryRate = float64(cfg.OutboundQueryRateLimit)

	engine, err := dht.New(dhtCfg, bootstrapStore, sched.Enqueue)
	if err != nil {
		return fmt.Errorf("start dht engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %s, shutting down", s)
		cancel()
	}()

	log.Infof("listening on %s, %d workers, state in %s", cfg.DHTBind, cfg.WorkerConcurrency, cfg.StateDir)

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statusTicker.C:
				log.Status("stats", stats.Snap().Fields())
			}
		}
	}()

	engine.Run(ctx)
	<-done

	if err := peerPool.Persist(); err != nil {
		log.Errorf("persist peer pool: %v", err)
	}
	if err := bootstrapStore.Persist(); err != nil {
		log.Errorf("persist bootstrap store: %v", err)
	}
	log.Infoln("shutdown complete")
	return nil
}

