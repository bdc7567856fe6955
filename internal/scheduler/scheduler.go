// Package scheduler is the crawler's bounded-concurrency dispatcher:
// it owns the job queue, SeenSet, FailMap and BadPeerMap, caps
// in-flight metadata workers with a semaphore, and drives the
// peer-pool sampling that turns one observed infohash into several
// dispatch attempts. It never calls back into the DHT engine — jobs
// only ever flow inward, generalizing the reference client's
// Session/Torrent ownership split (session.go owns the shared maps
// and mutexes; torrents run independently) to a single dispatcher
// owning shared state and a pool of worker goroutines.
package scheduler

import (
	"context"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/lowlayer/infoharvest/internal/logger"
	"github.com/lowlayer/infoharvest/internal/peerpool"
	"github.com/lowlayer/infoharvest/internal/stats"
)

// WorkerFunc fetches metadata for a single job, returning the outcome
// and, on Success, the raw info dict bytes. Supplied by cmd/crawler so
// this package never imports the metadata worker directly, keeping
// the dependency one-way.
type WorkerFunc func(ctx context.Context, job Job) (Outcome, []byte, error)

// StorageFunc persists a verified info dict. Supplied the same way as
// WorkerFunc.
type StorageFunc func(infoHash [20]byte, infoBytes []byte) error

// Config bounds the scheduler's resources. Zero values are replaced
// with DefaultConfig's values by New, except PeerPoolSampleSize, where
// zero turns peer-pool sampling off.
type Config struct {
	QueueCapacity       int
	Concurrency         int
	SeenWindow          time.Duration
	MaxInfoHashFailures int
	InfoHashCooldown    time.Duration
	BadPeerCooldown     time.Duration
	PeerPoolSampleSize  int
	ShutdownGrace       time.Duration
}

// DefaultConfig returns the scheduler's built-in defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:       10000,
		Concurrency:         100,
		SeenWindow:          10 * time.Minute,
		MaxInfoHashFailures: 20,
		InfoHashCooldown:    15 * time.Minute,
		BadPeerCooldown:     15 * time.Minute,
		PeerPoolSampleSize:  3,
		ShutdownGrace:       5 * time.Second,
	}
}

// Scheduler is the single dispatcher owning the job queue and every
// piece of shared dedup/blacklist state.
type Scheduler struct {
	cfg Config
	log logger.Logger

	seen  *seenSet
	fails *failMap
	bad   *badPeerMap
	pool  *peerpool.Pool

	worker  WorkerFunc
	storage StorageFunc

	queue chan Job
	sem   chan struct{}

	wg sync.WaitGroup
}

// New builds a Scheduler. worker and storage are supplied by the
// caller (cmd/crawler) to keep the dependency one-way.
func New(cfg Config, pool *peerpool.Pool, worker WorkerFunc, storage StorageFunc) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.SeenWindow <= 0 {
		cfg.SeenWindow = DefaultConfig().SeenWindow
	}
	if cfg.MaxInfoHashFailures <= 0 {
		cfg.MaxInfoHashFailures = DefaultConfig().MaxInfoHashFailures
	}
	if cfg.InfoHashCooldown <= 0 {
		cfg.InfoHashCooldown = DefaultConfig().InfoHashCooldown
	}
	if cfg.BadPeerCooldown <= 0 {
		cfg.BadPeerCooldown = DefaultConfig().BadPeerCooldown
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}

	return &Scheduler{
		cfg:     cfg,
		log:     logger.New("scheduler"),
		seen:    newSeenSet(cfg.SeenWindow, cfg.QueueCapacity*2),
		fails:   newFailMap(cfg.MaxInfoHashFailures, cfg.InfoHashCooldown),
		bad:     newBadPeerMap(cfg.BadPeerCooldown),
		pool:    pool,
		worker:  worker,
		storage: storage,
		queue:   make(chan Job, cfg.QueueCapacity),
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Enqueue rejects silently on dedup, blacklist, or queue-full;
// otherwise it accepts and also samples up to PeerPoolSampleSize
// extra known-good peers for the same infohash.
func (s *Scheduler) Enqueue(infoHash [20]byte, addr *net.TCPAddr) {
	if !s.tryEnqueue(infoHash, addr) {
		return
	}
	if s.pool == nil || s.cfg.PeerPoolSampleSize <= 0 {
		return
	}
	for _, sampled := range s.pool.Sample(s.cfg.PeerPoolSampleSize) {
		s.tryEnqueue(infoHash, sampled)
	}
}

func (s *Scheduler) tryEnqueue(infoHash [20]byte, addr *net.TCPAddr) bool {
	if s.bad.blacklisted(addr) {
		return false
	}
	if s.fails.blacklisted(infoHash) {
		return false
	}
	key := seenKey(infoHash, addr)
	if !s.seen.checkAndAdd(key) {
		return false
	}

	job := newJob(infoHash, addr, uuid.NewV4().String())
	select {
	case s.queue <- job:
		stats.JobsAccepted.Inc(1)
		return true
	default:
		s.seen.mu.Lock()
		delete(s.seen.seenAt, key)
		s.seen.mu.Unlock()
		stats.JobsDropped.Inc(1)
		return false
	}
}

// Run drains the job queue and dispatches workers until ctx is
// canceled, then waits up to the configured grace period for
// in-flight workers before returning.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainAndWait()
			return
		case job := <-s.queue:
			s.dispatch(ctx, job)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job Job) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	job.SetState(Dispatched)
	stats.IncWorkersInFlight()
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.sem
			stats.DecWorkersInFlight()
			s.wg.Done()
		}()
		s.runJob(ctx, job)
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	outcome, infoBytes, err := s.worker(ctx, job)
	if err != nil {
		s.log.Errorf("job %s: worker error: %v", job.TraceID, err)
	}

	switch outcome {
	case Success:
		job.SetState(Done)
		s.fails.reset(job.InfoHash)
		if s.pool != nil {
			s.pool.MarkOK(job.Addr)
		}
		if s.storage != nil {
			if err := s.storage(job.InfoHash, infoBytes); err != nil {
				s.log.Errorf("job %s: storage: %v", job.TraceID, err)
			}
		}
	default:
		job.SetState(Failed)
		s.fails.fail(job.InfoHash)
		s.bad.mark(job.Addr)
	}
}

// drainAndWait waits for in-flight workers to finish, up to the
// configured grace period.
func (s *Scheduler) drainAndWait() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warningln("shutdown grace period elapsed with workers still in flight")
	}
}
