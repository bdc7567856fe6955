package scheduler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func addr(port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestSeenSetDedupsWithinWindow(t *testing.T) {
	s := newSeenSet(time.Minute, 10)
	key := "k"
	if !s.checkAndAdd(key) {
		t.Fatalf("first insert should succeed")
	}
	if s.checkAndAdd(key) {
		t.Fatalf("duplicate within window should be rejected")
	}
}

func TestFailMapBlacklistsAfterThreshold(t *testing.T) {
	f := newFailMap(3, time.Minute)
	var ih [20]byte
	ih[0] = 1
	for i := 0; i < 2; i++ {
		f.fail(ih)
		if f.blacklisted(ih) {
			t.Fatalf("should not blacklist before threshold")
		}
	}
	f.fail(ih)
	if !f.blacklisted(ih) {
		t.Fatalf("expected blacklist after threshold failures")
	}
}

func TestBadPeerMapExpires(t *testing.T) {
	b := newBadPeerMap(time.Millisecond)
	a := addr(1)
	b.mark(a)
	if !b.blacklisted(a) {
		t.Fatalf("expected freshly marked peer to be blacklisted")
	}
	time.Sleep(5 * time.Millisecond)
	if b.blacklisted(a) {
		t.Fatalf("expected expired blacklist entry to clear")
	}
}

func TestEnqueueRejectsDuplicateWithinWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 10
	cfg.PeerPoolSampleSize = 0
	var dispatched int32
	worker := func(ctx context.Context, job Job) (Outcome, []byte, error) {
		atomic.AddInt32(&dispatched, 1)
		return Success, []byte("x"), nil
	}
	sched := New(cfg, nil, worker, nil)

	var ih [20]byte
	ih[0] = 9
	a := addr(6881)
	sched.Enqueue(ih, a)
	sched.Enqueue(ih, a)

	if len(sched.queue) != 1 {
		t.Fatalf("expected exactly 1 queued job, got %d", len(sched.queue))
	}
}

func TestQueueSaturationDropsExcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 4
	cfg.PeerPoolSampleSize = 0
	sched := New(cfg, nil, nil, nil)

	for i := 0; i < 5; i++ {
		var ih [20]byte
		ih[0] = byte(i)
		sched.Enqueue(ih, addr(6881+i))
	}
	if len(sched.queue) != 4 {
		t.Fatalf("expected queue capped at 4, got %d", len(sched.queue))
	}

	var dropped [20]byte
	dropped[0] = 4
	key := seenKey(dropped, addr(6885))
	if _, ok := sched.seen.seenAt[key]; ok {
		t.Fatalf("dropped job must not be recorded in SeenSet")
	}
}

func TestRunDispatchesWithinConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 10
	cfg.Concurrency = 2
	cfg.PeerPoolSampleSize = 0

	var mu sync.Mutex
	maxInFlight := 0
	inFlight := 0
	release := make(chan struct{})

	worker := func(ctx context.Context, job Job) (Outcome, []byte, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return Success, nil, nil
	}

	sched := New(cfg, nil, worker, nil)
	for i := 0; i < 5; i++ {
		var ih [20]byte
		ih[0] = byte(i)
		sched.Enqueue(ih, addr(7000+i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > 2 {
		t.Fatalf("concurrency cap violated: maxInFlight=%d", maxInFlight)
	}
}

func TestSuccessOutcomeResetsFailMap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInfoHashFailures = 1
	cfg.InfoHashCooldown = time.Hour
	worker := func(ctx context.Context, job Job) (Outcome, []byte, error) {
		return Success, []byte("ok"), nil
	}
	sched := New(cfg, nil, worker, nil)

	var ih [20]byte
	ih[0] = 7
	sched.fails.fail(ih)
	if !sched.fails.blacklisted(ih) {
		t.Fatalf("expected blacklist after one failure with threshold 1")
	}
	sched.runJob(context.Background(), Job{InfoHash: ih, Addr: addr(1), TraceID: "t"})
	if sched.fails.blacklisted(ih) {
		t.Fatalf("expected successful outcome to clear blacklist")
	}
}
