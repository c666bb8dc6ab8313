package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/clock/system"
	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/pipeline"
	"github.com/JakeFAU/searchcore/internal/storage/memory"
	"github.com/JakeFAU/searchcore/internal/store"
)

type processFunc func(ctx context.Context, job *pipeline.Job, entry crawler.FrontierEntry) pipeline.Outcome

func (f processFunc) Process(ctx context.Context, job *pipeline.Job, entry crawler.FrontierEntry) pipeline.Outcome {
	return f(ctx, job, entry)
}

type visits struct {
	mu    sync.Mutex
	count map[string]int
}

func newVisits() *visits { return &visits{count: make(map[string]int)} }

func (v *visits) add(url string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count[url]++
	return v.count[url]
}

func (v *visits) snapshot() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int, len(v.count))
	for k, n := range v.count {
		out[k] = n
	}
	return out
}

func fastConfig() Config {
	return Config{
		Workers:     4,
		IdleWindow:  30 * time.Millisecond,
		IdleCheck:   5 * time.Millisecond,
		EmptyWait:   5 * time.Millisecond,
		GracePeriod: time.Second,
	}
}

func seeded(t *testing.T, backend *memory.Backend, n int) *frontier.Frontier {
	t.Helper()
	f := frontier.New(frontier.Config{SessionID: "s1", MaxDepth: -1, PopTimeout: 20 * time.Millisecond}, backend, system.New(), zap.NewNop())
	t.Cleanup(f.Close)
	for i := range n {
		_, err := f.Enqueue(context.Background(), crawler.FrontierEntry{
			URL:      fmt.Sprintf("https://host%d.test/page%d", i%5, i),
			Priority: 0.5,
		})
		require.NoError(t, err)
	}
	return f
}

func newJob() *pipeline.Job {
	return &pipeline.Job{SessionID: "s1", Tally: pipeline.NewTally(crawler.Counters{})}
}

func TestRunDrainsFrontier(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 20)
	seen := newVisits()
	var checkpoints atomic.Int32
	cfg := fastConfig()
	cfg.SnapshotInterval = 5 * time.Millisecond
	cfg.Checkpoint = func(context.Context) { checkpoints.Add(1) }
	s := New(cfg, f, processFunc(func(_ context.Context, _ *pipeline.Job, e crawler.FrontierEntry) pipeline.Outcome {
		seen.add(e.URL)
		time.Sleep(time.Millisecond)
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	assert.Equal(t, crawler.SessionDone, res.Status())

	got := seen.snapshot()
	assert.Len(t, got, 20)
	for url, n := range got {
		assert.Equal(t, 1, n, "url %s delivered more than once", url)
	}
	stats := f.Stats()
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, int64(20), stats.Fetched)
	assert.Positive(t, checkpoints.Load())
}

func TestRunSpacesFetchesToOneHost(t *testing.T) {
	t.Parallel()

	const interval = 100 * time.Millisecond
	f := frontier.New(frontier.Config{
		SessionID:   "s1",
		MaxDepth:    -1,
		MinInterval: interval,
		PopTimeout:  20 * time.Millisecond,
	}, memory.NewBackend(), system.New(), zap.NewNop())
	t.Cleanup(f.Close)
	for i := range 10 {
		_, err := f.Enqueue(context.Background(), crawler.FrontierEntry{
			URL:      fmt.Sprintf("https://polite.test/page%d", i),
			Priority: 0.5,
		})
		require.NoError(t, err)
	}

	var (
		mu       sync.Mutex
		starts   []time.Time
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	cfg := fastConfig()
	cfg.Workers = 4
	cfg.IdleWindow = 3 * interval
	s := New(cfg, f, processFunc(func(context.Context, *pipeline.Job, crawler.FrontierEntry) pipeline.Outcome {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	assert.False(t, overlap.Load(), "two fetches to one host overlapped")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 10)
	assert.GreaterOrEqual(t, starts[9].Sub(starts[0]), 9*interval)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), interval, "fetch %d started too early", i)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 6)
	seen := newVisits()
	s := New(fastConfig(), f, processFunc(func(_ context.Context, _ *pipeline.Job, e crawler.FrontierEntry) pipeline.Outcome {
		if seen.add(e.URL) == 1 {
			return pipeline.Outcome{Kind: pipeline.KindRetry, Delay: 5 * time.Millisecond}
		}
		assert.Equal(t, 1, e.RetryCount)
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	for _, n := range seen.snapshot() {
		assert.Equal(t, 2, n)
	}
}

func TestCancelStopsAfterCurrentEntry(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 50)
	job := newJob()
	var s *Scheduler
	var processed atomic.Int32
	var sawFlag atomic.Bool
	s = New(fastConfig(), f, processFunc(func(_ context.Context, j *pipeline.Job, _ crawler.FrontierEntry) pipeline.Outcome {
		if processed.Add(1) == 3 {
			s.Cancel()
			sawFlag.Store(j.Canceled.Load())
		}
		time.Sleep(2 * time.Millisecond)
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), job, zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultCanceled, res)
	assert.True(t, sawFlag.Load())
	assert.Less(t, int(processed.Load()), 50)

	stats := f.Stats()
	assert.Zero(t, stats.InFlight, "every popped entry is released")
	assert.Positive(t, stats.Pending)
}

func TestParentCancelPausesAndSnapshots(t *testing.T) {
	t.Parallel()

	backend := memory.NewBackend()
	f := seeded(t, backend, 30)
	ctx, cancel := context.WithCancel(context.Background())
	var processed atomic.Int32
	s := New(fastConfig(), f, processFunc(func(context.Context, *pipeline.Job, crawler.FrontierEntry) pipeline.Outcome {
		if processed.Add(1) == 2 {
			cancel()
		}
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res)
	assert.Equal(t, crawler.SessionPaused, res.Status())

	snap, err := backend.GetFrontierSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, f.Stats().Pending, len(snap.Pending))
}

func TestGracePeriodAbortsStuckWork(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 4)
	cfg := fastConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	started := make(chan struct{}, cfg.Workers)
	s := New(cfg, f, processFunc(func(ctx context.Context, _ *pipeline.Job, _ crawler.FrontierEntry) pipeline.Outcome {
		started <- struct{}{}
		<-ctx.Done()
		return pipeline.Outcome{Kind: pipeline.KindAborted}
	}), newJob(), zap.NewNop())

	go func() {
		<-started
		s.Cancel()
	}()

	done := make(chan Result, 1)
	go func() {
		res, err := s.Run(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		assert.Equal(t, ResultCanceled, res)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after the grace period")
	}
	assert.Zero(t, f.Stats().InFlight)
}

func TestBackpressureRequeuesWithoutDropping(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 3)
	seen := newVisits()
	var pressured atomic.Bool
	s := New(fastConfig(), f, processFunc(func(_ context.Context, _ *pipeline.Job, e crawler.FrontierEntry) pipeline.Outcome {
		seen.add(e.URL)
		assert.Zero(t, e.RetryCount, "backpressure consumed the retry budget of %s", e.URL)
		if pressured.CompareAndSwap(false, true) {
			return pipeline.Outcome{Kind: pipeline.KindRetry, Backpressure: true, Delay: 10 * time.Millisecond,
				Err: store.ErrBackendUnavailable}
		}
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDone, res)
	total := 0
	for _, n := range seen.snapshot() {
		total += n
	}
	assert.Equal(t, 4, total)
	assert.Equal(t, int64(3), f.Stats().Fetched)
}

type brokenRelease struct {
	*frontier.Frontier
}

func (b brokenRelease) Release(context.Context, string, frontier.Outcome) error {
	return errors.New("log corrupted")
}

func TestReleaseErrorFailsRun(t *testing.T) {
	t.Parallel()

	f := seeded(t, memory.NewBackend(), 2)
	s := New(fastConfig(), brokenRelease{f}, processFunc(func(context.Context, *pipeline.Job, crawler.FrontierEntry) pipeline.Outcome {
		return pipeline.Outcome{Kind: pipeline.KindSuccess}
	}), newJob(), zap.NewNop())

	res, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, crawler.SessionFailed, res.Status())
}

func TestDefaultWorkers(t *testing.T) {
	t.Parallel()
	assert.GreaterOrEqual(t, DefaultWorkers(), 4)
}
