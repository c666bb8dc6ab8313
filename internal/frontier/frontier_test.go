package frontier_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/storage/memory"
	"github.com/JakeFAU/searchcore/internal/store"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig() frontier.Config {
	return frontier.Config{
		SessionID:  "s1",
		MaxDepth:   -1,
		PopTimeout: 30 * time.Millisecond,
	}
}

func newFrontier(t *testing.T, cfg frontier.Config) (*frontier.Frontier, *memory.Backend, *manualClock) {
	t.Helper()
	backend := memory.NewBackend()
	clock := newClock()
	return frontier.New(cfg, backend, clock, zap.NewNop()), backend, clock
}

func enqueue(t *testing.T, f *frontier.Frontier, url string, depth int, priority float64) frontier.Decision {
	t.Helper()
	d, err := f.Enqueue(context.Background(), crawler.FrontierEntry{URL: url, Depth: depth, Priority: priority})
	require.NoError(t, err)
	return d
}

func popURL(t *testing.T, f *frontier.Frontier) string {
	t.Helper()
	e, err := f.Pop(context.Background())
	require.NoError(t, err)
	return e.URL
}

func TestPopOrdersByPriority(t *testing.T) {
	t.Parallel()
	f, _, _ := newFrontier(t, testConfig())

	require.Equal(t, frontier.DecisionAccepted, enqueue(t, f, "https://a.test/low", 0, 0.1))
	require.Equal(t, frontier.DecisionAccepted, enqueue(t, f, "https://b.test/high", 0, 0.9))
	require.Equal(t, frontier.DecisionAccepted, enqueue(t, f, "https://c.test/mid", 0, 0.5))

	assert.Equal(t, "https://b.test/high", popURL(t, f))
	assert.Equal(t, "https://c.test/mid", popURL(t, f))
	assert.Equal(t, "https://a.test/low", popURL(t, f))
}

func TestPopBreaksTiesByDiscoveryThenInsertion(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()
	early := clock.Now().Add(-time.Minute)

	_, err := f.Enqueue(ctx, crawler.FrontierEntry{URL: "https://a.test/first", Priority: 0.5})
	require.NoError(t, err)
	_, err = f.Enqueue(ctx, crawler.FrontierEntry{URL: "https://b.test/second", Priority: 0.5})
	require.NoError(t, err)
	_, err = f.Enqueue(ctx, crawler.FrontierEntry{URL: "https://c.test/older", Priority: 0.5, DiscoveredAt: early})
	require.NoError(t, err)

	assert.Equal(t, "https://c.test/older", popURL(t, f))
	assert.Equal(t, "https://a.test/first", popURL(t, f))
	assert.Equal(t, "https://b.test/second", popURL(t, f))
}

func TestEnqueueDecisions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxDepth = 2
	f, _, _ := newFrontier(t, cfg)

	assert.Equal(t, frontier.DecisionInvalid, enqueue(t, f, "mailto:someone@example.test", 0, 1))
	assert.Equal(t, frontier.DecisionInvalid, enqueue(t, f, "::not a url", 0, 1))
	assert.Equal(t, frontier.DecisionSkippedDepth, enqueue(t, f, "https://a.test/deep", 3, 1))
	assert.Equal(t, frontier.DecisionAccepted, enqueue(t, f, "https://a.test/page", 2, 0.2))
	assert.Equal(t, frontier.DecisionDuplicate, enqueue(t, f, "https://A.test/page#frag", 2, 0.2))
	assert.Equal(t, frontier.DecisionUpdated, enqueue(t, f, "https://a.test/page", 1, 0.2))
	assert.Equal(t, frontier.DecisionUpdated, enqueue(t, f, "https://a.test/page", 1, 0.8))

	e, err := f.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, e.Depth)
	assert.InDelta(t, 0.8, e.Priority, 1e-9)

	assert.Equal(t, frontier.DecisionDuplicate, enqueue(t, f, "https://a.test/page", 0, 1))
	require.NoError(t, f.Release(context.Background(), e.URL, frontier.Outcome{Kind: frontier.OutcomeSuccess}))
	assert.Equal(t, frontier.DecisionDuplicate, enqueue(t, f, "https://a.test/page", 0, 1))
}

func TestPageBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPages = 1
	f, _, _ := newFrontier(t, cfg)
	ctx := context.Background()

	enqueue(t, f, "https://a.test/1", 0, 1)
	enqueue(t, f, "https://b.test/2", 0, 0.5)

	first := popURL(t, f)
	assert.Equal(t, "https://a.test/1", first)
	assert.Equal(t, frontier.DecisionSkippedPages, enqueue(t, f, "https://c.test/3", 1, 1))

	// The budget is spent, so the remaining seed is dropped instead of popped.
	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrTimeout)
	require.NoError(t, f.Release(ctx, first, frontier.Outcome{Kind: frontier.OutcomeSuccess}))

	_, err = f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrEmpty)
	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Fetched)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cap = 2
	f, _, _ := newFrontier(t, cfg)

	enqueue(t, f, "https://a.test/1", 0, 1)
	enqueue(t, f, "https://a.test/2", 0, 1)
	_, err := f.Enqueue(context.Background(), crawler.FrontierEntry{URL: "https://a.test/3"})
	require.ErrorIs(t, err, frontier.ErrFrontierFull)
}

func TestPolitenessSpacesRequestsToOneHost(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinInterval = time.Hour
	f, _, clock := newFrontier(t, cfg)
	ctx := context.Background()

	enqueue(t, f, "https://a.test/1", 0, 1)
	enqueue(t, f, "https://a.test/2", 0, 0.5)
	enqueue(t, f, "https://b.test/1", 0, 0.1)

	assert.Equal(t, "https://a.test/1", popURL(t, f))
	// a.test is busy, b.test is not.
	assert.Equal(t, "https://b.test/1", popURL(t, f))
	require.NoError(t, f.Release(ctx, "https://a.test/1", frontier.Outcome{Kind: frontier.OutcomeSuccess}))

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrTimeout)

	clock.Advance(time.Hour)
	assert.Equal(t, "https://a.test/2", popURL(t, f))

	rec, ok := f.HostRecord("a.test")
	require.True(t, ok)
	assert.Equal(t, 1, rec.InFlight)
	assert.Equal(t, clock.Now(), rec.LastFetchAt)
	assert.Equal(t, clock.Now().Add(time.Hour), rec.NextEligibleAt)
}

func TestPolitenessCountsFromRelease(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinInterval = time.Hour
	f, _, clock := newFrontier(t, cfg)
	ctx := context.Background()

	enqueue(t, f, "https://a.test/1", 0, 1)
	enqueue(t, f, "https://a.test/2", 0, 0.5)

	assert.Equal(t, "https://a.test/1", popURL(t, f))
	// The fetch outlasts the interval.
	clock.Advance(2 * time.Hour)
	require.NoError(t, f.Release(ctx, "https://a.test/1", frontier.Outcome{Kind: frontier.OutcomeSuccess}))

	rec, ok := f.HostRecord("a.test")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), rec.LastFetchAt)
	assert.Equal(t, clock.Now().Add(time.Hour), rec.NextEligibleAt)

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrTimeout)

	clock.Advance(time.Hour)
	assert.Equal(t, "https://a.test/2", popURL(t, f))
}

func TestRetryBudgetSurvivesBackpressureAndAborts(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()

	enqueue(t, f, "https://a.test/page", 0, 1)
	keep := []frontier.Outcome{
		{Kind: frontier.OutcomeRetry, Delay: time.Second, KeepBudget: true},
		{Kind: frontier.OutcomeRetry, Delay: time.Second, KeepBudget: true},
		{Kind: frontier.OutcomeRetry, KeepBudget: true},
	}
	for _, out := range keep {
		clock.Advance(2 * time.Hour)
		u := popURL(t, f)
		require.NoError(t, f.Release(ctx, u, out))
	}

	clock.Advance(2 * time.Hour)
	e, err := f.Pop(ctx)
	require.NoError(t, err)
	assert.Zero(t, e.RetryCount)

	require.NoError(t, f.Release(ctx, e.URL, frontier.Outcome{Kind: frontier.OutcomeRetry, HostFault: true}))
	clock.Advance(2 * time.Hour)
	e, err = f.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
}

func TestFailuresTriggerBackoff(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()

	fail := func(path string) {
		enqueue(t, f, "https://a.test/"+path, 0, 1)
		clock.Advance(2 * time.Hour)
		u := popURL(t, f)
		require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeFailure}))
	}

	fail("1")
	fail("2")
	rec, _ := f.HostRecord("a.test")
	assert.True(t, rec.BackoffUntil.IsZero())

	fail("3")
	rec, _ = f.HostRecord("a.test")
	assert.Equal(t, 3, rec.ConsecutiveFailures)
	assert.Equal(t, clock.Now().Add(30*time.Second), rec.BackoffUntil)

	fail("4")
	rec, _ = f.HostRecord("a.test")
	assert.Equal(t, clock.Now().Add(time.Minute), rec.BackoffUntil)

	// While backing off the host yields nothing.
	enqueue(t, f, "https://a.test/5", 0, 1)
	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrTimeout)

	clock.Advance(time.Minute)
	u := popURL(t, f)
	require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeSuccess}))
	rec, _ = f.HostRecord("a.test")
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.True(t, rec.BackoffUntil.IsZero())
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailureThreshold = 1
	f, _, clock := newFrontier(t, cfg)
	ctx := context.Background()

	for i := range 12 {
		enqueue(t, f, fmt.Sprintf("https://a.test/%d", i), 0, 1)
		clock.Advance(2 * time.Hour)
		u := popURL(t, f)
		require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeFailure}))
	}
	rec, _ := f.HostRecord("a.test")
	assert.Equal(t, clock.Now().Add(time.Hour), rec.BackoffUntil)
}

func TestDNSFailuresKillHost(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()

	for i := range 5 {
		enqueue(t, f, fmt.Sprintf("https://gone.test/%d", i), 0, 1)
	}
	for range 3 {
		clock.Advance(2 * time.Hour)
		u := popURL(t, f)
		require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeDNSFailure}))
	}

	rec, _ := f.HostRecord("gone.test")
	assert.True(t, rec.Dead)
	assert.Equal(t, 3, rec.DNSFailures)

	stats := f.Stats()
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, frontier.DecisionDeadHost, enqueue(t, f, "https://gone.test/new", 0, 1))

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrEmpty)
}

func TestRetryDelaysEntry(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()

	enqueue(t, f, "https://a.test/flaky", 0, 1)
	u := popURL(t, f)
	require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeRetry, Delay: 10 * time.Second, HostFault: true}))

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrTimeout)

	clock.Advance(10 * time.Second)
	e, err := f.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, clock.Now(), e.NextEligibleAt)

	rec, _ := f.HostRecord("a.test")
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestReleaseUnknownURL(t *testing.T) {
	t.Parallel()
	f, _, _ := newFrontier(t, testConfig())
	err := f.Release(context.Background(), "https://a.test/never", frontier.Outcome{})
	require.ErrorIs(t, err, frontier.ErrNotInFlight)
}

func TestPopEmptyAndClosed(t *testing.T) {
	t.Parallel()
	f, _, _ := newFrontier(t, testConfig())
	ctx := context.Background()

	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrEmpty)

	f.Close()
	_, err = f.Pop(ctx)
	require.ErrorIs(t, err, frontier.ErrClosed)
	_, err = f.Enqueue(ctx, crawler.FrontierEntry{URL: "https://a.test/"})
	require.ErrorIs(t, err, frontier.ErrClosed)
}

func TestPopWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PopTimeout = 2 * time.Second
	f, _, _ := newFrontier(t, cfg)
	ctx := context.Background()

	enqueue(t, f, "https://a.test/busy", 0, 1)
	busy := popURL(t, f)

	got := make(chan string, 1)
	go func() {
		e, err := f.Pop(ctx)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- e.URL
	}()
	time.Sleep(20 * time.Millisecond)
	enqueue(t, f, "https://b.test/new", 0, 1)

	select {
	case u := <-got:
		assert.Equal(t, "https://b.test/new", u)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on enqueue")
	}
	require.NoError(t, f.Release(ctx, busy, frontier.Outcome{Kind: frontier.OutcomeSuccess}))
}

func TestPopHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PopTimeout = time.Minute
	f, _, _ := newFrontier(t, cfg)
	enqueue(t, f, "https://a.test/busy", 0, 1)
	popURL(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdle(t *testing.T) {
	t.Parallel()
	f, _, clock := newFrontier(t, testConfig())
	ctx := context.Background()

	enqueue(t, f, "https://a.test/", 0, 1)
	assert.False(t, f.Idle(5*time.Second))

	u := popURL(t, f)
	assert.False(t, f.Idle(5*time.Second))
	require.NoError(t, f.Release(ctx, u, frontier.Outcome{Kind: frontier.OutcomeSuccess}))
	assert.False(t, f.Idle(5*time.Second))

	clock.Advance(5 * time.Second)
	assert.True(t, f.Idle(5*time.Second))
}

type failingLog struct {
	*memory.Backend
	fail atomic.Bool
}

func (l *failingLog) AppendFrontierLog(ctx context.Context, sessionID string, records []store.LogRecord) error {
	if l.fail.Load() {
		return fmt.Errorf("append: %w", store.ErrBackendUnavailable)
	}
	return l.Backend.AppendFrontierLog(ctx, sessionID, records)
}

func TestLogFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	log := &failingLog{Backend: memory.NewBackend()}
	f := frontier.New(testConfig(), log, newClock(), zap.NewNop())
	ctx := context.Background()

	log.fail.Store(true)
	_, err := f.Enqueue(ctx, crawler.FrontierEntry{URL: "https://a.test/"})
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Zero(t, f.Stats().Pending)

	log.fail.Store(false)
	enqueue(t, f, "https://a.test/", 0, 1)

	log.fail.Store(true)
	_, err = f.Pop(ctx)
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, 1, f.Stats().Pending)

	log.fail.Store(false)
	u := popURL(t, f)
	log.fail.Store(true)
	require.ErrorIs(t, f.Release(ctx, u, frontier.Outcome{}), store.ErrBackendUnavailable)
	assert.Equal(t, 1, f.Stats().InFlight)
}

func TestConcurrentPopDeliversEachURLOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HostConcurrency = 4
	cfg.PopTimeout = 50 * time.Millisecond
	f, _, _ := newFrontier(t, cfg)
	ctx := context.Background()

	const hosts, perHost = 8, 25
	for h := range hosts {
		for p := range perHost {
			enqueue(t, f, fmt.Sprintf("https://h%d.test/%d", h, p), 0, float64(p%10)/10)
		}
	}

	var mu sync.Mutex
	delivered := make(map[string]int)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := f.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				delivered[e.URL]++
				mu.Unlock()
				assert.NoError(t, f.Release(ctx, e.URL, frontier.Outcome{Kind: frontier.OutcomeSuccess}))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, delivered, hosts*perHost)
	for u, n := range delivered {
		assert.Equal(t, 1, n, u)
	}
	assert.Equal(t, int64(hosts*perHost), f.Stats().Fetched)
}

func TestDecisionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "accepted", frontier.DecisionAccepted.String())
	assert.Equal(t, "dead_host", frontier.DecisionDeadHost.String())
	assert.True(t, frontier.DecisionSkippedDepth.Skipped())
	assert.False(t, frontier.DecisionDuplicate.Skipped())
}
