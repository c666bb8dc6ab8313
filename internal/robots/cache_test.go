package robots_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/robots"
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
	return &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits.Add(1)
		assert.Equal(t, "searchcore-test", r.UserAgent())
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestAllowedHonorsRules(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\nDisallow: /search?q=\n")
	c := robots.New(robots.Config{UserAgent: "searchcore-test"}, nil, newClock(), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		path string
		want bool
	}{
		{path: "/", want: true},
		{path: "/public/page", want: true},
		{path: "/private/page", want: false},
		{path: "/search?q=go", want: false},
	}
	for _, tt := range tests {
		ok, err := c.Allowed(ctx, srv.URL+tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.path)
	}
}

func TestStatusSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "missing file allows", status: http.StatusNotFound, want: true},
		{name: "forbidden allows", status: http.StatusForbidden, want: true},
		{name: "server error disallows", status: http.StatusServiceUnavailable, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := robotsServer(t, tt.status, "")
			c := robots.New(robots.Config{UserAgent: "searchcore-test"}, nil, newClock(), zap.NewNop())
			ok, err := c.Allowed(context.Background(), srv.URL+"/page")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCachesUntilTTL(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /x\n")
	clock := newClock()
	c := robots.New(robots.Config{UserAgent: "searchcore-test", TTL: time.Hour}, nil, clock, zap.NewNop())
	ctx := context.Background()

	for range 3 {
		_, err := c.Allowed(ctx, srv.URL+"/a")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())

	clock.Advance(time.Hour)
	_, err := c.Allowed(ctx, srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, "User-agent: *\nAllow: /\n")
	}))
	defer srv.Close()

	c := robots.New(robots.Config{UserAgent: "searchcore-test"}, nil, newClock(), zap.NewNop())
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Allowed(context.Background(), srv.URL+"/page")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestPersistsAndReloadsFromStore(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	backend := memory.NewBackend()
	clock := newClock()
	ctx := context.Background()

	first := robots.New(robots.Config{UserAgent: "searchcore-test"}, backend, clock, zap.NewNop())
	ok, err := first.Allowed(ctx, srv.URL+"/private/a")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := backend.GetRobots(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, clock.Now().Add(robots.DefaultTTL), rec.ExpiresAt)

	// A fresh cache (new process) reads the stored copy instead of fetching.
	second := robots.New(robots.Config{UserAgent: "searchcore-test"}, backend, clock, zap.NewNop())
	ok, err = second.Allowed(ctx, srv.URL+"/private/b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNetworkFailureAllowsWithShortEntry(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	backend := memory.NewBackend()
	clock := newClock()
	c := robots.New(robots.Config{UserAgent: "searchcore-test"}, backend, clock, zap.NewNop())

	ok, err := c.Allowed(context.Background(), deadURL+"/page")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = backend.GetRobots(context.Background(), deadURL)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()
	c := robots.New(robots.Config{}, nil, newClock(), zap.NewNop())
	_, err := c.Allowed(context.Background(), "ftp://example.test/file")
	require.Error(t, err)
}
