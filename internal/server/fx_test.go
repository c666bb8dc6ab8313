package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/config"
	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Store.URI = "memory://"
	cfg.Log.Level = "error"
	cfg.Progress.Sinks = []string{"log", "websocket"}
	cfg.Archive.Backend = "memory"
	cfg.Headless.Enabled = false
	cfg.Indexer.RebuildOnStart = true
	cfg.Server.StartupGrace = time.Second
	return cfg
}

func TestBuildWithMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, memoryConfig())
	require.NoError(t, err)
	require.NoError(t, app.Prepare(ctx, true))

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, app.Sessions().Active())
	require.NoError(t, app.Close(ctx))
}

func TestBuildRejectsUnknownStoreScheme(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Store.URI = "redis://localhost"
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBackendUnreachable))
}

func TestWaitForBackendGivesUp(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	factory, err := store.NewFactory("down://x", map[string]store.Opener{
		"down": func(context.Context, *url.URL) (store.Backend, error) { return nil, down },
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = waitForBackend(context.Background(), factory, 50*time.Millisecond, zap.NewNop())
	require.ErrorIs(t, err, ErrBackendUnreachable)
	require.ErrorIs(t, err, down)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReindexCountsStoredDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Indexer.RebuildOnStart = false
	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	now := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	_, err = app.content.PutDocument(ctx, crawler.Document{
		CrawlResult: crawler.CrawlResult{
			URL:         "https://example.com/",
			FinalURL:    "https://example.com/",
			StatusCode:  http.StatusOK,
			ContentType: "text/html",
			Title:       "Example",
			TextContent: "searchable example text",
			FetchTime:   now,
			Success:     true,
		},
		ID:        "doc-1",
		Kind:      crawler.KindPage,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	n, err := app.Indexer().Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/search?q=searchable", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", cfg.Auth.APIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
}
