package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 15s
auth:
  enabled: true
  api_key: secret
store:
  uri: postgres://crawler@localhost:5432/search
  postgres:
    max_conns: 20
crawler:
  workers: 6
  user_agent: test-agent
  max_pages: 50
  max_depth: 1
  respect_robots: false
fetch:
  allowed_content_types: [text/html]
frontier:
  host_interval: 250ms
ranker:
  domain_scores:
    - domain: example.com
      score: 0.9
progress:
  sinks: [log, websocket]
archive:
  backend: local
  base_dir: /tmp/archive
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, "postgres://crawler@localhost:5432/search", cfg.Store.URI)
	assert.Equal(t, int32(20), cfg.Store.Postgres.MaxConns)
	assert.Equal(t, 6, cfg.Crawler.Workers)
	assert.Equal(t, "test-agent", cfg.Crawler.UserAgent)
	assert.False(t, cfg.Crawler.RespectRobots)
	assert.Equal(t, []string{"text/html"}, cfg.Fetch.AllowedContentTypes)
	assert.Equal(t, 250*time.Millisecond, cfg.Frontier.HostInterval)
	require.Len(t, cfg.Ranker.DomainScores, 1)
	assert.Equal(t, DomainScore{Domain: "example.com", Score: 0.9}, cfg.Ranker.DomainScores[0])
	assert.True(t, cfg.HasSink("websocket"))
	assert.False(t, cfg.HasSink("prometheus"))
	assert.Equal(t, "local", cfg.Archive.Backend)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Crawler.MaxActiveSessions)
	assert.Equal(t, 30*time.Second, cfg.Indexer.ResyncInterval)
	assert.Equal(t, 2*time.Minute, cfg.Indexer.LeaseTTL)
	assert.Equal(t, 3, cfg.Pipeline.RetryMax)
	assert.InDelta(t, 0.9, cfg.Pipeline.PriorityDecay, 1e-9)
	assert.Equal(t, "page-content", cfg.IndexName())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SEARCHCORE_SERVER_PORT", "7070")
	t.Setenv("SEARCHCORE_CRAWLER_MAX_PAGES", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Crawler.MaxPages)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "badger:///var/lib/searchcore/data", cfg.Store.URI)
	assert.Equal(t, []string{"log", "prometheus", "websocket"}, cfg.Progress.Sinks)
	assert.Equal(t, 24*time.Hour, cfg.Robots.TTL)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"unsupported store", func(c *Config) { c.Store.URI = "mysql://db" }, "store.uri"},
		{"negative depth", func(c *Config) { c.Crawler.MaxDepth = -1 }, "crawler.max_depth"},
		{"priority out of range", func(c *Config) { c.Crawler.Priority = 1.5 }, "crawler.priority"},
		{"no active sessions", func(c *Config) { c.Crawler.MaxActiveSessions = 0 }, "crawler.max_active_sessions"},
		{"headless missing max parallel", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"inverted retry delays", func(c *Config) { c.Pipeline.RetryMinDelay = time.Hour }, "retry_min_delay"},
		{"bad decay", func(c *Config) { c.Pipeline.PriorityDecay = 0 }, "priority_decay"},
		{"unknown sink", func(c *Config) { c.Progress.Sinks = []string{"kafka"} }, "kafka"},
		{"pubsub without topic", func(c *Config) { c.Progress.Sinks = []string{"pubsub"} }, "pubsub.topic_id"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = "gcs" }, "archive.bucket"},
		{"local without dir", func(c *Config) { c.Archive.Backend = "local" }, "archive.base_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Server.Port = -1
	cfg.Crawler.MaxPages = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "crawler.max_pages")
}
