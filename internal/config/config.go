// Package config loads and validates searchcore configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix namespaces environment overrides, e.g. SEARCHCORE_SERVER_PORT.
const EnvPrefix = "SEARCHCORE"

// Config captures all service configuration knobs loaded via Viper. It is
// treated as immutable once Load returns.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Index     IndexConfig     `mapstructure:"index"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// StartupGrace bounds how long startup waits for the store to answer.
	StartupGrace time.Duration `mapstructure:"startup_grace"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects the document backend by URI: badger:///path,
// badger://memory, postgres://..., or memory://.
type StoreConfig struct {
	URI      string         `mapstructure:"uri"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
}

// PostgresConfig tunes the pgx pool.
type PostgresConfig struct {
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BadgerConfig tunes the embedded backend.
type BadgerConfig struct {
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// IndexConfig configures the in-memory index store.
type IndexConfig struct {
	// URI names the index, e.g. memory://page-content.
	URI             string `mapstructure:"uri"`
	StopwordsFile   string `mapstructure:"stopwords_file"`
	Stemming        bool   `mapstructure:"stemming"`
	DefaultLanguage string `mapstructure:"default_language"`
}

// CrawlerConfig governs sessions and their workers.
type CrawlerConfig struct {
	Workers           int           `mapstructure:"workers"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxPages          int           `mapstructure:"max_pages"`
	MaxDepth          int           `mapstructure:"max_depth"`
	Priority          float64       `mapstructure:"priority"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	SPA               bool          `mapstructure:"spa"`
	MaxActiveSessions int           `mapstructure:"max_active_sessions"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	QuiescenceWindow  time.Duration `mapstructure:"quiescence_window"`
	// ResumeOnStart restarts running and paused sessions at boot.
	ResumeOnStart bool `mapstructure:"resume_on_start"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	MaxRedirects        int           `mapstructure:"max_redirects"`
	MaxBodyBytes        int64         `mapstructure:"max_body_bytes"`
	AllowedContentTypes []string      `mapstructure:"allowed_content_types"`
	AllowDowngrade      bool          `mapstructure:"allow_downgrade"`
}

// HeadlessConfig configures the chromedp fallback.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Timeout           time.Duration `mapstructure:"timeout"`
	// DetectorThreshold is the SPA heuristic score that triggers rendering.
	DetectorThreshold int `mapstructure:"detector_threshold"`
}

// RobotsConfig tunes the robots.txt cache.
type RobotsConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// FrontierConfig tunes per-session frontiers.
type FrontierConfig struct {
	PopTimeout       time.Duration `mapstructure:"pop_timeout"`
	Cap              int           `mapstructure:"cap"`
	HostInterval     time.Duration `mapstructure:"host_interval"`
	HostConcurrency  int           `mapstructure:"host_concurrency"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	DNSFailures      int           `mapstructure:"dns_failures"`
	SnapshotEvery    int           `mapstructure:"snapshot_every"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	BloomCapacity    uint          `mapstructure:"bloom_capacity"`
	BloomFPRate      float64       `mapstructure:"bloom_fp_rate"`
}

// PipelineConfig tunes retries and outlink priority.
type PipelineConfig struct {
	RetryMax      int           `mapstructure:"retry_max"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMinDelay time.Duration `mapstructure:"retry_min_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter   float64       `mapstructure:"retry_jitter"`
	PriorityDecay float64       `mapstructure:"priority_decay"`
}

// IndexerConfig tunes the resync loop.
type IndexerConfig struct {
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	BatchSize      int           `mapstructure:"batch_size"`
	// RebuildOnStart fills the in-memory index from the store at boot.
	RebuildOnStart bool `mapstructure:"rebuild_on_start"`
}

// RankerConfig tunes scoring.
type RankerConfig struct {
	WeightText      float64       `mapstructure:"w_text"`
	WeightFreshness float64       `mapstructure:"w_fresh"`
	WeightAuthority float64       `mapstructure:"w_auth"`
	Tau             time.Duration `mapstructure:"tau"`
	DefaultLimit    int           `mapstructure:"default_limit"`
	MaxLimit        int           `mapstructure:"max_limit"`
	SnippetChars    int           `mapstructure:"snippet_chars"`
	// Listed rather than keyed by host since viper splits map keys on dots.
	DomainScores []DomainScore `mapstructure:"domain_scores"`
}

// DomainScore is a static authority score for one host.
type DomainScore struct {
	Domain string  `mapstructure:"domain"`
	Score  float64 `mapstructure:"score"`
}

// ProgressConfig tunes the event hub and selects its sinks.
type ProgressConfig struct {
	Buffer           int           `mapstructure:"buffer"`
	Batch            int           `mapstructure:"batch"`
	BatchWait        time.Duration `mapstructure:"batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	// Sinks lists enabled sinks: log, prometheus, pubsub, websocket.
	Sinks []string `mapstructure:"sinks"`
}

// PubSubConfig holds the progress topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig selects where raw bodies are archived.
type ArchiveConfig struct {
	// Backend is none, memory, local or gcs.
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// RateLimitConfig throttles crawl submissions per client.
type RateLimitConfig struct {
	CrawlRPS   float64 `mapstructure:"crawl_rps"`
	CrawlBurst int     `mapstructure:"crawl_burst"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// ProjectID sends spans to Google Cloud Trace when set.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("log.level", "LOG_LEVEL", EnvPrefix+"_LOG_LEVEL"); err != nil {
		return Config{}, fmt.Errorf("bind LOG_LEVEL: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "45s")
	v.SetDefault("server.startup_grace", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("store.uri", "badger:///var/lib/searchcore/data")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.badger.gc_interval", "5m")

	v.SetDefault("index.uri", "memory://page-content")
	v.SetDefault("index.stemming", false)
	v.SetDefault("index.default_language", "en")

	v.SetDefault("crawler.workers", 0)
	v.SetDefault("crawler.user_agent", "searchcore-bot/1.0")
	v.SetDefault("crawler.max_pages", 1000)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.priority", 1.0)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.spa", false)
	v.SetDefault("crawler.max_active_sessions", 4)
	v.SetDefault("crawler.grace_period", "30s")
	v.SetDefault("crawler.quiescence_window", "5s")
	v.SetDefault("crawler.resume_on_start", true)

	v.SetDefault("fetch.connect_timeout", "10s")
	v.SetDefault("fetch.read_timeout", "30s")
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.allowed_content_types", []string{"text/html", "application/xhtml+xml", "text/plain"})
	v.SetDefault("fetch.allow_downgrade", false)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "30s")
	v.SetDefault("headless.timeout", "60s")
	v.SetDefault("headless.detector_threshold", 60)

	v.SetDefault("robots.ttl", "24h")
	v.SetDefault("robots.negative_ttl", "1h")
	v.SetDefault("robots.timeout", "10s")

	v.SetDefault("frontier.pop_timeout", "1s")
	v.SetDefault("frontier.cap", 1_000_000)
	v.SetDefault("frontier.host_interval", "1s")
	v.SetDefault("frontier.host_concurrency", 1)
	v.SetDefault("frontier.failure_threshold", 3)
	v.SetDefault("frontier.backoff_base", "30s")
	v.SetDefault("frontier.backoff_max", "1h")
	v.SetDefault("frontier.dns_failures", 3)
	v.SetDefault("frontier.snapshot_every", 1000)
	v.SetDefault("frontier.snapshot_interval", "30s")
	v.SetDefault("frontier.bloom_fp_rate", 0.01)

	v.SetDefault("pipeline.retry_max", 3)
	v.SetDefault("pipeline.retry_base", "1s")
	v.SetDefault("pipeline.retry_min_delay", "1s")
	v.SetDefault("pipeline.retry_max_delay", "60s")
	v.SetDefault("pipeline.retry_jitter", 0.2)
	v.SetDefault("pipeline.priority_decay", 0.9)

	v.SetDefault("indexer.resync_interval", "30s")
	v.SetDefault("indexer.lease_ttl", "2m")
	v.SetDefault("indexer.batch_size", 256)
	v.SetDefault("indexer.rebuild_on_start", true)

	v.SetDefault("ranker.w_text", 1.0)
	v.SetDefault("ranker.w_fresh", 0.2)
	v.SetDefault("ranker.w_auth", 0.1)
	v.SetDefault("ranker.tau", "720h")
	v.SetDefault("ranker.default_limit", 10)
	v.SetDefault("ranker.max_limit", 100)
	v.SetDefault("ranker.snippet_chars", 160)

	v.SetDefault("progress.buffer", 4096)
	v.SetDefault("progress.batch", 256)
	v.SetDefault("progress.batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.subscriber_buffer", 256)
	v.SetDefault("progress.sinks", []string{"log", "prometheus", "websocket"})

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")

	v.SetDefault("ratelimit.crawl_rps", 1.0)
	v.SetDefault("ratelimit.crawl_burst", 5)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "searchcore")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.project_id", "")
}

var (
	validLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validSinks    = map[string]bool{"log": true, "prometheus": true, "pubsub": true, "websocket": true}
	validArchives = map[string]bool{"none": true, "memory": true, "local": true, "gcs": true}
	storeSchemes  = map[string]bool{"badger": true, "postgres": true, "postgresql": true, "memory": true}
)

// Validate enforces required values and reasonable limits. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be within 1-65535")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(validLevels[strings.ToLower(c.Log.Level)], "log.level %q must be debug, info, warn or error", c.Log.Level)

	scheme := ""
	if u, err := url.Parse(c.Store.URI); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}
	check(storeSchemes[scheme], "store.uri %q must use badger, postgres or memory", c.Store.URI)

	check(c.Crawler.Workers >= 0, "crawler.workers must be >= 0")
	check(c.Crawler.MaxPages >= 0, "crawler.max_pages must be >= 0")
	check(c.Crawler.MaxDepth >= 0, "crawler.max_depth must be >= 0")
	check(c.Crawler.Priority >= 0 && c.Crawler.Priority <= 1, "crawler.priority must be within [0, 1]")
	check(c.Crawler.MaxActiveSessions > 0, "crawler.max_active_sessions must be > 0")
	check(c.Fetch.MaxRedirects >= 0, "fetch.max_redirects must be >= 0")
	check(c.Fetch.MaxBodyBytes > 0, "fetch.max_body_bytes must be > 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(c.Pipeline.RetryMax >= 0, "pipeline.retry_max must be >= 0")
	check(c.Pipeline.RetryMinDelay <= c.Pipeline.RetryMaxDelay, "pipeline.retry_min_delay must not exceed retry_max_delay")
	check(c.Pipeline.PriorityDecay > 0 && c.Pipeline.PriorityDecay <= 1, "pipeline.priority_decay must be within (0, 1]")
	check(c.Ranker.MaxLimit >= c.Ranker.DefaultLimit, "ranker.max_limit must be >= default_limit")

	for _, s := range c.Progress.Sinks {
		check(validSinks[s], "progress.sinks: unknown sink %q", s)
		if s == "pubsub" {
			check(c.PubSub.ProjectID != "" && c.PubSub.TopicID != "", "pubsub.project_id and pubsub.topic_id are required for the pubsub sink")
		}
	}
	check(validArchives[c.Archive.Backend], "archive.backend %q must be none, memory, local or gcs", c.Archive.Backend)
	check(c.Archive.Backend != "gcs" || c.Archive.Bucket != "", "archive.bucket is required for the gcs archive")
	check(c.Archive.Backend != "local" || c.Archive.BaseDir != "", "archive.base_dir is required for the local archive")

	return multierr.Combine(errs...)
}

// HasSink reports whether the named progress sink is enabled.
func (c Config) HasSink(name string) bool {
	for _, s := range c.Progress.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// IndexName returns the index name from Index.URI.
func (c Config) IndexName() string {
	u, err := url.Parse(c.Index.URI)
	if err != nil || u.Host == "" {
		return "page-content"
	}
	return u.Host
}
