// Package server provides the application container: it builds every
// component from config, runs the HTTP server and background loops, and
// tears everything down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/searchcore/internal/api"
	"github.com/JakeFAU/searchcore/internal/clock/system"
	"github.com/JakeFAU/searchcore/internal/config"
	"github.com/JakeFAU/searchcore/internal/crawler"
	collyfetcher "github.com/JakeFAU/searchcore/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/searchcore/internal/fetcher/headless"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/hash/sha256"
	"github.com/JakeFAU/searchcore/internal/headless/detector"
	"github.com/JakeFAU/searchcore/internal/id/uuid"
	"github.com/JakeFAU/searchcore/internal/index"
	"github.com/JakeFAU/searchcore/internal/indexer"
	"github.com/JakeFAU/searchcore/internal/logging"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/parser"
	"github.com/JakeFAU/searchcore/internal/pipeline"
	"github.com/JakeFAU/searchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/searchcore/internal/progress"
	progresssinks "github.com/JakeFAU/searchcore/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/searchcore/internal/publisher/pubsub"
	"github.com/JakeFAU/searchcore/internal/ranker"
	"github.com/JakeFAU/searchcore/internal/robots"
	"github.com/JakeFAU/searchcore/internal/scheduler"
	"github.com/JakeFAU/searchcore/internal/session"
	badgerstore "github.com/JakeFAU/searchcore/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/searchcore/internal/storage/gcs"
	localstorage "github.com/JakeFAU/searchcore/internal/storage/local"
	memorystorage "github.com/JakeFAU/searchcore/internal/storage/memory"
	pgstore "github.com/JakeFAU/searchcore/internal/storage/postgres"
	"github.com/JakeFAU/searchcore/internal/store"
	"github.com/JakeFAU/searchcore/internal/telemetry"
)

// ErrBackendUnreachable means the store did not answer within the startup
// grace period. The CLI exits with status 2 for it.
var ErrBackendUnreachable = errors.New("store backend unreachable")

const probeInterval = 500 * time.Millisecond

// Version is reported to the tracer resource.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	factory     *store.Factory
	backend     store.Backend
	index       *index.Index
	content     *store.Content
	indexer     *indexer.Indexer
	sessions    *session.Manager
	hub         *progress.Hub
	broadcaster *progresssinks.Broadcaster
	headless    *headlessfetcher.Fetcher
	archive     crawler.BlobStore
	closers     []func() error
	tracer      *telemetry.Provider
	apiServer   *api.Server
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Indexer returns the indexer.
func (a *App) Indexer() *indexer.Indexer { return a.indexer }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies. It waits up to
// Server.StartupGrace for the store and returns ErrBackendUnreachable when
// the store never answers.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	ok := false
	defer func() {
		if !ok {
			if cerr := app.closeInfrastructure(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	tcfg := telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.ProjectID != "" {
		tcfg.Exporter, err = telemetry.NewCloudTraceExporter(cfg.Telemetry.ProjectID)
		if err != nil {
			return nil, err
		}
	}
	app.tracer, err = telemetry.InitTracerProvider(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupIndex(); err != nil {
		return nil, err
	}
	if err := app.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err := app.setupProgress(ctx); err != nil {
		return nil, err
	}
	pipe, err := app.setupPipeline()
	if err != nil {
		return nil, err
	}
	if err := app.setupSessions(pipe); err != nil {
		return nil, err
	}

	deps := api.Deps{
		Sessions:  app.sessions,
		Search:    app.content,
		Documents: app.content,
		Indexer:   app.indexer,
		Ready:     app.backend,
		Limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.CrawlRPS, Burst: cfg.RateLimit.CrawlBurst}),
		Clock:     app.clock,
		Logger:    logger.Named("api"),
	}
	if app.broadcaster != nil {
		deps.Events = app.broadcaster
	}
	app.apiServer = api.NewServer(cfg, deps)

	logger.Info("application built",
		zap.String("store", app.factory.Scheme()),
		zap.String("index", app.index.Name()),
		zap.Strings("progress_sinks", cfg.Progress.Sinks),
		zap.String("archive", cfg.Archive.Backend),
	)
	ok = true
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	pg := pgstore.NewOpener(pgstore.Config{
		TablePrefix:     a.cfg.Store.Postgres.TablePrefix,
		MaxConns:        a.cfg.Store.Postgres.MaxConns,
		MinConns:        a.cfg.Store.Postgres.MinConns,
		MaxConnLifetime: a.cfg.Store.Postgres.MaxConnLifetime,
		Migrate:         a.cfg.Store.Postgres.Migrate,
	}, a.logger.Named("postgres"))
	factory, err := store.NewFactory(a.cfg.Store.URI, map[string]store.Opener{
		"badger":     badgerstore.NewOpener(a.cfg.Store.Badger.GCInterval, a.logger.Named("badger")),
		"postgres":   pg,
		"postgresql": pg,
		"memory":     memorystorage.Open,
	})
	if err != nil {
		return fmt.Errorf("store factory: %w", err)
	}
	a.factory = factory
	a.backend, err = waitForBackend(ctx, factory, a.cfg.Server.StartupGrace, a.logger)
	return err
}

// waitForBackend opens and pings the store until it answers or grace runs
// out.
func waitForBackend(ctx context.Context, factory *store.Factory, grace time.Duration, logger *zap.Logger) (store.Backend, error) {
	if grace <= 0 {
		grace = probeInterval
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		backend, err := factory.Backend(ctx)
		if err == nil {
			if err = backend.Ping(ctx); err == nil {
				return backend, nil
			}
		}
		logger.Warn("store not ready", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w after %s: %w", ErrBackendUnreachable, grace, err)
		case <-ticker.C:
		}
	}
}

func (a *App) setupIndex() error {
	var stopwords map[string][]string
	if a.cfg.Index.StopwordsFile != "" {
		var err error
		stopwords, err = index.LoadStopwords(a.cfg.Index.StopwordsFile)
		if err != nil {
			return fmt.Errorf("load stopwords: %w", err)
		}
	}
	analyzer := index.NewAnalyzer(index.AnalyzerConfig{
		Stopwords:       stopwords,
		DefaultLanguage: a.cfg.Index.DefaultLanguage,
		Stemming:        a.cfg.Index.Stemming,
	})
	a.index = index.New(a.cfg.IndexName(), analyzer)

	features := make(ranker.StaticFeatures, len(a.cfg.Ranker.DomainScores))
	for _, ds := range a.cfg.Ranker.DomainScores {
		features[ds.Domain] = ds.Score
	}
	rk := ranker.New(a.index, features, a.clock, ranker.Config{
		Weights: ranker.Weights{
			Text:      a.cfg.Ranker.WeightText,
			Freshness: a.cfg.Ranker.WeightFreshness,
			Authority: a.cfg.Ranker.WeightAuthority,
		},
		Tau:          a.cfg.Ranker.Tau,
		DefaultLimit: a.cfg.Ranker.DefaultLimit,
		MaxLimit:     a.cfg.Ranker.MaxLimit,
		SnippetChars: a.cfg.Ranker.SnippetChars,
	}, a.logger.Named("ranker"))
	a.content = store.NewContent(a.backend, a.index, rk, a.logger.Named("content"))
	a.indexer = indexer.New(indexer.Config{
		ResyncInterval: a.cfg.Indexer.ResyncInterval,
		LeaseTTL:       a.cfg.Indexer.LeaseTTL,
		BatchSize:      a.cfg.Indexer.BatchSize,
	}, a.backend, a.index, a.clock, a.logger.Named("indexer"))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = bs
		a.closers = append(a.closers, bs.Close)
	case "local":
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = bs
	case "memory":
		a.archive = memorystorage.NewBlobStore()
	default:
		return nil
	}
	a.logger.Info("raw body archive enabled", zap.String("backend", a.cfg.Archive.Backend))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	var sinkList []progress.Sink
	for _, name := range a.cfg.Progress.Sinks {
		switch name {
		case "log":
			sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		case "prometheus":
			sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
			if err != nil {
				return fmt.Errorf("prometheus progress sink: %w", err)
			}
			sinkList = append(sinkList, sink)
		case "pubsub":
			pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicID, a.logger.Named("pubsub"))
			if err != nil {
				return fmt.Errorf("pubsub progress sink: %w", err)
			}
			sinkList = append(sinkList, progresssinks.NewPubSubSink(pub, a.cfg.PubSub.TopicID, pub.Close))
		case "websocket":
			a.broadcaster = progresssinks.NewBroadcaster(a.cfg.Progress.SubscriberBuffer, a.logger.Named("progress_ws"))
			sinkList = append(sinkList, a.broadcaster)
		}
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.Buffer,
		MaxBatchEvents: a.cfg.Progress.Batch,
		MaxBatchWait:   a.cfg.Progress.BatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupPipeline() (*pipeline.Pipeline, error) {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:           a.cfg.Crawler.UserAgent,
		ConnectTimeout:      a.cfg.Fetch.ConnectTimeout,
		ReadTimeout:         a.cfg.Fetch.ReadTimeout,
		MaxRedirects:        a.cfg.Fetch.MaxRedirects,
		MaxBodyBytes:        a.cfg.Fetch.MaxBodyBytes,
		AllowedContentTypes: a.cfg.Fetch.AllowedContentTypes,
		AllowDowngrade:      a.cfg.Fetch.AllowDowngrade,
	}, a.logger.Named("fetcher"))

	deps := pipeline.Deps{
		Fetcher:   fetcher,
		Detector:  detector.NewHeuristic(a.cfg.Headless.DetectorThreshold),
		Parser:    parser.New(parser.Config{}),
		Documents: a.content,
		Indexer:   a.indexer,
		Hasher:    sha256.New(),
		Events:    a.hub,
		Clock:     a.clock,
		Tracer:    a.tracer.Tracer("github.com/JakeFAU/searchcore/internal/pipeline"),
		Logger:    a.logger.Named("pipeline"),
	}
	if a.cfg.Crawler.RespectRobots {
		deps.Robots = robots.New(robots.Config{
			UserAgent:   a.cfg.Crawler.UserAgent,
			TTL:         a.cfg.Robots.TTL,
			NegativeTTL: a.cfg.Robots.NegativeTTL,
			Timeout:     a.cfg.Robots.Timeout,
		}, a.backend, a.clock, a.logger.Named("robots"))
	}
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		}, a.logger.Named("headless"))
		if err != nil {
			// Promotions then log ErrDisabled and keep the probe response.
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
			deps.Headless = headlessfetcher.NewNoop()
		} else {
			a.headless = hf
			deps.Headless = hf
		}
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}

	pipe, err := pipeline.New(pipeline.Config{
		UserAgent:       a.cfg.Crawler.UserAgent,
		ConnectTimeout:  a.cfg.Fetch.ConnectTimeout,
		ReadTimeout:     a.cfg.Fetch.ReadTimeout,
		MaxRedirects:    a.cfg.Fetch.MaxRedirects,
		MaxBodyBytes:    a.cfg.Fetch.MaxBodyBytes,
		AllowDowngrade:  a.cfg.Fetch.AllowDowngrade,
		HeadlessTimeout: a.cfg.Headless.Timeout,
		PriorityDecay:   a.cfg.Pipeline.PriorityDecay,
		Retry: pipeline.RetryPolicy{
			Max:      a.cfg.Pipeline.RetryMax,
			Base:     a.cfg.Pipeline.RetryBase,
			MinDelay: a.cfg.Pipeline.RetryMinDelay,
			MaxDelay: a.cfg.Pipeline.RetryMaxDelay,
			Jitter:   a.cfg.Pipeline.RetryJitter,
		},
		ArchivePrefix:      a.cfg.Archive.Prefix,
		ArchiveContentType: a.cfg.Archive.ContentType,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return pipe, nil
}

func (a *App) setupSessions(pipe *pipeline.Pipeline) error {
	mgr, err := session.New(session.Config{
		MaxActive: a.cfg.Crawler.MaxActiveSessions,
		Defaults: crawler.SessionConfig{
			MaxPages:      a.cfg.Crawler.MaxPages,
			MaxDepth:      a.cfg.Crawler.MaxDepth,
			Priority:      a.cfg.Crawler.Priority,
			SPA:           a.cfg.Crawler.SPA,
			RespectRobots: a.cfg.Crawler.RespectRobots,
			Workers:       a.cfg.Crawler.Workers,
		},
		Frontier: frontier.Config{
			Cap:              a.cfg.Frontier.Cap,
			MinInterval:      a.cfg.Frontier.HostInterval,
			HostConcurrency:  a.cfg.Frontier.HostConcurrency,
			FailureThreshold: a.cfg.Frontier.FailureThreshold,
			BackoffBase:      a.cfg.Frontier.BackoffBase,
			BackoffMax:       a.cfg.Frontier.BackoffMax,
			DNSFailureLimit:  a.cfg.Frontier.DNSFailures,
			PopTimeout:       a.cfg.Frontier.PopTimeout,
			SnapshotEvery:    a.cfg.Frontier.SnapshotEvery,
			BloomCapacity:    a.cfg.Frontier.BloomCapacity,
			BloomFPRate:      a.cfg.Frontier.BloomFPRate,
		},
		Scheduler: scheduler.Config{
			GracePeriod:      a.cfg.Crawler.GracePeriod,
			IdleWindow:       a.cfg.Crawler.QuiescenceWindow,
			SnapshotInterval: a.cfg.Frontier.SnapshotInterval,
		},
	}, session.Deps{
		Store:     a.backend,
		Processor: pipe,
		IDs:       uuid.New(),
		Clock:     a.clock,
		Events:    a.hub,
		Logger:    a.logger.Named("session"),
	})
	if err != nil {
		return fmt.Errorf("session manager init failed: %w", err)
	}
	a.sessions = mgr
	return nil
}

// Prepare rebuilds the index from the store when configured and, when
// resume is true, restarts sessions left running or paused.
func (a *App) Prepare(ctx context.Context, resume bool) error {
	if a.cfg.Indexer.RebuildOnStart {
		start := time.Now()
		n, err := a.indexer.Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		a.logger.Info("index rebuilt", zap.Int("documents", n), zap.Duration("took", time.Since(start)))
	}
	if resume {
		n, err := a.sessions.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume sessions: %w", err)
		}
		if n > 0 {
			a.logger.Info("sessions resumed", zap.Int("count", n))
		}
	}
	return nil
}

// Run prepares state, then serves HTTP and runs the resync loop until ctx
// is canceled. The caller still owns Close.
func (a *App) Run(ctx context.Context) error {
	if err := a.Prepare(ctx, a.cfg.Crawler.ResumeOnStart); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           otelhttp.NewHandler(a.apiServer.Handler(), "searchcore"),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.indexer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Crawl starts a session and, when wait is set, blocks until it finishes.
func (a *App) Crawl(ctx context.Context, req session.Request, wait bool) (crawler.CrawlSession, error) {
	sess, err := a.sessions.Start(ctx, req)
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	a.logger.Info("crawl started", zap.String("session_id", sess.ID), zap.Strings("seeds", sess.SeedURLs))
	if !wait {
		return sess, nil
	}
	return a.sessions.Wait(ctx, sess.ID)
}

// Reindex rebuilds the in-memory index from every stored document and then
// runs one resync cycle so the store's indexed markers catch up.
func (a *App) Reindex(ctx context.Context) (int, indexer.Report, error) {
	n, err := a.indexer.Rebuild(ctx)
	if err != nil {
		return 0, indexer.Report{}, fmt.Errorf("rebuild index: %w", err)
	}
	rep, err := a.indexer.Resync(ctx)
	if err != nil {
		return n, rep, fmt.Errorf("resync index: %w", err)
	}
	return n, rep, nil
}

// ShutdownTimeout bounds Close when called from the CLI.
func (a *App) ShutdownTimeout() time.Duration { return a.cfg.Server.ShutdownTimeout }

// Close pauses running sessions and releases every resource. Sessions are
// stopped before the store closes so their final snapshots land.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.sessions != nil {
		if serr := a.sessions.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown sessions: %w", serr))
		}
	}
	err = multierr.Append(err, a.closeInfrastructure(ctx))
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var err error
	if a.hub != nil {
		if herr := a.hub.Close(ctx); herr != nil {
			err = multierr.Append(err, fmt.Errorf("progress hub close: %w", herr))
		}
		a.hub = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	a.closers = nil
	if a.factory != nil {
		if ferr := a.factory.Close(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("store close: %w", ferr))
		}
		a.factory = nil
	}
	if a.tracer != nil {
		if terr := a.tracer.Shutdown(ctx); terr != nil {
			err = multierr.Append(err, fmt.Errorf("tracer shutdown: %w", terr))
		}
		a.tracer = nil
	}
	return err
}
