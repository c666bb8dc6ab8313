// Package pipeline turns one frontier entry into a stored, indexed document:
// robots check, fetch, retry classification, headless fallback, parse,
// archive, store, outlink enqueue and index push.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/parser"
	"github.com/JakeFAU/searchcore/internal/progress"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Defaults for Config.
const (
	DefaultPriorityDecay   = 0.9
	DefaultHeadlessTimeout = 60 * time.Second
	DefaultArchiveType     = "text/html; charset=utf-8"
)

// RobotsChecker answers robots.txt questions.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// PageParser extracts content from a response body.
type PageParser interface {
	Parse(finalURL string, headers http.Header, body []byte) (parser.Page, error)
}

// DocumentWriter persists documents.
type DocumentWriter interface {
	PutDocument(ctx context.Context, doc crawler.Document) (string, error)
}

// Indexer pushes a stored document into the search index.
type Indexer interface {
	Index(ctx context.Context, doc crawler.Document) error
}

// Enqueuer accepts discovered URLs. *frontier.Frontier implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, entry crawler.FrontierEntry) (frontier.Decision, error)
}

// Config tunes fetching and outlink handling.
type Config struct {
	UserAgent       string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxRedirects    int
	MaxBodyBytes    int64
	AllowDowngrade  bool
	HeadlessTimeout time.Duration
	PriorityDecay   float64
	Retry           RetryPolicy
	// ArchivePrefix is the leading path segment for archived bodies.
	ArchivePrefix      string
	ArchiveContentType string
}

// Deps are the collaborators. Fetcher, Parser, Documents and Hasher are
// required; the rest may be nil.
type Deps struct {
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Parser    PageParser
	Robots    RobotsChecker
	Documents DocumentWriter
	Indexer   Indexer
	Archive   crawler.BlobStore
	Hasher    crawler.Hasher
	Events    progress.Emitter
	Clock     crawler.Clock
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Job is the per-session context of a Process call.
type Job struct {
	SessionID string
	Config    crawler.SessionConfig
	Frontier  Enqueuer
	// Tally is required.
	Tally *Tally
	// Canceled is polled between steps. It may be nil.
	Canceled *atomic.Bool
}

func (j *Job) canceled(ctx context.Context) bool {
	return ctx.Err() != nil || (j.Canceled != nil && j.Canceled.Load())
}

// Pipeline processes frontier entries. It is safe for concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("pipeline: parser is required")
	case deps.Documents == nil:
		return nil, errors.New("pipeline: document store is required")
	case deps.Hasher == nil:
		return nil, errors.New("pipeline: hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	}
	if deps.Events == nil {
		deps.Events = progress.Discard
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/searchcore/internal/pipeline")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = DefaultHeadlessTimeout
	}
	if cfg.PriorityDecay <= 0 || cfg.PriorityDecay > 1 {
		cfg.PriorityDecay = DefaultPriorityDecay
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = DefaultArchiveType
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// RetryPolicy exposes the effective retry schedule.
func (p *Pipeline) RetryPolicy() RetryPolicy { return p.cfg.Retry }

// run carries the state of one Process call.
type run struct {
	p     *Pipeline
	job   *Job
	entry crawler.FrontierEntry
	log   *zap.Logger
	bytes int
}

// Process runs every step for entry and reports how it finished. Counters
// in job.Tally are updated before the outcome is returned.
func (p *Pipeline) Process(ctx context.Context, job *Job, entry crawler.FrontierEntry) Outcome {
	ctx, span := p.deps.Tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("crawl.session_id", job.SessionID),
		attribute.String("crawl.url", entry.URL),
		attribute.Int("crawl.depth", entry.Depth),
		attribute.Int("crawl.retry_count", entry.RetryCount),
	))
	defer span.End()

	r := &run{
		p:     p,
		job:   job,
		entry: entry,
		log:   p.deps.Logger.With(zap.String("session_id", job.SessionID), zap.String("url", entry.URL)),
	}
	out := r.process(ctx)
	if out.Kind != KindAborted {
		metrics.ObserveCrawl(entry.URL, out.Kind.String(), r.bytes)
	}
	span.SetAttributes(
		attribute.String("crawl.outcome", out.Kind.String()),
		attribute.String("crawl.stage", out.Stage.String()),
	)
	if out.Kind == KindFailed {
		span.SetStatus(codes.Error, out.Reason)
	}
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	return out
}

func (r *run) process(ctx context.Context) Outcome {
	if r.job.canceled(ctx) {
		return aborted(StageRobots)
	}
	if out, ok := r.checkRobots(ctx); !ok {
		return out
	}

	resp, out, ok := r.fetch(ctx)
	if !ok {
		return out
	}
	if r.job.canceled(ctx) {
		return aborted(StageParse)
	}

	page, err := r.parse(ctx, resp)
	if err != nil {
		return r.fail(StageParse, failure{reason: "decode"}, err, resp.StatusCode)
	}
	r.emit(progress.PhaseParse, "ok", func(e *progress.Event) {
		e.StatusCode = resp.StatusCode
		e.Note = fmt.Sprintf("%d links", len(page.Links))
	})

	doc, out, ok := r.store(ctx, resp, page)
	if !ok {
		return out
	}

	if !r.job.canceled(ctx) {
		r.enqueueOutlinks(ctx, page.Links)
	}
	r.index(ctx, doc)
	return Outcome{Kind: KindSuccess, Stage: StageDone, DocID: doc.ID}
}

func (r *run) checkRobots(ctx context.Context) (Outcome, bool) {
	if !r.job.Config.RespectRobots || r.p.deps.Robots == nil {
		return Outcome{}, true
	}
	ctx, span := r.p.deps.Tracer.Start(ctx, "pipeline.robots")
	defer span.End()
	allowed, err := r.p.deps.Robots.Allowed(ctx, r.entry.URL)
	if err != nil {
		r.log.Debug("robots check failed; allowing", zap.Error(err))
		return Outcome{}, true
	}
	if allowed {
		return Outcome{}, true
	}
	r.job.Tally.Skipped.Add(1)
	r.emit(progress.PhaseSkipped, "skipped", func(e *progress.Event) { e.Note = ReasonRobotsDisallowed })
	return Outcome{Kind: KindSkipped, Stage: StageRobots, Reason: ReasonRobotsDisallowed}, false
}

func (r *run) request() crawler.FetchRequest {
	headers := http.Header{}
	if r.p.cfg.UserAgent != "" {
		headers.Set("User-Agent", r.p.cfg.UserAgent)
	}
	return crawler.FetchRequest{
		SessionID:      r.job.SessionID,
		URL:            r.entry.URL,
		Method:         http.MethodGet,
		Depth:          r.entry.Depth,
		Headers:        headers,
		ConnectTimeout: r.p.cfg.ConnectTimeout,
		ReadTimeout:    r.p.cfg.ReadTimeout,
		MaxRedirects:   r.p.cfg.MaxRedirects,
		MaxBodyBytes:   r.p.cfg.MaxBodyBytes,
		AllowDowngrade: r.p.cfg.AllowDowngrade,
	}
}

// fetch runs the probe, classifies the result and applies the headless
// fallback. ok is false when out is terminal.
func (r *run) fetch(ctx context.Context) (crawler.FetchResponse, Outcome, bool) {
	fetchCtx, span := r.p.deps.Tracer.Start(ctx, "pipeline.fetch")
	resp, err := r.p.deps.Fetcher.Fetch(fetchCtx, r.request())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	r.bytes = len(resp.Body)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if err != nil {
		if r.job.canceled(ctx) {
			return resp, aborted(StageFetch), false
		}
		if errors.Is(err, crawler.ErrSkippedType) {
			r.job.Tally.Skipped.Add(1)
			r.emit(progress.PhaseSkipped, "skipped", func(e *progress.Event) {
				e.StatusCode = resp.StatusCode
				e.Note = ReasonSkippedType
			})
			return resp, Outcome{Kind: KindSkipped, Stage: StageFetch, Reason: ReasonSkippedType, Err: err}, false
		}
		return resp, r.fail(StageFetch, classifyError(err), err, 0), false
	}

	if f, ok := classifyStatus(resp.StatusCode); !ok {
		if !f.transient {
			r.storeFailure(ctx, resp, f.reason)
		}
		return resp, r.fail(StageFetch, f, fmt.Errorf("http status %d", resp.StatusCode), resp.StatusCode), false
	}

	resp = r.maybePromote(ctx, resp)
	r.emit(progress.PhaseFetch, "ok", func(e *progress.Event) {
		e.StatusCode = resp.StatusCode
		e.Bytes = int64(len(resp.Body))
		e.Duration = resp.Elapsed
		if resp.UsedHeadless {
			e.Note = "headless"
		}
	})
	return resp, Outcome{}, true
}

// maybePromote re-fetches through the headless browser when the session
// asks for it or the detector flags the probe. The fallback is never
// retried; on failure the probe stands.
func (r *run) maybePromote(ctx context.Context, probe crawler.FetchResponse) crawler.FetchResponse {
	if r.p.deps.Headless == nil {
		return probe
	}
	promote := r.job.Config.SPA || (r.p.deps.Detector != nil && r.p.deps.Detector.ShouldPromote(probe))
	if !promote {
		return probe
	}
	headlessCtx, cancel := context.WithTimeout(ctx, r.p.cfg.HeadlessTimeout)
	defer cancel()
	headlessCtx, span := r.p.deps.Tracer.Start(headlessCtx, "pipeline.headless")
	defer span.End()

	resp, err := r.p.deps.Headless.Fetch(headlessCtx, r.request())
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = fmt.Errorf("headless status %d", resp.StatusCode)
	}
	if err != nil {
		span.RecordError(err)
		r.log.Warn("headless promotion failed", zap.Error(err))
		return probe
	}
	resp.UsedHeadless = true
	if resp.URL == "" {
		resp.URL = probe.URL
	}
	if resp.FinalURL == "" {
		resp.FinalURL = probe.FinalURL
	}
	r.log.Debug("headless promotion applied")
	return resp
}

func (r *run) parse(ctx context.Context, resp crawler.FetchResponse) (parser.Page, error) {
	_, span := r.p.deps.Tracer.Start(ctx, "pipeline.parse")
	defer span.End()
	page, err := r.p.deps.Parser.Parse(finalURL(resp, r.entry.URL), resp.Headers, resp.Body)
	if err != nil {
		span.RecordError(err)
		return parser.Page{}, fmt.Errorf("parse: %w", err)
	}
	return page, nil
}

// store archives the body, then upserts the document.
func (r *run) store(ctx context.Context, resp crawler.FetchResponse, page parser.Page) (crawler.Document, Outcome, bool) {
	ctx, span := r.p.deps.Tracer.Start(ctx, "pipeline.store")
	defer span.End()

	doc, err := r.document(resp)
	if err != nil {
		return doc, r.fail(StageStore, failure{reason: "document_id"}, err, resp.StatusCode), false
	}
	doc.Title = page.Title
	doc.MetaDescription = page.Description
	doc.TextContent = page.Text
	doc.Outlinks = page.Links
	doc.Language = page.Language
	doc.Success = true
	doc.BlobURI = r.archive(ctx, doc.ID, resp)

	if _, err := r.p.deps.Documents.PutDocument(ctx, doc); err != nil {
		span.RecordError(err)
		if errors.Is(err, store.ErrBackendUnavailable) {
			return doc, r.backpressure(err), false
		}
		return doc, r.fail(StageStore, failure{reason: "store_error"}, err, resp.StatusCode), false
	}
	r.job.Tally.Fetched.Add(1)
	r.emit(progress.PhaseStore, "ok", func(e *progress.Event) {
		e.StatusCode = resp.StatusCode
		e.Bytes = int64(doc.ContentSize)
		e.Note = doc.ID
	})
	return doc, Outcome{}, true
}

// storeFailure records a permanent HTTP failure so the session keeps a
// trace of it. Store errors here are logged only.
func (r *run) storeFailure(ctx context.Context, resp crawler.FetchResponse, reason string) {
	doc, err := r.document(resp)
	if err != nil {
		return
	}
	doc.Error = reason
	if _, err := r.p.deps.Documents.PutDocument(ctx, doc); err != nil {
		r.log.Warn("record failed fetch", zap.Error(err))
	}
}

func (r *run) document(resp crawler.FetchResponse) (crawler.Document, error) {
	final, err := crawler.NormalizeURL(finalURL(resp, r.entry.URL))
	if err != nil {
		return crawler.Document{}, fmt.Errorf("normalize final url: %w", err)
	}
	id, err := crawler.DocumentID(r.p.deps.Hasher, final)
	if err != nil {
		return crawler.Document{}, err
	}
	now := r.p.deps.Clock.Now()
	return crawler.Document{
		CrawlResult: crawler.CrawlResult{
			URL:           r.entry.URL,
			FinalURL:      final,
			StatusCode:    resp.StatusCode,
			ContentType:   resp.ContentType(),
			FetchTime:     now.Add(-resp.Elapsed),
			FetchDuration: resp.Elapsed,
			ContentSize:   len(resp.Body),
			UsedHeadless:  resp.UsedHeadless,
		},
		ID:        id,
		Kind:      crawler.KindPage,
		SessionID: r.job.SessionID,
		UpdatedAt: now,
	}, nil
}

// archive writes the raw body to the blob store. Failures leave the
// document without a BlobURI.
func (r *run) archive(ctx context.Context, docID string, resp crawler.FetchResponse) string {
	if r.p.deps.Archive == nil {
		return ""
	}
	digest, err := r.p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		r.log.Warn("hash body for archive", zap.Error(err))
		return ""
	}
	uri, err := r.p.deps.Archive.PutObject(ctx, r.p.blobPath(r.job.SessionID, docID, digest), r.p.cfg.ArchiveContentType, bytes.NewReader(resp.Body))
	if err != nil {
		r.log.Warn("archive body failed", zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) blobPath(sessionID, docID, digest string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	name := fmt.Sprintf("%s/%s-%s.html", sessionID, docID, digest[:min(len(digest), 16)])
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// enqueueOutlinks hands discovered links to the frontier at depth+1 with a
// decayed priority. Robots-disallowed links never reach the frontier.
func (r *run) enqueueOutlinks(ctx context.Context, links []string) {
	if len(links) == 0 || r.job.Frontier == nil {
		return
	}
	ctx, span := r.p.deps.Tracer.Start(ctx, "pipeline.enqueue", trace.WithAttributes(attribute.Int("crawl.links", len(links))))
	defer span.End()

	depth := r.entry.Depth + 1
	withinDepth := r.job.Config.MaxDepth < 0 || depth <= r.job.Config.MaxDepth
	now := r.p.deps.Clock.Now()
	for _, link := range links {
		if r.job.canceled(ctx) {
			return
		}
		if withinDepth && r.job.Config.RespectRobots && r.p.deps.Robots != nil {
			if ok, err := r.p.deps.Robots.Allowed(ctx, link); err == nil && !ok {
				r.job.Tally.Skipped.Add(1)
				continue
			}
		}
		decision, err := r.job.Frontier.Enqueue(ctx, crawler.FrontierEntry{
			URL:          link,
			Depth:        depth,
			Priority:     r.entry.Priority * r.p.cfg.PriorityDecay,
			DiscoveredAt: now,
			OriginSeedID: r.entry.OriginSeedID,
		})
		if err != nil {
			if errors.Is(err, frontier.ErrFrontierFull) {
				r.job.Tally.Rejected.Add(1)
				continue
			}
			if errors.Is(err, frontier.ErrClosed) {
				return
			}
			r.log.Warn("enqueue outlink failed", zap.String("link", link), zap.Error(err))
			continue
		}
		r.job.Tally.CountDecision(decision == frontier.DecisionAccepted, decision.Skipped())
	}
}

// index pushes doc to the index. A failure is left for the resync loop.
func (r *run) index(ctx context.Context, doc crawler.Document) {
	if r.p.deps.Indexer == nil || !doc.Indexable() {
		return
	}
	ctx, span := r.p.deps.Tracer.Start(ctx, "pipeline.index")
	defer span.End()
	if err := r.p.deps.Indexer.Index(ctx, doc); err != nil {
		span.RecordError(err)
		r.log.Warn("index push failed; resync will retry", zap.Error(err))
		return
	}
	r.job.Tally.Indexed.Add(1)
	r.emit(progress.PhaseIndex, "ok", func(e *progress.Event) { e.Note = doc.ID })
}

// fail turns a classified failure into a retry or a terminal failure and
// records counters and events for it.
func (r *run) fail(stage Stage, f failure, err error, status int) Outcome {
	policy := r.p.cfg.Retry
	if f.transient && policy.Allow(r.entry.RetryCount) {
		delay := policy.Backoff(r.entry.RetryCount)
		r.job.Tally.Retried.Add(1)
		metrics.ObserveRetry(f.reason)
		r.emit(progress.PhaseRetry, "retry", func(e *progress.Event) {
			e.StatusCode = status
			e.Duration = delay
			e.Note = f.reason
		})
		r.log.Debug("fetch will be retried", zap.String("reason", f.reason), zap.Duration("delay", delay), zap.Error(err))
		return Outcome{Kind: KindRetry, Stage: stage, Reason: f.reason, Delay: delay, DNS: f.dns, HostFault: f.hostFault, Err: err}
	}
	reason := f.reason
	if f.transient {
		reason = ReasonFailedTransient
	}
	r.job.Tally.Failed.Add(1)
	r.emit(progress.PhaseFailed, "failed", func(e *progress.Event) {
		e.StatusCode = status
		e.Note = reason
	})
	r.log.Debug("url failed", zap.String("reason", reason), zap.Error(err))
	return Outcome{Kind: KindFailed, Stage: stage, Reason: reason, DNS: f.dns, HostFault: f.hostFault, Err: err}
}

// backpressure reports an unavailable store. The entry is retried without
// consuming its retry budget.
func (r *run) backpressure(err error) Outcome {
	delay := r.p.cfg.Retry.Backoff(r.entry.RetryCount)
	r.job.Tally.Retried.Add(1)
	metrics.ObserveRetry(ReasonStoreUnavailable)
	r.emit(progress.PhaseRetry, "retry", func(e *progress.Event) {
		e.Duration = delay
		e.Note = ReasonStoreUnavailable
	})
	r.log.Warn("store unavailable; backing off", zap.Duration("delay", delay), zap.Error(err))
	return Outcome{Kind: KindRetry, Stage: StageStore, Reason: ReasonStoreUnavailable, Delay: delay, Backpressure: true, Err: err}
}

func aborted(stage Stage) Outcome {
	return Outcome{Kind: KindAborted, Stage: stage, Reason: ReasonCanceled}
}

func (r *run) emit(phase progress.Phase, status string, fill func(*progress.Event)) {
	evt := progress.Event{
		SessionID: r.job.SessionID,
		URL:       r.entry.URL,
		Status:    status,
		Phase:     phase,
		Counters:  r.job.Tally.Snapshot(),
		Host:      r.entry.Host,
		TS:        r.p.deps.Clock.Now(),
	}
	if evt.Host == "" {
		evt.Host = crawler.HostOf(r.entry.URL)
	}
	if fill != nil {
		fill(&evt)
	}
	r.p.deps.Events.Emit(evt)
}

func finalURL(resp crawler.FetchResponse, fallback string) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	if resp.URL != "" {
		return resp.URL
	}
	return fallback
}
