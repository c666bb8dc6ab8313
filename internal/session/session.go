// Package session owns the lifecycle of crawl sessions: start, live status,
// cancel, resume after a restart and pause on shutdown. Each running session
// has its own frontier and scheduler; the pipeline is shared.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/pipeline"
	"github.com/JakeFAU/searchcore/internal/progress"
	"github.com/JakeFAU/searchcore/internal/scheduler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// DefaultMaxActive caps concurrently running sessions.
const DefaultMaxActive = 4

const persistTimeout = 10 * time.Second

var (
	// ErrInvalidRequest wraps every validation failure of a Request.
	ErrInvalidRequest = errors.New("invalid crawl request")
	// ErrTooManySessions is returned when MaxActive sessions are running.
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("session manager shutting down")
)

// Request starts a session. Nil options take the manager's defaults.
type Request struct {
	URL           string   `json:"url"`
	URLs          []string `json:"urls,omitempty"`
	MaxPages      *int     `json:"maxPages,omitempty"`
	MaxDepth      *int     `json:"maxDepth,omitempty"`
	Priority      *float64 `json:"priority,omitempty"`
	SPA           *bool    `json:"spa,omitempty"`
	RespectRobots *bool    `json:"respectRobots,omitempty"`
}

// Store is the persistence a Manager needs.
type Store interface {
	store.SessionStore
	store.FrontierStore
}

// Config holds session defaults and the per-session component templates.
type Config struct {
	MaxActive int
	// Defaults fills options a Request leaves nil.
	Defaults crawler.SessionConfig
	// Frontier is copied per session; SessionID, MaxDepth and MaxPages are
	// overwritten from the session.
	Frontier frontier.Config
	// Scheduler is copied per session; Workers comes from the session and
	// Checkpoint is set by the manager.
	Scheduler scheduler.Config
}

// Deps are the manager's collaborators. Store, Processor, IDs and Clock are
// required.
type Deps struct {
	Store     Store
	Processor scheduler.Processor
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Events    progress.Emitter
	Logger    *zap.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	base     context.Context
	stopRuns context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*run
	starting int
	closed   bool
}

// run is one live session.
type run struct {
	frontier *frontier.Frontier
	sched    *scheduler.Scheduler
	tally    *pipeline.Tally
	// droppedBase is the frontier's drop count at launch; later drops are
	// reported as skipped.
	droppedBase int64
	done        chan struct{}

	mu      sync.Mutex
	session crawler.CrawlSession
}

func (r *run) view() crawler.CrawlSession {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	sess.Counters = r.tally.Snapshot()
	sess.Counters.Skipped += r.frontier.Stats().Dropped - r.droppedBase
	return sess
}

// New builds a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session: store is required")
	case deps.Processor == nil:
		return nil, errors.New("session: processor is required")
	case deps.IDs == nil:
		return nil, errors.New("session: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("session: clock is required")
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.Defaults.Priority <= 0 || cfg.Defaults.Priority > 1 {
		cfg.Defaults.Priority = 1
	}
	if deps.Events == nil {
		deps.Events = progress.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger,
		base:     base,
		stopRuns: stop,
		active:   make(map[string]*run),
	}, nil
}

// Start validates req, persists a running session, seeds its frontier and
// starts its scheduler.
func (m *Manager) Start(ctx context.Context, req Request) (crawler.CrawlSession, error) {
	seeds, sc, err := m.resolve(req)
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	if err := m.reserve(); err != nil {
		return crawler.CrawlSession{}, err
	}
	defer m.unreserve()

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.deps.Clock.Now()
	sess := crawler.CrawlSession{
		ID:        id,
		SeedURLs:  seeds,
		Status:    crawler.SessionRunning,
		StartedAt: now,
		Config:    sc,
		UpdatedAt: now,
	}
	if err := m.deps.Store.PutSession(ctx, sess); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("persist session: %w", err)
	}

	f := frontier.New(m.frontierConfig(sess), m.deps.Store, m.deps.Clock, m.log.Named("frontier"))
	tally := pipeline.NewTally(crawler.Counters{})
	for i, seed := range seeds {
		d, err := f.Enqueue(ctx, crawler.FrontierEntry{
			URL:          seed,
			Depth:        0,
			Priority:     sc.Priority,
			OriginSeedID: id + ":" + strconv.Itoa(i),
		})
		if err != nil {
			f.Close()
			sess.Status = crawler.SessionFailed
			sess.Error = "enqueue seeds"
			m.persistFinal(sess)
			return crawler.CrawlSession{}, fmt.Errorf("enqueue seed %s: %w", seed, err)
		}
		tally.CountDecision(d == frontier.DecisionAccepted, d.Skipped())
	}

	r := m.launch(sess, f, tally)
	m.log.Info("session started",
		zap.String("session_id", id),
		zap.Strings("seeds", seeds),
		zap.Int("max_pages", sc.MaxPages),
		zap.Int("max_depth", sc.MaxDepth))
	return r.view(), nil
}

// resolve normalizes seeds and applies defaults.
func (m *Manager) resolve(req Request) ([]string, crawler.SessionConfig, error) {
	raw := req.URLs
	if strings.TrimSpace(req.URL) != "" {
		raw = append([]string{req.URL}, raw...)
	}
	if len(raw) == 0 {
		return nil, crawler.SessionConfig{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(raw))
	seeds := make([]string, 0, len(raw))
	for _, u := range raw {
		n, err := crawler.NormalizeURL(strings.TrimSpace(u))
		if err != nil {
			return nil, crawler.SessionConfig{}, fmt.Errorf("%w: url %q: %w", ErrInvalidRequest, u, err)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		seeds = append(seeds, n)
	}

	d := m.cfg.Defaults
	sc := crawler.SessionConfig{
		MaxPages:      valueOrDefault(req.MaxPages, d.MaxPages),
		MaxDepth:      valueOrDefault(req.MaxDepth, d.MaxDepth),
		Priority:      valueOrDefault(req.Priority, d.Priority),
		SPA:           valueOrDefault(req.SPA, d.SPA),
		RespectRobots: valueOrDefault(req.RespectRobots, d.RespectRobots),
		Workers:       d.Workers,
	}
	switch {
	case sc.MaxPages < 0:
		return nil, sc, fmt.Errorf("%w: maxPages must be >= 0", ErrInvalidRequest)
	case sc.MaxDepth < 0:
		return nil, sc, fmt.Errorf("%w: maxDepth must be >= 0", ErrInvalidRequest)
	case sc.Priority < 0 || sc.Priority > 1:
		return nil, sc, fmt.Errorf("%w: priority must be within [0, 1]", ErrInvalidRequest)
	}
	return seeds, sc, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	if len(m.active)+m.starting >= m.cfg.MaxActive {
		return ErrTooManySessions
	}
	m.starting++
	return nil
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	m.starting--
	m.mu.Unlock()
}

func (m *Manager) frontierConfig(sess crawler.CrawlSession) frontier.Config {
	fc := m.cfg.Frontier
	fc.SessionID = sess.ID
	fc.MaxDepth = sess.Config.MaxDepth
	fc.MaxPages = sess.Config.MaxPages
	return fc
}

// launch registers the run and starts its scheduler goroutine.
func (m *Manager) launch(sess crawler.CrawlSession, f *frontier.Frontier, tally *pipeline.Tally) *run {
	r := &run{
		frontier:    f,
		tally:       tally,
		droppedBase: f.Stats().Dropped,
		done:        make(chan struct{}),
		session:     sess,
	}
	job := &pipeline.Job{
		SessionID: sess.ID,
		Config:    sess.Config,
		Frontier:  f,
		Tally:     tally,
	}
	sc := m.cfg.Scheduler
	if sess.Config.Workers > 0 {
		sc.Workers = sess.Config.Workers
	}
	sc.Checkpoint = func(ctx context.Context) { m.checkpoint(ctx, r) }
	r.sched = scheduler.New(sc, f, m.deps.Processor, job, m.log.Named("scheduler"))

	m.mu.Lock()
	m.active[sess.ID] = r
	m.mu.Unlock()

	m.emit(r.view(), progress.PhaseSessionStart, "")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := r.sched.Run(m.base)
		m.finish(r, res, err)
	}()
	return r
}

// checkpoint persists live counters of a running session.
func (m *Manager) checkpoint(ctx context.Context, r *run) {
	sess := r.view()
	sess.UpdatedAt = m.deps.Clock.Now()
	if err := m.deps.Store.PutSession(ctx, sess); err != nil {
		m.log.Warn("checkpoint session failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (m *Manager) finish(r *run, res scheduler.Result, runErr error) {
	sess := r.view()
	sess.Status = res.Status()
	if runErr != nil {
		sess.Error = runErr.Error()
	}
	m.persistFinal(sess)

	r.frontier.Close()
	r.frontier.Forget()
	metrics.ObserveSession(string(sess.Status))
	m.emit(sess, progress.PhaseSessionDone, sess.Error)

	m.mu.Lock()
	delete(m.active, sess.ID)
	m.mu.Unlock()
	close(r.done)

	fields := []zap.Field{
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int64("fetched", sess.Counters.Fetched),
		zap.Int64("failed", sess.Counters.Failed),
		zap.Int64("indexed", sess.Counters.Indexed),
	}
	if runErr != nil {
		m.log.Error("session failed", append(fields, zap.Error(runErr))...)
		return
	}
	m.log.Info("session finished", fields...)
}

// persistFinal stores a status change, outliving any request or shutdown
// context.
func (m *Manager) persistFinal(sess crawler.CrawlSession) {
	now := m.deps.Clock.Now()
	sess.UpdatedAt = now
	if sess.Status.Terminal() && sess.FinishedAt == nil {
		sess.FinishedAt = &now
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.deps.Store.PutSession(ctx, sess); err != nil {
		m.log.Error("persist session status failed",
			zap.String("session_id", sess.ID),
			zap.String("status", string(sess.Status)),
			zap.Error(err))
	}
}

func (m *Manager) emit(sess crawler.CrawlSession, phase progress.Phase, note string) {
	m.deps.Events.Emit(progress.Event{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Phase:     phase,
		Counters:  sess.Counters,
		Note:      note,
		TS:        m.deps.Clock.Now(),
	})
}

func (m *Manager) lookup(id string) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	return r, ok
}

// Get returns live counters for a running session and the stored record
// otherwise.
func (m *Manager) Get(ctx context.Context, id string) (crawler.CrawlSession, error) {
	if r, ok := m.lookup(id); ok {
		return r.view(), nil
	}
	sess, err := m.deps.Store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return crawler.CrawlSession{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Cancel stops a session. A running session drains its workers and ends
// canceled; a paused one is marked canceled directly. Canceling a finished
// session is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if r, ok := m.lookup(id); ok {
		r.sched.Cancel()
		return nil
	}
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = crawler.SessionCanceled
	m.persistFinal(sess)
	metrics.ObserveSession(string(sess.Status))
	m.emit(sess, progress.PhaseSessionDone, "")
	return nil
}

// Wait blocks until a running session finishes or ctx ends, then returns
// the stored session.
func (m *Manager) Wait(ctx context.Context, id string) (crawler.CrawlSession, error) {
	if r, ok := m.lookup(id); ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return crawler.CrawlSession{}, fmt.Errorf("wait for session %s: %w", id, ctx.Err())
		}
	}
	return m.Get(ctx, id)
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Resume restarts every session stored as running or paused from its
// frontier snapshot and log. A corrupt log aborts the resume with
// frontier.ErrCorrupt.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	var candidates []crawler.CrawlSession
	for _, st := range []crawler.SessionStatus{crawler.SessionRunning, crawler.SessionPaused} {
		sessions, err := m.deps.Store.ListSessions(ctx, &st)
		if err != nil {
			return 0, fmt.Errorf("list %s sessions: %w", st, err)
		}
		candidates = append(candidates, sessions...)
	}

	resumed := 0
	for _, sess := range candidates {
		if _, ok := m.lookup(sess.ID); ok {
			continue
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return resumed, ErrShuttingDown
		}
		f, err := frontier.Restore(ctx, m.frontierConfig(sess), m.deps.Store, m.deps.Clock, m.log.Named("frontier"))
		if err != nil {
			return resumed, fmt.Errorf("restore session %s: %w", sess.ID, err)
		}
		sess.Status = crawler.SessionRunning
		sess.Error = ""
		sess.UpdatedAt = m.deps.Clock.Now()
		if err := m.deps.Store.PutSession(ctx, sess); err != nil {
			f.Close()
			return resumed, fmt.Errorf("persist resumed session %s: %w", sess.ID, err)
		}
		m.launch(sess, f, pipeline.NewTally(sess.Counters))
		resumed++
		stats := f.Stats()
		m.log.Info("session resumed",
			zap.String("session_id", sess.ID),
			zap.Int("pending", stats.Pending),
			zap.Int64("fetched", stats.Fetched))
	}
	if n := m.Active(); n > m.cfg.MaxActive {
		m.log.Warn("resumed sessions exceed the active cap", zap.Int("active", n), zap.Int("cap", m.cfg.MaxActive))
	}
	return resumed, nil
}

// Shutdown pauses every running session. Each scheduler drains within its
// grace period and snapshots its frontier; the session is stored as paused
// so the next Resume picks it up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopRuns()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		var err error
		m.mu.Lock()
		for id := range m.active {
			err = multierr.Append(err, fmt.Errorf("session %s still running", id))
		}
		m.mu.Unlock()
		return multierr.Append(err, ctx.Err())
	}
}
