// Package scheduler runs a fixed pool of workers over one session's
// frontier: pop, process, release, until the frontier drains, the session is
// canceled, or the process shuts down.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/frontier"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/pipeline"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Defaults for Config.
const (
	DefaultGracePeriod      = 30 * time.Second
	DefaultIdleWindow       = 5 * time.Second
	DefaultIdleCheck        = 250 * time.Millisecond
	DefaultSnapshotInterval = 30 * time.Second
	DefaultEmptyWait        = 100 * time.Millisecond
	finalSnapshotTimeout    = 10 * time.Second
	releaseAttempts         = 3
)

// DefaultWorkers is max(2*NumCPU, 4).
func DefaultWorkers() int {
	return max(2*runtime.NumCPU(), 4)
}

// Frontier is the subset of *frontier.Frontier the scheduler drives.
type Frontier interface {
	Pop(ctx context.Context) (*crawler.FrontierEntry, error)
	Release(ctx context.Context, rawURL string, out frontier.Outcome) error
	Idle(window time.Duration) bool
	Snapshot(ctx context.Context) error
	SnapshotDue() <-chan struct{}
}

// Processor runs the pipeline for one entry.
type Processor interface {
	Process(ctx context.Context, job *pipeline.Job, entry crawler.FrontierEntry) pipeline.Outcome
}

// Config tunes a Scheduler. Zero values take the defaults.
type Config struct {
	Workers          int
	GracePeriod      time.Duration
	IdleWindow       time.Duration
	IdleCheck        time.Duration
	SnapshotInterval time.Duration
	EmptyWait        time.Duration
	// Checkpoint runs after every periodic snapshot, typically to persist
	// session counters.
	Checkpoint func(ctx context.Context)
}

// Result says why Run returned.
type Result int

const (
	// ResultDone means the frontier drained.
	ResultDone Result = iota
	// ResultCanceled means Cancel was called.
	ResultCanceled
	// ResultPaused means the parent context ended; the session can resume.
	ResultPaused
	// ResultFailed means a worker hit an unrecoverable error.
	ResultFailed
)

// Status maps the result to the session status it implies.
func (r Result) Status() crawler.SessionStatus {
	switch r {
	case ResultDone:
		return crawler.SessionDone
	case ResultCanceled:
		return crawler.SessionCanceled
	case ResultPaused:
		return crawler.SessionPaused
	default:
		return crawler.SessionFailed
	}
}

func (r Result) String() string { return string(r.Status()) }

// Scheduler owns the workers of one session. Run may be called once.
type Scheduler struct {
	cfg      Config
	frontier Frontier
	proc     Processor
	job      *pipeline.Job
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	killCh   chan struct{}
	mu       sync.Mutex
	reason   Result
}

// New builds a Scheduler. job.Canceled is created when nil and doubles as
// the stop flag the pipeline polls.
func New(cfg Config, f Frontier, proc Processor, job *pipeline.Job, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.IdleCheck <= 0 {
		cfg.IdleCheck = DefaultIdleCheck
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.EmptyWait <= 0 {
		cfg.EmptyWait = DefaultEmptyWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if job.Canceled == nil {
		job.Canceled = new(atomic.Bool)
	}
	return &Scheduler{
		cfg:      cfg,
		frontier: f,
		proc:     proc,
		job:      job,
		logger:   logger.With(zap.String("session_id", job.SessionID)),
		stopCh:   make(chan struct{}),
		killCh:   make(chan struct{}),
	}
}

// Cancel asks the workers to finish their current entry and exit. Work
// still running after the grace period is aborted.
func (s *Scheduler) Cancel() {
	s.stop(ResultCanceled)
}

// Stopping reports whether a stop was requested.
func (s *Scheduler) Stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// stop records the first reason and starts the grace timer.
func (s *Scheduler) stop(reason Result) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		if reason != ResultDone {
			s.job.Canceled.Store(true)
		}
		close(s.stopCh)
		time.AfterFunc(s.cfg.GracePeriod, func() { close(s.killCh) })
		s.logger.Info("scheduler stopping", zap.Stringer("reason", reason))
	})
}

// Run blocks until the session drains, is canceled, or ctx ends, and takes
// a final snapshot of the frontier.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	workCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.killCh:
			s.logger.Warn("grace period elapsed; aborting in-flight work")
			kill()
		case <-done:
		}
	}()

	g, gctx := errgroup.WithContext(workCtx)
	popCtx, stopPops := context.WithCancel(gctx)
	defer stopPops()

	g.Go(func() error {
		defer stopPops()
		return s.watch(ctx, gctx)
	})
	for i := range s.cfg.Workers {
		g.Go(func() error { return s.work(popCtx, gctx, i) })
	}
	err := g.Wait()

	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSnapshotTimeout)
	defer cancel()
	if snapErr := s.frontier.Snapshot(snapCtx); snapErr != nil {
		s.logger.Warn("final frontier snapshot failed", zap.Error(snapErr))
	}

	if err != nil {
		s.stop(ResultFailed)
		return ResultFailed, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, nil
}

// watch ends the run when the frontier goes idle or ctx ends, and takes
// periodic snapshots.
func (s *Scheduler) watch(parent, ctx context.Context) error {
	idle := time.NewTicker(s.cfg.IdleCheck)
	defer idle.Stop()
	snap := time.NewTicker(s.cfg.SnapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-parent.Done():
			s.stop(ResultPaused)
			return nil
		case <-idle.C:
			if s.frontier.Idle(s.cfg.IdleWindow) {
				s.stop(ResultDone)
				return nil
			}
		case <-snap.C:
			s.snapshot(ctx)
		case <-s.frontier.SnapshotDue():
			s.snapshot(ctx)
		}
	}
}

func (s *Scheduler) snapshot(ctx context.Context) {
	if err := s.frontier.Snapshot(ctx); err != nil {
		s.logger.Warn("frontier snapshot failed", zap.Error(err))
	}
	if s.cfg.Checkpoint != nil {
		s.cfg.Checkpoint(ctx)
	}
}

// work is one worker loop. popCtx ends when a stop is requested; ctx only
// ends on the hard kill or a fatal error elsewhere.
func (s *Scheduler) work(popCtx, ctx context.Context, id int) error {
	log := s.logger.With(zap.Int("worker", id))
	for {
		if s.Stopping() || ctx.Err() != nil {
			return nil
		}
		entry, err := s.frontier.Pop(popCtx)
		switch {
		case err == nil:
		case errors.Is(err, frontier.ErrTimeout):
			continue
		case errors.Is(err, frontier.ErrEmpty):
			s.sleep(popCtx, s.cfg.EmptyWait)
			continue
		case errors.Is(err, frontier.ErrClosed), popCtx.Err() != nil:
			return nil
		case errors.Is(err, store.ErrBackendUnavailable):
			log.Warn("frontier log unavailable; backing off", zap.Error(err))
			s.sleep(popCtx, pipeline.DefaultRetryMinDelay)
			continue
		default:
			return fmt.Errorf("pop: %w", err)
		}

		metrics.IncActiveWorkers()
		out := s.proc.Process(ctx, s.job, *entry)
		metrics.DecActiveWorkers()

		if err := s.release(ctx, entry.URL, out); err != nil {
			return err
		}
		if out.Backpressure {
			log.Debug("store backpressure", zap.Duration("delay", out.Delay))
			s.sleep(popCtx, out.Delay)
		}
	}
}

// release reports the outcome, retrying while the store is unavailable.
func (s *Scheduler) release(ctx context.Context, url string, out pipeline.Outcome) error {
	relCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := range releaseAttempts {
		err = s.frontier.Release(relCtx, url, out.Release())
		if err == nil || !errors.Is(err, store.ErrBackendUnavailable) {
			break
		}
		s.logger.Warn("release failed; retrying", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
		t := time.NewTimer(pipeline.DefaultRetryMinDelay << attempt)
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, frontier.ErrNotInFlight):
		s.logger.Warn("released entry was not in flight", zap.String("url", url))
		return nil
	default:
		return fmt.Errorf("release %s: %w", url, err)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-s.stopCh:
	}
}
