// Package frontier holds the per-session set of URLs waiting to be crawled.
// It orders entries by priority, enforces per-host politeness, deduplicates
// URLs and logs every mutation so a session can be restored after a crash.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/store"
)

var (
	// ErrFrontierFull is returned when the pending set is at capacity.
	ErrFrontierFull = errors.New("frontier full")
	// ErrEmpty means nothing is pending and nothing is in flight.
	ErrEmpty = errors.New("frontier empty")
	// ErrTimeout means Pop waited out its timeout while work remained.
	ErrTimeout = errors.New("frontier pop timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("frontier closed")
	// ErrCorrupt marks a log that cannot be replayed.
	ErrCorrupt = errors.New("frontier log corrupt")
	// ErrNotInFlight is returned by Release for a URL that was not popped.
	ErrNotInFlight = errors.New("url not in flight")
)

// Decision reports what Enqueue did with an entry.
type Decision int

const (
	DecisionAccepted Decision = iota
	DecisionUpdated
	DecisionDuplicate
	DecisionInvalid
	DecisionSkippedDepth
	DecisionSkippedPages
	DecisionDeadHost
)

func (d Decision) String() string {
	switch d {
	case DecisionAccepted:
		return "accepted"
	case DecisionUpdated:
		return "updated"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionInvalid:
		return "invalid"
	case DecisionSkippedDepth:
		return "skipped_depth"
	case DecisionSkippedPages:
		return "skipped_pages"
	case DecisionDeadHost:
		return "dead_host"
	default:
		return "unknown"
	}
}

// Skipped reports whether the decision counts toward the skipped counter.
func (d Decision) Skipped() bool {
	return d == DecisionSkippedDepth || d == DecisionSkippedPages || d == DecisionDeadHost
}

// OutcomeKind classifies how a popped URL finished.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeDNSFailure
	OutcomeRetry
)

// Outcome is handed to Release.
type Outcome struct {
	Kind OutcomeKind
	// Delay applies to OutcomeRetry.
	Delay time.Duration
	// HostFault marks a retry caused by the host (5xx, 429, timeouts) so it
	// counts toward backoff. Store backpressure leaves it false.
	HostFault bool
	// DNS marks a retry caused by a name resolution failure. It counts
	// toward the host's DNS failure limit like OutcomeDNSFailure.
	DNS bool
	// KeepBudget requeues a retry without counting it against the entry's
	// retry budget. Store backpressure and aborted fetches set it.
	KeepBudget bool
}

// Config tunes a frontier.
type Config struct {
	SessionID string
	// MaxDepth below zero disables the depth limit.
	MaxDepth int
	// MaxPages of zero disables the page budget.
	MaxPages         int
	Cap              int
	MinInterval      time.Duration
	HostConcurrency  int
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	DNSFailureLimit  int
	PopTimeout       time.Duration
	SnapshotEvery    int
	BloomCapacity    uint
	BloomFPRate      float64
}

const (
	DefaultCap              = 1_000_000
	DefaultMinInterval      = time.Second
	DefaultHostConcurrency  = 1
	DefaultFailureThreshold = 3
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffMax       = time.Hour
	DefaultDNSFailureLimit  = 3
	DefaultPopTimeout       = time.Second
	DefaultSnapshotEvery    = 1000
)

func (c Config) withDefaults() Config {
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.HostConcurrency <= 0 {
		c.HostConcurrency = DefaultHostConcurrency
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.DNSFailureLimit <= 0 {
		c.DNSFailureLimit = DefaultDNSFailureLimit
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultPopTimeout
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.BloomCapacity == 0 {
		c.BloomCapacity = uint(min(c.Cap, DefaultCap))
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		c.BloomFPRate = 0.01
	}
	return c
}

// Stats is a point-in-time view of the frontier.
type Stats struct {
	Pending     int
	InFlight    int
	Fetched     int64
	Seen        int
	Dropped     int64
	LastEnqueue time.Time
}

// Frontier is safe for concurrent use. All queue state is guarded by mu;
// host records live in a sharded table that is also readable without it.
type Frontier struct {
	cfg    Config
	log    store.FrontierStore
	clock  crawler.Clock
	logger *zap.Logger

	mu          sync.Mutex
	queues      map[string]*hostQueue
	readyHosts  hostHeap
	waiting     hostHeap
	pendingIdx  map[string]*item
	pending     int
	inflight    map[string]*crawler.FrontierEntry
	seen        *seenSet
	hosts       *hostTable
	fetched     int64
	dropped     int64
	nextSeq     uint64
	lastSeq     uint64
	sinceSnap   int
	lastEnqueue time.Time
	closed      bool
	notify      chan struct{}

	snapshotDue chan struct{}
}

// New returns an empty frontier that logs to st.
func New(cfg Config, st store.FrontierStore, clock crawler.Clock, logger *zap.Logger) *Frontier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:         cfg,
		log:         st,
		clock:       clock,
		logger:      logger.With(zap.String("session_id", cfg.SessionID)),
		queues:      make(map[string]*hostQueue),
		readyHosts:  hostHeap{less: byHead},
		waiting:     hostHeap{less: byWake},
		pendingIdx:  make(map[string]*item),
		inflight:    make(map[string]*crawler.FrontierEntry),
		seen:        newSeenSet(cfg.BloomCapacity, cfg.BloomFPRate),
		hosts:       newHostTable(),
		nextSeq:     1,
		notify:      make(chan struct{}),
		snapshotDue: make(chan struct{}, 1),
	}
}

// SnapshotDue signals once the log has grown by SnapshotEvery records since
// the last snapshot.
func (f *Frontier) SnapshotDue() <-chan struct{} { return f.snapshotDue }

// Enqueue offers an entry to the frontier.
func (f *Frontier) Enqueue(ctx context.Context, entry crawler.FrontierEntry) (Decision, error) {
	normalized, err := crawler.NormalizeURL(entry.URL)
	if err != nil || entry.Depth < 0 {
		return DecisionInvalid, nil
	}
	entry.URL = normalized
	entry.Host = crawler.HostOf(normalized)
	if entry.Host == "" {
		return DecisionInvalid, nil
	}
	entry.Priority = min(max(entry.Priority, 0), 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return DecisionInvalid, ErrClosed
	}
	if f.cfg.MaxDepth >= 0 && entry.Depth > f.cfg.MaxDepth {
		return DecisionSkippedDepth, nil
	}
	if f.budgetSpent() {
		return DecisionSkippedPages, nil
	}
	if f.pending >= f.cfg.Cap {
		return DecisionInvalid, ErrFrontierFull
	}
	if seen := f.seen.get(entry.URL); seen != nil {
		return f.updatePending(ctx, seen, entry)
	}
	if rec, _ := f.hosts.get(entry.Host); rec.Dead {
		return DecisionDeadHost, nil
	}

	now := f.clock.Now()
	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = now
	}
	entry.Seq = f.nextSeq
	rec := store.LogRecord{Op: store.OpEnqueue, URL: entry.URL, Host: entry.Host, Entry: &entry}
	if err := f.appendLog(ctx, now, rec); err != nil {
		return DecisionInvalid, err
	}
	f.insertPending(entry, now)
	f.seen.add(entry.URL, entry.Depth, statePending)
	f.lastEnqueue = now
	f.wake()
	f.reportSize()
	return DecisionAccepted, nil
}

func (f *Frontier) updatePending(ctx context.Context, seen *seenEntry, entry crawler.FrontierEntry) (Decision, error) {
	if seen.state != statePending {
		return DecisionDuplicate, nil
	}
	it, ok := f.pendingIdx[entry.URL]
	if !ok {
		return DecisionDuplicate, nil
	}
	if entry.Depth >= it.entry.Depth && entry.Priority <= it.entry.Priority {
		return DecisionDuplicate, nil
	}
	updated := it.entry
	updated.Depth = min(updated.Depth, entry.Depth)
	updated.Priority = max(updated.Priority, entry.Priority)

	now := f.clock.Now()
	rec := store.LogRecord{Op: store.OpUpdate, URL: updated.URL, Host: updated.Host, Entry: &updated}
	if err := f.appendLog(ctx, now, rec); err != nil {
		return DecisionInvalid, err
	}
	f.applyUpdate(it, updated, now)
	seen.depth = updated.Depth
	f.lastEnqueue = now
	f.wake()
	return DecisionUpdated, nil
}

func (f *Frontier) applyUpdate(it *item, updated crawler.FrontierEntry, now time.Time) {
	q := f.queues[updated.Host]
	it.entry = updated
	if it.delayed {
		heap.Fix(&q.delayed, it.index)
	} else {
		heap.Fix(&q.ready, it.index)
	}
	f.place(q, now)
}

// Pop returns the best eligible entry, waiting up to the pop timeout for one
// to become available.
//
// Eligibility is judged on the injected clock. The pop timeout and the
// sleep between attempts are real time, so a fake clock that never advances
// still makes Pop return ErrTimeout after PopTimeout.
func (f *Frontier) Pop(ctx context.Context) (*crawler.FrontierEntry, error) {
	deadline := time.Now().Add(f.cfg.PopTimeout)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, ErrClosed
		}
		entry, wait, err := f.tryPop(ctx)
		if entry != nil || err != nil {
			f.mu.Unlock()
			return entry, err
		}
		if f.pending == 0 && len(f.inflight) == 0 {
			f.mu.Unlock()
			return nil, ErrEmpty
		}
		notify := f.notify
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if wait > 0 && wait < remaining {
			remaining = wait
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("frontier pop: %w", ctx.Err())
		case <-notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// tryPop runs with mu held. It returns the popped entry, or how long until
// the next waiting host becomes eligible.
func (f *Frontier) tryPop(ctx context.Context) (*crawler.FrontierEntry, time.Duration, error) {
	now := f.clock.Now()
	f.promote(now)
	if f.readyHosts.Len() == 0 {
		if f.waiting.Len() == 0 {
			return nil, 0, nil
		}
		return nil, f.waiting.queues[0].wakeAt.Sub(now), nil
	}
	if f.budgetSpent() {
		f.dropAllPending()
		return nil, 0, nil
	}

	q := f.readyHosts.queues[0]
	it := q.ready.peek()
	rec := store.LogRecord{Op: store.OpPop, URL: it.entry.URL, Host: q.host}
	if err := f.appendLog(ctx, now, rec); err != nil {
		return nil, 0, err
	}
	heap.Pop(&q.ready)
	delete(f.pendingIdx, it.entry.URL)
	f.pending--

	entry := it.entry
	f.inflight[entry.URL] = &entry
	if s := f.seen.get(entry.URL); s != nil {
		s.state = stateInFlight
	}
	f.hosts.update(q.host, f.newHostRecord(), func(h *crawler.HostRecord) {
		h.InFlight++
		h.LastFetchAt = now
		h.NextEligibleAt = now.Add(h.MinInterval)
	})
	f.place(q, now)
	f.reportSize()

	out := entry
	return &out, 0, nil
}

// Release reports how a popped URL finished.
func (f *Frontier) Release(ctx context.Context, rawURL string, out Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := rawURL
	entry, ok := f.inflight[url]
	if !ok {
		if n, err := crawler.NormalizeURL(rawURL); err == nil {
			url = n
			entry, ok = f.inflight[url]
		}
	}
	if !ok {
		return fmt.Errorf("release %s: %w", rawURL, ErrNotInFlight)
	}

	now := f.clock.Now()
	host := entry.Host
	current, _ := f.hosts.get(host)
	dnsFault := out.Kind == OutcomeDNSFailure || (out.Kind == OutcomeRetry && out.DNS)
	killHost := dnsFault && current.DNSFailures+1 >= f.cfg.DNSFailureLimit

	var records []store.LogRecord
	var requeued crawler.FrontierEntry
	if out.Kind == OutcomeRetry {
		requeued = *entry
		if !out.KeepBudget {
			requeued.RetryCount++
		}
		requeued.NextEligibleAt = now.Add(max(out.Delay, 0))
		records = append(records, store.LogRecord{Op: store.OpRequeue, URL: url, Host: host, Entry: &requeued})
	} else {
		records = append(records, store.LogRecord{Op: store.OpRelease, URL: url, Host: host, Success: out.Kind == OutcomeSuccess})
	}
	if killHost {
		records = append(records, store.LogRecord{Op: store.OpDropHost, Host: host})
	}
	if err := f.appendLog(ctx, now, records...); err != nil {
		return err
	}

	delete(f.inflight, url)
	f.hosts.update(host, f.newHostRecord(), func(h *crawler.HostRecord) {
		h.InFlight = max(h.InFlight-1, 0)
		// Spacing runs from the end of the fetch. The pop-time reservation
		// still holds when the fetch finished early.
		h.LastFetchAt = now
		h.NextEligibleAt = maxTime(h.NextEligibleAt, now.Add(h.MinInterval))
		switch out.Kind {
		case OutcomeSuccess:
			h.ConsecutiveFailures = 0
			h.DNSFailures = 0
			h.BackoffUntil = time.Time{}
		case OutcomeFailure:
			f.recordFailure(h, now)
		case OutcomeDNSFailure:
			h.DNSFailures++
			f.recordFailure(h, now)
			if killHost {
				h.Dead = true
			}
		case OutcomeRetry:
			if out.DNS {
				h.DNSFailures++
				h.Dead = killHost
			}
			if out.HostFault {
				f.recordFailure(h, now)
			}
		}
	})

	if out.Kind == OutcomeRetry {
		f.insertPending(requeued, now)
		if s := f.seen.get(url); s != nil {
			s.state = statePending
		}
	} else {
		f.fetched++
		if s := f.seen.get(url); s != nil {
			s.state = stateDone
		}
	}
	if killHost {
		n := f.dropHost(host)
		f.logger.Warn("host marked dead after repeated DNS failures",
			zap.String("host", host), zap.Int("dropped", n))
	}
	if q, ok := f.queues[host]; ok {
		f.place(q, now)
	}
	f.wake()
	f.reportSize()
	return nil
}

func (f *Frontier) recordFailure(h *crawler.HostRecord, now time.Time) {
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures < f.cfg.FailureThreshold {
		return
	}
	h.BackoffUntil = now.Add(backoff(h.ConsecutiveFailures-f.cfg.FailureThreshold, f.cfg.BackoffBase, f.cfg.BackoffMax))
}

// backoff returns base·2^n capped at limit.
func backoff(n int, base, limit time.Duration) time.Duration {
	d := base
	for range n {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

// Stats returns current counts.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Pending:     f.pending,
		InFlight:    len(f.inflight),
		Fetched:     f.fetched,
		Seen:        f.seen.len(),
		Dropped:     f.dropped,
		LastEnqueue: f.lastEnqueue,
	}
}

// Idle reports whether nothing is pending or in flight and nothing has been
// enqueued within window.
func (f *Frontier) Idle(window time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 || len(f.inflight) > 0 {
		return false
	}
	return f.clock.Now().Sub(f.lastEnqueue) >= window
}

// HostRecord returns the politeness record for host.
func (f *Frontier) HostRecord(host string) (crawler.HostRecord, bool) {
	return f.hosts.get(host)
}

// Close wakes every waiter; later calls return ErrClosed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.wake()
}

// Forget clears the frontier gauges for this session.
func (f *Frontier) Forget() {
	metrics.ForgetFrontier(f.cfg.SessionID)
}

func (f *Frontier) budgetSpent() bool {
	return f.cfg.MaxPages > 0 && f.fetched+int64(len(f.inflight)) >= int64(f.cfg.MaxPages)
}

func (f *Frontier) newHostRecord() crawler.HostRecord {
	return crawler.HostRecord{MinInterval: f.cfg.MinInterval}
}

// appendLog assigns sequence numbers and writes records before any in-memory
// change, so a failed write leaves the frontier untouched.
func (f *Frontier) appendLog(ctx context.Context, now time.Time, records ...store.LogRecord) error {
	for i := range records {
		records[i].Seq = f.nextSeq + uint64(i)
		records[i].At = now
	}
	if f.log != nil {
		if err := f.log.AppendFrontierLog(ctx, f.cfg.SessionID, records); err != nil {
			return fmt.Errorf("append frontier log: %w", err)
		}
	}
	f.nextSeq += uint64(len(records))
	f.lastSeq = f.nextSeq - 1
	f.sinceSnap += len(records)
	if f.sinceSnap >= f.cfg.SnapshotEvery {
		select {
		case f.snapshotDue <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *Frontier) insertPending(entry crawler.FrontierEntry, now time.Time) {
	q, ok := f.queues[entry.Host]
	if !ok {
		q = newHostQueue(entry.Host)
		f.queues[entry.Host] = q
	}
	it := &item{entry: entry, index: -1}
	if entry.NextEligibleAt.After(now) {
		it.delayed = true
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	f.pendingIdx[entry.URL] = it
	f.pending++
	f.place(q, now)
}

// place moves q into the ready heap, the waiting heap or neither, based on
// its host record and queued entries.
func (f *Frontier) place(q *hostQueue, now time.Time) {
	switch q.where {
	case placedReady:
		heap.Remove(&f.readyHosts, q.index)
	case placedWaiting:
		heap.Remove(&f.waiting, q.index)
	}
	q.where = placedNone

	for q.delayed.Len() > 0 && !q.delayed.peek().entry.NextEligibleAt.After(now) {
		it := heap.Pop(&q.delayed).(*item) //nolint:forcetypeassert
		it.delayed = false
		heap.Push(&q.ready, it)
	}
	if q.size() == 0 {
		delete(f.queues, q.host)
		return
	}
	rec, ok := f.hosts.get(q.host)
	if !ok {
		rec = f.newHostRecord()
	}
	if rec.Dead || rec.InFlight >= f.cfg.HostConcurrency {
		return
	}
	hostAt := rec.NextEligibleAt
	if rec.BackoffUntil.After(hostAt) {
		hostAt = rec.BackoffUntil
	}
	if q.ready.Len() > 0 {
		if !hostAt.After(now) {
			q.where = placedReady
			heap.Push(&f.readyHosts, q)
			return
		}
		q.wakeAt = hostAt
	} else {
		q.wakeAt = q.delayed.peek().entry.NextEligibleAt
		if hostAt.After(q.wakeAt) {
			q.wakeAt = hostAt
		}
	}
	q.where = placedWaiting
	heap.Push(&f.waiting, q)
}

// promote re-places waiting hosts whose timers have fired.
func (f *Frontier) promote(now time.Time) {
	for f.waiting.Len() > 0 && !f.waiting.queues[0].wakeAt.After(now) {
		q := f.waiting.queues[0]
		f.place(q, now)
	}
}

func (f *Frontier) dropHost(host string) int {
	q, ok := f.queues[host]
	if !ok {
		return 0
	}
	n := 0
	for _, h := range []*itemHeap{&q.ready, &q.delayed} {
		for _, it := range h.items {
			delete(f.pendingIdx, it.entry.URL)
			if s := f.seen.get(it.entry.URL); s != nil {
				s.state = stateDone
			}
			n++
		}
		h.items = nil
	}
	f.pending -= n
	f.dropped += int64(n)
	f.place(q, f.clock.Now())
	return n
}

func (f *Frontier) dropAllPending() {
	for host := range f.queues {
		f.dropHost(host)
	}
}

// wake releases every goroutine blocked in Pop.
func (f *Frontier) wake() {
	close(f.notify)
	f.notify = make(chan struct{})
}

func (f *Frontier) reportSize() {
	metrics.SetFrontierSize(f.cfg.SessionID, f.pending, len(f.inflight))
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
