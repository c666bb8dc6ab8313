package pipeline

import (
	"sync/atomic"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// Tally holds a session's live counters. Workers update it concurrently.
type Tally struct {
	Fetched  atomic.Int64
	Failed   atomic.Int64
	Skipped  atomic.Int64
	Queued   atomic.Int64
	Retried  atomic.Int64
	Indexed  atomic.Int64
	Rejected atomic.Int64
}

// NewTally starts from previously persisted counters.
func NewTally(base crawler.Counters) *Tally {
	t := &Tally{}
	t.Fetched.Store(base.Fetched)
	t.Failed.Store(base.Failed)
	t.Skipped.Store(base.Skipped)
	t.Queued.Store(base.Queued)
	t.Retried.Store(base.Retried)
	t.Indexed.Store(base.Indexed)
	t.Rejected.Store(base.Rejected)
	return t
}

// Snapshot copies the counters.
func (t *Tally) Snapshot() crawler.Counters {
	if t == nil {
		return crawler.Counters{}
	}
	return crawler.Counters{
		Fetched:  t.Fetched.Load(),
		Failed:   t.Failed.Load(),
		Skipped:  t.Skipped.Load(),
		Queued:   t.Queued.Load(),
		Retried:  t.Retried.Load(),
		Indexed:  t.Indexed.Load(),
		Rejected: t.Rejected.Load(),
	}
}

// CountDecision records the counter effect of a frontier enqueue.
func (t *Tally) CountDecision(accepted, skipped bool) {
	switch {
	case accepted:
		t.Queued.Add(1)
	case skipped:
		t.Skipped.Add(1)
	}
}
