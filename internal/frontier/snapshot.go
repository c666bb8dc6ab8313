package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Snapshot persists the full frontier state and truncates the log up to the
// last record it covers.
func (f *Frontier) Snapshot(ctx context.Context) error {
	if f.log == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := store.Snapshot{
		SessionID: f.cfg.SessionID,
		LastSeq:   f.lastSeq,
		Fetched:   f.fetched,
		NextSeq:   f.nextSeq,
		TakenAt:   f.clock.Now(),
		Hosts:     f.hosts.all(),
	}
	for _, it := range f.pendingIdx {
		snap.Pending = append(snap.Pending, it.entry)
	}
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Seq < snap.Pending[j].Seq })
	for _, e := range f.inflight {
		snap.InFlight = append(snap.InFlight, *e)
	}
	sort.Slice(snap.InFlight, func(i, j int) bool { return snap.InFlight[i].Seq < snap.InFlight[j].Seq })
	for url, s := range f.seen.entries {
		snap.Seen = append(snap.Seen, store.SeenRecord{URL: url, Depth: s.depth, Done: s.state == stateDone})
	}
	sort.Slice(snap.Seen, func(i, j int) bool { return snap.Seen[i].URL < snap.Seen[j].URL })

	if err := f.log.PutFrontierSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("put frontier snapshot: %w", err)
	}
	if err := f.log.PutHostRecords(ctx, f.cfg.SessionID, snap.Hosts); err != nil {
		return fmt.Errorf("put host records: %w", err)
	}
	if snap.LastSeq > 0 {
		if err := f.log.TruncateFrontierLog(ctx, f.cfg.SessionID, snap.LastSeq); err != nil {
			return fmt.Errorf("truncate frontier log: %w", err)
		}
	}
	f.sinceSnap = 0
	f.logger.Debug("frontier snapshot written",
		zap.Uint64("last_seq", snap.LastSeq),
		zap.Int("pending", len(snap.Pending)),
		zap.Int("in_flight", len(snap.InFlight)))
	return nil
}

// Restore rebuilds a frontier from the latest snapshot plus every log record
// written after it. Entries that were in flight go back to pending.
func Restore(ctx context.Context, cfg Config, st store.FrontierStore, clock crawler.Clock, logger *zap.Logger) (*Frontier, error) {
	f := New(cfg, st, clock, logger)
	now := clock.Now()

	snap, err := st.GetFrontierSnapshot(ctx, f.cfg.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load frontier snapshot: %w", err)
	default:
		f.loadSnapshot(snap, now)
	}

	records, err := st.ReadFrontierLog(ctx, f.cfg.SessionID, f.lastSeq)
	if err != nil {
		return nil, fmt.Errorf("read frontier log: %w", err)
	}
	prev := f.lastSeq
	for _, rec := range records {
		if rec.Seq <= prev {
			return nil, fmt.Errorf("%w: seq %d after %d", ErrCorrupt, rec.Seq, prev)
		}
		if err := f.replay(rec, now); err != nil {
			return nil, err
		}
		prev = rec.Seq
	}
	if prev >= f.nextSeq {
		f.nextSeq = prev + 1
	}
	f.lastSeq = f.nextSeq - 1

	f.requeueInFlight(now)
	f.reportSize()
	f.logger.Info("frontier restored",
		zap.Int("replayed", len(records)),
		zap.Int("pending", f.pending),
		zap.Int64("fetched", f.fetched))
	return f, nil
}

func (f *Frontier) loadSnapshot(snap store.Snapshot, now time.Time) {
	for _, h := range snap.Hosts {
		h.InFlight = 0
		f.hosts.put(h)
	}
	for _, s := range snap.Seen {
		state := statePending
		if s.Done {
			state = stateDone
		}
		f.seen.add(s.URL, s.Depth, state)
	}
	for _, e := range snap.Pending {
		f.insertPending(e, now)
	}
	for _, e := range snap.InFlight {
		entry := e
		f.inflight[entry.URL] = &entry
		if s := f.seen.get(entry.URL); s != nil {
			s.state = stateInFlight
		}
	}
	f.fetched = snap.Fetched
	f.lastSeq = snap.LastSeq
	f.nextSeq = max(snap.NextSeq, snap.LastSeq+1)
}

// replay applies one log record. Every record must refer to state that the
// snapshot or earlier records created.
func (f *Frontier) replay(rec store.LogRecord, now time.Time) error {
	corrupt := func(reason string) error {
		return fmt.Errorf("%w: seq %d %s %s: %s", ErrCorrupt, rec.Seq, rec.Op, rec.URL, reason)
	}
	switch rec.Op {
	case store.OpEnqueue:
		if rec.Entry == nil {
			return corrupt("missing entry")
		}
		if f.seen.get(rec.Entry.URL) != nil {
			return corrupt("url already seen")
		}
		f.insertPending(*rec.Entry, now)
		f.seen.add(rec.Entry.URL, rec.Entry.Depth, statePending)
		f.lastEnqueue = rec.At
	case store.OpUpdate:
		if rec.Entry == nil {
			return corrupt("missing entry")
		}
		it, ok := f.pendingIdx[rec.URL]
		if !ok {
			return corrupt("url not pending")
		}
		f.applyUpdate(it, *rec.Entry, now)
		if s := f.seen.get(rec.URL); s != nil {
			s.depth = rec.Entry.Depth
		}
	case store.OpPop:
		it, ok := f.pendingIdx[rec.URL]
		if !ok {
			return corrupt("url not pending")
		}
		f.removePending(it, now)
		entry := it.entry
		f.inflight[rec.URL] = &entry
		if s := f.seen.get(rec.URL); s != nil {
			s.state = stateInFlight
		}
	case store.OpRelease:
		if _, ok := f.inflight[rec.URL]; !ok {
			return corrupt("url not in flight")
		}
		delete(f.inflight, rec.URL)
		f.fetched++
		if s := f.seen.get(rec.URL); s != nil {
			s.state = stateDone
		}
	case store.OpRequeue:
		if rec.Entry == nil {
			return corrupt("missing entry")
		}
		if _, ok := f.inflight[rec.URL]; !ok {
			return corrupt("url not in flight")
		}
		delete(f.inflight, rec.URL)
		f.insertPending(*rec.Entry, now)
		if s := f.seen.get(rec.URL); s != nil {
			s.state = statePending
		}
	case store.OpDropHost:
		f.hosts.update(rec.Host, f.newHostRecord(), func(h *crawler.HostRecord) { h.Dead = true })
		f.dropHost(rec.Host)
	default:
		return corrupt("unknown op")
	}
	return nil
}

func (f *Frontier) removePending(it *item, now time.Time) {
	q := f.queues[it.entry.Host]
	if it.delayed {
		heap.Remove(&q.delayed, it.index)
	} else {
		heap.Remove(&q.ready, it.index)
	}
	delete(f.pendingIdx, it.entry.URL)
	f.pending--
	f.place(q, now)
}

// requeueInFlight moves entries popped by a previous process back to
// pending; their fetches never released.
func (f *Frontier) requeueInFlight(now time.Time) {
	urls := make([]string, 0, len(f.inflight))
	for url := range f.inflight {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		f.insertPending(*f.inflight[url], now)
		delete(f.inflight, url)
		if s := f.seen.get(url); s != nil {
			s.state = statePending
		}
	}
}
