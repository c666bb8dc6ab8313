package memory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Backend is an in-process store.Backend used by tests and memory:// URIs.
type Backend struct {
	mu        sync.RWMutex
	docs      map[string]crawler.Document
	docByURL  map[string]string
	sessions  map[string]crawler.CrawlSession
	logs      map[string][]store.LogRecord
	snapshots map[string]store.Snapshot
	hosts     map[string]map[string]crawler.HostRecord
	robots    map[string]store.RobotsRecord
	leases    map[string]store.Lease
	now       func() time.Time
	closed    bool
}

var _ store.Backend = (*Backend)(nil)

// NewBackend constructs an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		docs:      make(map[string]crawler.Document),
		docByURL:  make(map[string]string),
		sessions:  make(map[string]crawler.CrawlSession),
		logs:      make(map[string][]store.LogRecord),
		snapshots: make(map[string]store.Snapshot),
		hosts:     make(map[string]map[string]crawler.HostRecord),
		robots:    make(map[string]store.RobotsRecord),
		leases:    make(map[string]store.Lease),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open satisfies store.Opener for memory:// URIs.
func Open(_ context.Context, _ *url.URL) (store.Backend, error) {
	return NewBackend(), nil
}

func (b *Backend) check() error {
	if b.closed {
		return fmt.Errorf("memory backend closed: %w", store.ErrBackendUnavailable)
	}
	return nil
}

// PutDocument implements store.DocumentStore.
func (b *Backend) PutDocument(_ context.Context, doc crawler.Document) (string, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return "", fmt.Errorf("document id required: %w", store.ErrMalformed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return "", err
	}
	if prev, ok := b.docs[doc.ID]; ok && prev.FinalURL != doc.FinalURL {
		delete(b.docByURL, prev.FinalURL)
	}
	doc.UpdatedAt = b.now()
	b.docs[doc.ID] = cloneDocument(doc)
	if doc.FinalURL != "" {
		b.docByURL[doc.FinalURL] = doc.ID
	}
	return doc.ID, nil
}

// GetDocument implements store.DocumentStore.
func (b *Backend) GetDocument(_ context.Context, id string) (crawler.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return crawler.Document{}, err
	}
	doc, ok := b.docs[id]
	if !ok {
		return crawler.Document{}, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return cloneDocument(doc), nil
}

// GetDocumentByURL implements store.DocumentStore.
func (b *Backend) GetDocumentByURL(ctx context.Context, rawURL string) (crawler.Document, error) {
	b.mu.RLock()
	id, ok := b.docByURL[rawURL]
	b.mu.RUnlock()
	if !ok {
		return crawler.Document{}, fmt.Errorf("document for %s: %w", rawURL, store.ErrNotFound)
	}
	return b.GetDocument(ctx, id)
}

// DeleteDocument implements store.DocumentStore.
func (b *Backend) DeleteDocument(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}
	doc, ok := b.docs[id]
	if !ok {
		return false, nil
	}
	delete(b.docs, id)
	if b.docByURL[doc.FinalURL] == id {
		delete(b.docByURL, doc.FinalURL)
	}
	return true, nil
}

// IterateUnindexed implements store.DocumentStore. Documents are visited in
// id order from a point-in-time copy, so fn may write back to the backend.
func (b *Backend) IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error {
	b.mu.RLock()
	if err := b.check(); err != nil {
		b.mu.RUnlock()
		return err
	}
	var pending []crawler.Document
	for _, doc := range b.docs {
		if doc.IndexedAt == nil && doc.Indexable() {
			pending = append(pending, cloneDocument(doc))
		}
	}
	b.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	for _, doc := range pending {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate unindexed: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// MarkIndexed implements store.DocumentStore.
func (b *Backend) MarkIndexed(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	doc, ok := b.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	ts := at.UTC()
	doc.IndexedAt = &ts
	b.docs[id] = doc
	return nil
}

// ListDocumentIDs implements store.DocumentStore.
func (b *Backend) ListDocumentIDs(ctx context.Context, fn func(string) error) error {
	b.mu.RLock()
	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("list document ids: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// PutSession implements store.SessionStore.
func (b *Backend) PutSession(_ context.Context, session crawler.CrawlSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id required: %w", store.ErrMalformed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	session.UpdatedAt = b.now()
	session.SeedURLs = append([]string(nil), session.SeedURLs...)
	b.sessions[session.ID] = session
	return nil
}

// GetSession implements store.SessionStore.
func (b *Backend) GetSession(_ context.Context, id string) (crawler.CrawlSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return crawler.CrawlSession{}, err
	}
	session, ok := b.sessions[id]
	if !ok {
		return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return session, nil
}

// ListSessions implements store.SessionStore.
func (b *Backend) ListSessions(_ context.Context, status *crawler.SessionStatus) ([]crawler.CrawlSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []crawler.CrawlSession
	for _, s := range b.sessions {
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendFrontierLog implements store.FrontierStore.
func (b *Backend) AppendFrontierLog(_ context.Context, sessionID string, records []store.LogRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Entry != nil {
			entry := *rec.Entry
			rec.Entry = &entry
		}
		b.logs[sessionID] = append(b.logs[sessionID], rec)
	}
	return nil
}

// ReadFrontierLog implements store.FrontierStore.
func (b *Backend) ReadFrontierLog(_ context.Context, sessionID string, afterSeq uint64) ([]store.LogRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	var out []store.LogRecord
	for _, rec := range b.logs[sessionID] {
		if rec.Seq > afterSeq {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// TruncateFrontierLog implements store.FrontierStore.
func (b *Backend) TruncateFrontierLog(_ context.Context, sessionID string, uptoSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	kept := b.logs[sessionID][:0]
	for _, rec := range b.logs[sessionID] {
		if rec.Seq > uptoSeq {
			kept = append(kept, rec)
		}
	}
	b.logs[sessionID] = kept
	return nil
}

// PutFrontierSnapshot implements store.FrontierStore.
func (b *Backend) PutFrontierSnapshot(_ context.Context, snap store.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	snap.Pending = append([]crawler.FrontierEntry(nil), snap.Pending...)
	snap.InFlight = append([]crawler.FrontierEntry(nil), snap.InFlight...)
	snap.Seen = append([]store.SeenRecord(nil), snap.Seen...)
	snap.Hosts = append([]crawler.HostRecord(nil), snap.Hosts...)
	b.snapshots[snap.SessionID] = snap
	return nil
}

// GetFrontierSnapshot implements store.FrontierStore.
func (b *Backend) GetFrontierSnapshot(_ context.Context, sessionID string) (store.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return store.Snapshot{}, err
	}
	snap, ok := b.snapshots[sessionID]
	if !ok {
		return store.Snapshot{}, fmt.Errorf("snapshot %s: %w", sessionID, store.ErrNotFound)
	}
	return snap, nil
}

// PutHostRecords implements store.FrontierStore.
func (b *Backend) PutHostRecords(_ context.Context, sessionID string, hosts []crawler.HostRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	m := b.hosts[sessionID]
	if m == nil {
		m = make(map[string]crawler.HostRecord)
		b.hosts[sessionID] = m
	}
	for _, h := range hosts {
		m[h.Host] = h
	}
	return nil
}

// ListHostRecords implements store.FrontierStore.
func (b *Backend) ListHostRecords(_ context.Context, sessionID string) ([]crawler.HostRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]crawler.HostRecord, 0, len(b.hosts[sessionID]))
	for _, h := range b.hosts[sessionID] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

// PutRobots implements store.RobotsStore.
func (b *Backend) PutRobots(_ context.Context, rec store.RobotsRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	rec.Body = append([]byte(nil), rec.Body...)
	b.robots[rec.Host] = rec
	return nil
}

// GetRobots implements store.RobotsStore.
func (b *Backend) GetRobots(_ context.Context, host string) (store.RobotsRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return store.RobotsRecord{}, err
	}
	rec, ok := b.robots[host]
	if !ok {
		return store.RobotsRecord{}, fmt.Errorf("robots %s: %w", host, store.ErrNotFound)
	}
	return rec, nil
}

// AcquireLease implements store.LeaseStore.
func (b *Backend) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}
	now := b.now()
	if cur, ok := b.leases[name]; ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return false, nil
	}
	b.leases[name] = store.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease implements store.LeaseStore.
func (b *Backend) ReleaseLease(_ context.Context, name, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if cur, ok := b.leases[name]; ok && cur.Owner == owner {
		delete(b.leases, name)
	}
	return nil
}

// Ping implements store.Backend.
func (b *Backend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.check()
}

// Close implements store.Backend. Later calls fail with ErrBackendUnavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func cloneDocument(doc crawler.Document) crawler.Document {
	doc.Outlinks = append([]string(nil), doc.Outlinks...)
	if doc.IndexedAt != nil {
		ts := *doc.IndexedAt
		doc.IndexedAt = &ts
	}
	return doc
}
