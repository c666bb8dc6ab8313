// Package badger implements the embedded store backend on BadgerDB.
//
// Keys are namespaced by collection prefix and values are JSON:
//
//	doc/<id>                        documents
//	docurl/<final_url>              document id by url
//	sess/<id>                       crawl_sessions
//	flog/<session>/<seq:020d>       frontier_log
//	fsnap/<session>                 frontier_snapshots
//	host/<session>/<host>           host_records
//	robots/<host>                   robots_cache
//	lease/<name>                    leases
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

const (
	prefixDoc      = "doc/"
	prefixDocURL   = "docurl/"
	prefixSession  = "sess/"
	prefixLog      = "flog/"
	prefixSnapshot = "fsnap/"
	prefixHost     = "host/"
	prefixRobots   = "robots/"
	prefixLease    = "lease/"

	maxConflictRetries = 10
	iterateBatch       = 256
)

// Options configure the backend.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	GCInterval time.Duration
	Logger     *zap.Logger
}

// Backend is a store.Backend on an embedded Badger database.
type Backend struct {
	db     *badgerdb.DB
	logger *zap.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ store.Backend = (*Backend)(nil)

// New opens the database and starts value-log GC when configured.
func New(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger data directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", opts.Dir, err)
		}
		bopts = badgerdb.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.
		WithLogger(newZapLogger(logger.Named("badgerdb"))).
		WithNumVersionsToKeep(1)

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", errors.Join(store.ErrBackendUnavailable, err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		cancel: cancel,
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		b.wg.Add(1)
		go b.runGC(ctx, opts.GCInterval)
	}
	logger.Info("badger store opened", zap.String("dir", opts.Dir), zap.Bool("in_memory", opts.InMemory))
	return b, nil
}

// NewOpener returns a store.Opener for badger:///path and badger://memory.
func NewOpener(gcInterval time.Duration, logger *zap.Logger) store.Opener {
	return func(_ context.Context, u *url.URL) (store.Backend, error) {
		opts := Options{GCInterval: gcInterval, Logger: logger}
		if u.Host == "memory" || u.Opaque == "memory" {
			opts.InMemory = true
		} else {
			opts.Dir = u.Host + u.Path
		}
		return New(opts)
	}
}

func (b *Backend) runGC(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			for {
				// Rewrite while at least half of a value log file is reclaimable.
				if err = b.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Warn("badger value log gc failed", zap.Error(err))
			}
		}
	}
}

// update wraps db.Update with a retry loop for transaction conflicts.
func (b *Backend) update(fn func(txn *badgerdb.Txn) error) error {
	for i := range maxConflictRetries {
		err := b.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return mapErr(err)
		}
		b.logger.Debug("badger transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries: %w", maxConflictRetries, store.ErrConflict)
}

func (b *Backend) view(fn func(txn *badgerdb.Txn) error) error {
	return mapErr(b.db.View(fn))
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrMalformed),
		errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrBackendUnavailable):
		return err
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	case errors.Is(err, badgerdb.ErrConflict):
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	case errors.Is(err, badgerdb.ErrDBClosed):
		return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
	}
}

func getJSON(txn *badgerdb.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("decode %s: %w", key, errors.Join(store.ErrMalformed, err))
		}
		return nil
	})
}

func setJSON(txn *badgerdb.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, errors.Join(store.ErrMalformed, err))
	}
	return txn.Set([]byte(key), raw)
}

// scan iterates values under prefix starting after the key "after" (exclusive
// when non-empty) and stops after limit items when limit > 0.
func scan(txn *badgerdb.Txn, prefix, after string, limit int, fn func(key string, val []byte) error) (string, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if after != "" {
		seek = append([]byte(after), 0)
	}
	last := ""
	n := 0
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil))
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return last, err
		}
		last = key
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return last, nil
}

// PutDocument implements store.DocumentStore.
func (b *Backend) PutDocument(_ context.Context, doc crawler.Document) (string, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return "", fmt.Errorf("document id required: %w", store.ErrMalformed)
	}
	doc.UpdatedAt = b.now()
	err := b.update(func(txn *badgerdb.Txn) error {
		var prev crawler.Document
		switch err := getJSON(txn, prefixDoc+doc.ID, &prev); {
		case err == nil:
			if prev.FinalURL != doc.FinalURL && prev.FinalURL != "" {
				if err := txn.Delete([]byte(prefixDocURL + prev.FinalURL)); err != nil {
					return err
				}
			}
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}
		if err := setJSON(txn, prefixDoc+doc.ID, doc); err != nil {
			return err
		}
		if doc.FinalURL == "" {
			return nil
		}
		return txn.Set([]byte(prefixDocURL+doc.FinalURL), []byte(doc.ID))
	})
	if err != nil {
		return "", fmt.Errorf("put document %s: %w", doc.ID, err)
	}
	return doc.ID, nil
}

// GetDocument implements store.DocumentStore.
func (b *Backend) GetDocument(_ context.Context, id string) (crawler.Document, error) {
	var doc crawler.Document
	if err := b.view(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixDoc+id, &doc)
	}); err != nil {
		return crawler.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetDocumentByURL implements store.DocumentStore.
func (b *Backend) GetDocumentByURL(_ context.Context, rawURL string) (crawler.Document, error) {
	var doc crawler.Document
	err := b.view(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(prefixDocURL + rawURL))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, prefixDoc+string(id), &doc)
	})
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document by url %s: %w", rawURL, err)
	}
	return doc, nil
}

// DeleteDocument implements store.DocumentStore.
func (b *Backend) DeleteDocument(_ context.Context, id string) (bool, error) {
	deleted := false
	err := b.update(func(txn *badgerdb.Txn) error {
		deleted = false
		var doc crawler.Document
		if err := getJSON(txn, prefixDoc+id, &doc); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete([]byte(prefixDoc + id)); err != nil {
			return err
		}
		if doc.FinalURL != "" {
			if err := txn.Delete([]byte(prefixDocURL + doc.FinalURL)); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	return deleted, nil
}

// IterateUnindexed implements store.DocumentStore. Documents are read in
// batches so fn runs outside any read transaction.
func (b *Backend) IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iterate unindexed: %w", err)
		}
		var batch []crawler.Document
		var last string
		err := b.view(func(txn *badgerdb.Txn) error {
			var err error
			last, err = scan(txn, prefixDoc, after, iterateBatch, func(key string, val []byte) error {
				var doc crawler.Document
				if err := json.Unmarshal(val, &doc); err != nil {
					b.logger.Warn("skipping malformed document", zap.String("key", key), zap.Error(err))
					return nil
				}
				if doc.IndexedAt == nil && doc.Indexable() {
					batch = append(batch, doc)
				}
				return nil
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("iterate unindexed: %w", err)
		}
		for _, doc := range batch {
			if err := fn(doc); err != nil {
				return err
			}
		}
		if last == "" {
			return nil
		}
		after = last
	}
}

// MarkIndexed implements store.DocumentStore.
func (b *Backend) MarkIndexed(_ context.Context, id string, at time.Time) error {
	err := b.update(func(txn *badgerdb.Txn) error {
		var doc crawler.Document
		if err := getJSON(txn, prefixDoc+id, &doc); err != nil {
			return err
		}
		ts := at.UTC()
		doc.IndexedAt = &ts
		return setJSON(txn, prefixDoc+id, doc)
	})
	if err != nil {
		return fmt.Errorf("mark indexed %s: %w", id, err)
	}
	return nil
}

// ListDocumentIDs implements store.DocumentStore.
func (b *Backend) ListDocumentIDs(ctx context.Context, fn func(string) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("list document ids: %w", err)
		}
		var ids []string
		var last string
		err := b.view(func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefixDoc)
			it := txn.NewIterator(opts)
			defer it.Close()
			seek := []byte(prefixDoc)
			if after != "" {
				seek = append([]byte(after), 0)
			}
			for it.Seek(seek); it.ValidForPrefix(opts.Prefix) && len(ids) < iterateBatch; it.Next() {
				last = string(it.Item().KeyCopy(nil))
				ids = append(ids, strings.TrimPrefix(last, prefixDoc))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("list document ids: %w", err)
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
		if last == "" {
			return nil
		}
		after = last
	}
}

// PutSession implements store.SessionStore.
func (b *Backend) PutSession(_ context.Context, session crawler.CrawlSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id required: %w", store.ErrMalformed)
	}
	session.UpdatedAt = b.now()
	if err := b.update(func(txn *badgerdb.Txn) error {
		return setJSON(txn, prefixSession+session.ID, session)
	}); err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession implements store.SessionStore.
func (b *Backend) GetSession(_ context.Context, id string) (crawler.CrawlSession, error) {
	var session crawler.CrawlSession
	if err := b.view(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixSession+id, &session)
	}); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// ListSessions implements store.SessionStore.
func (b *Backend) ListSessions(_ context.Context, status *crawler.SessionStatus) ([]crawler.CrawlSession, error) {
	var out []crawler.CrawlSession
	err := b.view(func(txn *badgerdb.Txn) error {
		_, err := scan(txn, prefixSession, "", 0, func(key string, val []byte) error {
			var s crawler.CrawlSession
			if err := json.Unmarshal(val, &s); err != nil {
				return fmt.Errorf("decode %s: %w", key, errors.Join(store.ErrMalformed, err))
			}
			if status == nil || s.Status == *status {
				out = append(out, s)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func logKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", prefixLog, sessionID, seq)
}

// AppendFrontierLog implements store.FrontierStore. Records are written in
// one synced transaction.
func (b *Backend) AppendFrontierLog(_ context.Context, sessionID string, records []store.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := b.update(func(txn *badgerdb.Txn) error {
		for _, rec := range records {
			if err := setJSON(txn, logKey(sessionID, rec.Seq), rec); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("append frontier log %s: %w", sessionID, err)
	}
	return nil
}

// ReadFrontierLog implements store.FrontierStore.
func (b *Backend) ReadFrontierLog(_ context.Context, sessionID string, afterSeq uint64) ([]store.LogRecord, error) {
	var out []store.LogRecord
	prefix := prefixLog + sessionID + "/"
	after := ""
	if afterSeq > 0 {
		after = logKey(sessionID, afterSeq)
	}
	err := b.view(func(txn *badgerdb.Txn) error {
		_, err := scan(txn, prefix, after, 0, func(key string, val []byte) error {
			var rec store.LogRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, errors.Join(store.ErrMalformed, err))
			}
			out = append(out, rec)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read frontier log %s: %w", sessionID, err)
	}
	return out, nil
}

// TruncateFrontierLog implements store.FrontierStore.
func (b *Backend) TruncateFrontierLog(_ context.Context, sessionID string, uptoSeq uint64) error {
	prefix := []byte(prefixLog + sessionID + "/")
	upto := []byte(logKey(sessionID, uptoSeq))
	var keys [][]byte
	err := b.view(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, upto) > 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("truncate frontier log %s: %w", sessionID, err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("truncate frontier log %s: %w", sessionID, mapErr(err))
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("truncate frontier log %s: %w", sessionID, mapErr(err))
	}
	return nil
}

// PutFrontierSnapshot implements store.FrontierStore.
func (b *Backend) PutFrontierSnapshot(_ context.Context, snap store.Snapshot) error {
	if err := b.update(func(txn *badgerdb.Txn) error {
		return setJSON(txn, prefixSnapshot+snap.SessionID, snap)
	}); err != nil {
		return fmt.Errorf("put frontier snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// GetFrontierSnapshot implements store.FrontierStore.
func (b *Backend) GetFrontierSnapshot(_ context.Context, sessionID string) (store.Snapshot, error) {
	var snap store.Snapshot
	if err := b.view(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixSnapshot+sessionID, &snap)
	}); err != nil {
		return store.Snapshot{}, fmt.Errorf("get frontier snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

// PutHostRecords implements store.FrontierStore.
func (b *Backend) PutHostRecords(_ context.Context, sessionID string, hosts []crawler.HostRecord) error {
	if err := b.update(func(txn *badgerdb.Txn) error {
		for _, h := range hosts {
			if err := setJSON(txn, prefixHost+sessionID+"/"+h.Host, h); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("put host records %s: %w", sessionID, err)
	}
	return nil
}

// ListHostRecords implements store.FrontierStore.
func (b *Backend) ListHostRecords(_ context.Context, sessionID string) ([]crawler.HostRecord, error) {
	out := []crawler.HostRecord{}
	err := b.view(func(txn *badgerdb.Txn) error {
		_, err := scan(txn, prefixHost+sessionID+"/", "", 0, func(key string, val []byte) error {
			var h crawler.HostRecord
			if err := json.Unmarshal(val, &h); err != nil {
				return fmt.Errorf("decode %s: %w", key, errors.Join(store.ErrMalformed, err))
			}
			out = append(out, h)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list host records %s: %w", sessionID, err)
	}
	return out, nil
}

// PutRobots implements store.RobotsStore. Entries carry a badger TTL so
// stale hosts age out on their own.
func (b *Backend) PutRobots(_ context.Context, rec store.RobotsRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode robots %s: %w", rec.Host, errors.Join(store.ErrMalformed, err))
	}
	if err := b.update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry([]byte(prefixRobots+rec.Host), raw)
		if ttl := rec.ExpiresAt.Sub(b.now()); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("put robots %s: %w", rec.Host, err)
	}
	return nil
}

// GetRobots implements store.RobotsStore.
func (b *Backend) GetRobots(_ context.Context, host string) (store.RobotsRecord, error) {
	var rec store.RobotsRecord
	if err := b.view(func(txn *badgerdb.Txn) error {
		return getJSON(txn, prefixRobots+host, &rec)
	}); err != nil {
		return store.RobotsRecord{}, fmt.Errorf("get robots %s: %w", host, err)
	}
	return rec, nil
}

// AcquireLease implements store.LeaseStore.
func (b *Backend) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	granted := false
	err := b.update(func(txn *badgerdb.Txn) error {
		granted = false
		now := b.now()
		var cur store.Lease
		switch err := getJSON(txn, prefixLease+name, &cur); {
		case err == nil:
			if cur.Owner != owner && now.Before(cur.ExpiresAt) {
				return nil
			}
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}
		if err := setJSON(txn, prefixLease+name, store.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return granted, nil
}

// ReleaseLease implements store.LeaseStore.
func (b *Backend) ReleaseLease(_ context.Context, name, owner string) error {
	err := b.update(func(txn *badgerdb.Txn) error {
		var cur store.Lease
		if err := getJSON(txn, prefixLease+name, &cur); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if cur.Owner != owner {
			return nil
		}
		return txn.Delete([]byte(prefixLease + name))
	})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Ping implements store.Backend.
func (b *Backend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return fmt.Errorf("badger closed: %w", store.ErrBackendUnavailable)
	}
	return nil
}

// Close stops GC and closes the database.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	if b.db.IsClosed() {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}
