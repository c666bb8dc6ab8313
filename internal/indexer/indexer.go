// Package indexer keeps the in-memory search index in step with the
// document store: push indexing after each store write, a lease-guarded
// resync loop for anything the push missed, an orphan sweep, and full
// rebuilds at startup.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/index"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Defaults for Config.
const (
	DefaultResyncInterval = 30 * time.Second
	DefaultLeaseTTL       = 2 * time.Minute
	DefaultLeaseName      = "indexer-resync"
	DefaultBatchSize      = 256
)

var errBatchFull = errors.New("batch full")

// Index is the mutation side of the index store.
type Index interface {
	Put(entry index.Entry) error
	Delete(id string) bool
	IDs() []string
	Len() int
	Clear()
	SetReady(ready bool)
	Analyzer() *index.Analyzer
}

// Store is what the indexer needs from the backend.
type Store interface {
	GetDocument(ctx context.Context, id string) (crawler.Document, error)
	IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	ListDocumentIDs(ctx context.Context, fn func(id string) error) error
	store.LeaseStore
}

// Config tunes the resync loop.
type Config struct {
	ResyncInterval time.Duration
	LeaseTTL       time.Duration
	LeaseName      string
	// Owner identifies this process as lease holder. Defaults to host-pid.
	Owner     string
	BatchSize int
}

// Report summarizes one resync cycle.
type Report struct {
	Indexed int
	Failed  int
	Orphans int
	// Skipped is true when another process held the lease.
	Skipped bool
}

// Indexer is safe for concurrent use.
type Indexer struct {
	cfg    Config
	store  Store
	index  Index
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds an Indexer.
func New(cfg Config, st Store, idx Index, clock crawler.Clock, logger *zap.Logger) *Indexer {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultLeaseName
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{cfg: cfg, store: st, index: idx, clock: clock, logger: logger}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "searchcore"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Entry builds the index entry for doc. The parser's language hint wins;
// otherwise the analyzer guesses from the text.
func (i *Indexer) Entry(doc crawler.Document) index.Entry {
	lang := strings.ToLower(strings.TrimSpace(doc.Language))
	if lang == "" || lang == index.Undetermined {
		lang = i.index.Analyzer().DetectLanguage(doc.Title + "\n" + doc.MetaDescription + "\n" + doc.TextContent)
	}
	url := doc.FinalURL
	if url == "" {
		url = doc.URL
	}
	fetched := doc.FetchTime
	if fetched.IsZero() {
		fetched = doc.UpdatedAt
	}
	return index.Entry{
		DocID:       doc.ID,
		URL:         url,
		Title:       doc.Title,
		Description: doc.MetaDescription,
		Content:     doc.TextContent,
		Domain:      crawler.DomainOf(url),
		Language:    lang,
		IndexedAt:   i.clock.Now(),
		FetchedAt:   fetched,
	}
}

// Index writes doc to the index and marks it indexed in the store.
// Documents that are not indexable are ignored.
func (i *Indexer) Index(ctx context.Context, doc crawler.Document) error {
	return i.index1(ctx, doc, "push")
}

func (i *Indexer) index1(ctx context.Context, doc crawler.Document, source string) error {
	if !doc.Indexable() {
		return nil
	}
	entry := i.Entry(doc)
	if err := i.index.Put(entry); err != nil {
		return fmt.Errorf("index %s: %w", doc.ID, err)
	}
	if err := i.store.MarkIndexed(ctx, doc.ID, entry.IndexedAt); err != nil {
		return fmt.Errorf("mark %s indexed: %w", doc.ID, err)
	}
	metrics.ObserveIndexed(source)
	metrics.SetIndexDocuments(i.index.Len())
	return nil
}

// Run resyncs every ResyncInterval until ctx ends.
func (i *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := i.Resync(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				i.logger.Warn("index resync failed", zap.Error(err))
				continue
			}
			if report.Indexed > 0 || report.Orphans > 0 || report.Failed > 0 {
				i.logger.Info("index resync",
					zap.Int("indexed", report.Indexed),
					zap.Int("failed", report.Failed),
					zap.Int("orphans", report.Orphans))
			}
		}
	}
}

// Resync runs one cycle under the lease: index every unindexed document,
// then sweep orphans. The lease is released when the cycle ends; a crashed
// holder's lease lapses after LeaseTTL.
func (i *Indexer) Resync(ctx context.Context) (Report, error) {
	ok, err := i.store.AcquireLease(ctx, i.cfg.LeaseName, i.cfg.Owner, i.cfg.LeaseTTL)
	if err != nil {
		return Report{}, fmt.Errorf("acquire %s lease: %w", i.cfg.LeaseName, err)
	}
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer func() {
		if err := i.store.ReleaseLease(context.WithoutCancel(ctx), i.cfg.LeaseName, i.cfg.Owner); err != nil {
			i.logger.Warn("release resync lease", zap.Error(err))
		}
	}()

	var report Report
	report.Indexed, report.Failed, err = i.catchUp(ctx)
	if err != nil {
		return report, err
	}
	report.Orphans, err = i.Sweep(ctx)
	return report, err
}

// catchUp indexes unindexed documents batch by batch. Each batch is read
// before any document in it is marked, so backends never see writes inside
// their own iteration.
func (i *Indexer) catchUp(ctx context.Context) (indexed, failed int, err error) {
	failedIDs := make(map[string]struct{})
	for {
		batch := make([]crawler.Document, 0, i.cfg.BatchSize)
		err := i.store.IterateUnindexed(ctx, func(doc crawler.Document) error {
			if _, bad := failedIDs[doc.ID]; bad {
				return nil
			}
			batch = append(batch, doc)
			if len(batch) >= i.cfg.BatchSize {
				return errBatchFull
			}
			return nil
		})
		if err != nil && !errors.Is(err, errBatchFull) {
			return indexed, failed, fmt.Errorf("scan unindexed: %w", err)
		}
		for _, doc := range batch {
			if err := i.index1(ctx, doc, "resync"); err != nil {
				if errors.Is(err, store.ErrBackendUnavailable) {
					return indexed, failed, err
				}
				i.logger.Warn("resync index failed", zap.String("doc_id", doc.ID), zap.Error(err))
				failedIDs[doc.ID] = struct{}{}
				failed++
				continue
			}
			indexed++
		}
		if len(batch) < i.cfg.BatchSize {
			return indexed, failed, nil
		}
	}
}

// Sweep deletes index entries whose document no longer exists. Index ids
// are read before store ids so entries added during the sweep are never
// taken for orphans.
func (i *Indexer) Sweep(ctx context.Context) (int, error) {
	indexed := i.index.IDs()
	if len(indexed) == 0 {
		return 0, nil
	}
	live := make(map[string]struct{}, len(indexed))
	if err := i.store.ListDocumentIDs(ctx, func(id string) error {
		live[id] = struct{}{}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("list document ids: %w", err)
	}
	removed := 0
	for _, id := range indexed {
		if _, ok := live[id]; ok {
			continue
		}
		if i.index.Delete(id) {
			removed++
		}
	}
	if removed > 0 {
		metrics.SetIndexDocuments(i.index.Len())
	}
	return removed, nil
}

// Rebuild clears the index and indexes every indexable document in the
// store. Queries report not-ready until it finishes.
func (i *Indexer) Rebuild(ctx context.Context) (int, error) {
	i.index.SetReady(false)
	defer i.index.SetReady(true)
	i.index.Clear()

	var ids []string
	if err := i.store.ListDocumentIDs(ctx, func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("list document ids: %w", err)
	}

	n := 0
	for _, id := range ids {
		doc, err := i.store.GetDocument(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("load %s: %w", id, err)
		}
		if !doc.Indexable() {
			continue
		}
		if err := i.index1(ctx, doc, "rebuild"); err != nil {
			return n, err
		}
		n++
	}
	metrics.SetIndexDocuments(i.index.Len())
	i.logger.Info("index rebuilt", zap.Int("documents", n))
	return n, nil
}
