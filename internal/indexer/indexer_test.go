package indexer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/index"
	"github.com/JakeFAU/searchcore/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func page(id, title, text string) crawler.Document {
	return crawler.Document{
		CrawlResult: crawler.CrawlResult{
			URL:         "https://www.example.test/" + id,
			FinalURL:    "https://www.example.test/" + id,
			StatusCode:  200,
			ContentType: "text/html; charset=utf-8",
			Title:       title,
			TextContent: text,
			FetchTime:   testNow.Add(-time.Hour),
			Success:     true,
		},
		ID:   id,
		Kind: crawler.KindPage,
	}
}

func newIndexer(t *testing.T) (*Indexer, *memory.Backend, *index.Index) {
	t.Helper()
	backend := memory.NewBackend()
	idx := index.New("page-content", index.NewAnalyzer(index.AnalyzerConfig{}))
	ix := New(Config{Owner: "test", BatchSize: 2}, backend, idx, fixedClock{testNow}, zap.NewNop())
	return ix, backend, idx
}

func put(t *testing.T, backend *memory.Backend, docs ...crawler.Document) {
	t.Helper()
	for _, d := range docs {
		_, err := backend.PutDocument(context.Background(), d)
		require.NoError(t, err)
	}
}

func TestIndexMarksDocument(t *testing.T) {
	t.Parallel()

	ix, backend, idx := newIndexer(t)
	doc := page("d1", "Gardening", "the roses and the tulips are in the garden")
	put(t, backend, doc)

	require.NoError(t, ix.Index(context.Background(), doc))
	entry, ok := idx.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "www.example.test", entry.Domain)
	assert.Equal(t, "en", entry.Language)
	assert.Equal(t, testNow, entry.IndexedAt)

	stored, err := backend.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, stored.IndexedAt)
	assert.True(t, stored.IndexedAt.Equal(testNow))
}

func TestIndexSkipsFailedDocuments(t *testing.T) {
	t.Parallel()

	ix, backend, idx := newIndexer(t)
	failed := page("bad", "", "")
	failed.Success = false
	image := page("img", "", "")
	image.ContentType = "image/png"
	put(t, backend, failed, image)

	require.NoError(t, ix.Index(context.Background(), failed))
	require.NoError(t, ix.Index(context.Background(), image))
	assert.Zero(t, idx.Len())
}

func TestEntryLanguage(t *testing.T) {
	t.Parallel()

	ix, _, _ := newIndexer(t)
	tests := []struct {
		name string
		lang string
		text string
		want string
	}{
		{"hint wins", "DE", "the cat and the dog and the bird", "de"},
		{"detected english", "", "the cat and the dog and the bird", "en"},
		{"detected french", "", "le chat et le chien dans la maison avec les oiseaux", "fr"},
		{"undetermined", "", "xyzzy plugh", index.Undetermined},
		{"und hint falls back", "und", "the cat and the dog and the bird", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := page("x", "", tt.text)
			doc.Language = tt.lang
			assert.Equal(t, tt.want, ix.Entry(doc).Language)
		})
	}
}

func TestResyncIndexesInBatchesAndSweeps(t *testing.T) {
	t.Parallel()

	ix, backend, idx := newIndexer(t)
	for n := range 5 {
		put(t, backend, page(fmt.Sprintf("d%d", n), "title", "some words here"))
	}
	require.NoError(t, idx.Put(index.Entry{DocID: "ghost", URL: "https://gone.test/", Title: "ghost"}))

	report, err := ix.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Indexed: 5, Orphans: 1}, report)
	assert.Equal(t, 5, idx.Len())
	_, ok := idx.Get("ghost")
	assert.False(t, ok)

	var unindexed int
	require.NoError(t, backend.IterateUnindexed(context.Background(), func(crawler.Document) error {
		unindexed++
		return nil
	}))
	assert.Zero(t, unindexed)

	again, err := ix.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, again)
}

func TestResyncRespectsLease(t *testing.T) {
	t.Parallel()

	ix, backend, idx := newIndexer(t)
	put(t, backend, page("d1", "title", "words"))
	ok, err := backend.AcquireLease(context.Background(), DefaultLeaseName, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := ix.Resync(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, idx.Len())

	require.NoError(t, backend.ReleaseLease(context.Background(), DefaultLeaseName, "other-process"))
	report, err = ix.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)

	ok, err = backend.AcquireLease(context.Background(), DefaultLeaseName, "other-process", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease is released after a cycle")
}

func TestRebuild(t *testing.T) {
	t.Parallel()

	ix, backend, idx := newIndexer(t)
	failed := page("bad", "", "")
	failed.Success = false
	put(t, backend, page("d1", "one", "alpha"), page("d2", "two", "beta"), failed)
	require.NoError(t, idx.Put(index.Entry{DocID: "stale", Title: "stale"}))

	n, err := ix.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"d1", "d2"}, idx.IDs())
	assert.True(t, idx.Ready())
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	backend := memory.NewBackend()
	idx := index.New("page-content", nil)
	ix := New(Config{ResyncInterval: 5 * time.Millisecond, Owner: "test"}, backend, idx, fixedClock{testNow}, zap.NewNop())
	put(t, backend, page("d1", "title", "words"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	require.Eventually(t, func() bool { return idx.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
