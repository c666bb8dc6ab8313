package badger

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
	"github.com/JakeFAU/searchcore/internal/store/storetest"
)

func TestBackendContractInMemory(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := New(Options{InMemory: true, Logger: zap.NewNop()})
		require.NoError(t, err)
		return b
	})
}

func TestBackendContractOnDisk(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := New(Options{Dir: t.TempDir(), GCInterval: time.Hour, Logger: zap.NewNop()})
		require.NoError(t, err)
		return b
	})
}

func TestBackendPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	b, err := New(Options{Dir: dir})
	require.NoError(t, err)

	entry := &crawler.FrontierEntry{URL: "http://a.test/", Host: "a.test", Seq: 1}
	require.NoError(t, b.AppendFrontierLog(ctx, "s1", []store.LogRecord{{Seq: 1, Op: store.OpEnqueue, URL: entry.URL, Entry: entry}}))
	_, err = b.PutDocument(ctx, storetest.Page("d1", "http://a.test/", "Persisted"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Ping(ctx), store.ErrBackendUnavailable)

	reopened, err := New(Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	doc, err := reopened.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Persisted", doc.Title)

	records, err := reopened.ReadFrontierLog(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "http://a.test/", records[0].Entry.URL)
}

func TestBackendIterateUnindexedSpansBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, err := New(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	const total = iterateBatch*2 + 7
	for i := range total {
		_, err := b.PutDocument(ctx, storetest.Page(
			fmt.Sprintf("doc-%04d", i),
			fmt.Sprintf("http://a.test/%04d", i),
			"page",
		))
		require.NoError(t, err)
	}

	seen := 0
	require.NoError(t, b.IterateUnindexed(ctx, func(doc crawler.Document) error {
		seen++
		return b.MarkIndexed(ctx, doc.ID, time.Now())
	}))
	assert.Equal(t, total, seen)

	ids := 0
	require.NoError(t, b.ListDocumentIDs(ctx, func(string) error {
		ids++
		return nil
	}))
	assert.Equal(t, total, ids)

	seen = 0
	require.NoError(t, b.IterateUnindexed(ctx, func(crawler.Document) error {
		seen++
		return nil
	}))
	assert.Zero(t, seen)
}

func TestOpener(t *testing.T) {
	t.Parallel()

	open := NewOpener(0, zap.NewNop())

	mem, err := open(context.Background(), &url.URL{Scheme: "badger", Host: "memory"})
	require.NoError(t, err)
	require.NoError(t, mem.Ping(context.Background()))
	require.NoError(t, mem.Close())

	dir := filepath.Join(t.TempDir(), "data")
	disk, err := open(context.Background(), &url.URL{Scheme: "badger", Path: dir})
	require.NoError(t, err)
	require.NoError(t, disk.Close())
	assert.DirExists(t, dir)
}
