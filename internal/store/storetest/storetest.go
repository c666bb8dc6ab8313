// Package storetest holds behavior tests shared by every store.Backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

// Run exercises the full Backend contract.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, store.Backend)
	}{
		{"DocumentRoundTrip", testDocumentRoundTrip},
		{"DocumentUpsert", testDocumentUpsert},
		{"DocumentDelete", testDocumentDelete},
		{"IterateUnindexed", testIterateUnindexed},
		{"Sessions", testSessions},
		{"FrontierLog", testFrontierLog},
		{"Snapshot", testSnapshot},
		{"HostRecords", testHostRecords},
		{"Robots", testRobots},
		{"Leases", testLeases},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tc.fn(t, b)
		})
	}
}

// Page returns a successful HTML page document.
func Page(id, finalURL, title string) crawler.Document {
	return crawler.Document{
		ID:   id,
		Kind: crawler.KindPage,
		CrawlResult: crawler.CrawlResult{
			URL:         finalURL,
			FinalURL:    finalURL,
			StatusCode:  200,
			ContentType: "text/html; charset=utf-8",
			Title:       title,
			TextContent: title + " body",
			Outlinks:    []string{finalURL + "next"},
			FetchTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Success:     true,
		},
	}
}

func testDocumentRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	doc := Page("doc-1", "http://a.test/", "Alpha")

	id, err := b.PutDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)

	got, err := b.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Title)
	assert.Equal(t, doc.Outlinks, got.Outlinks)
	assert.True(t, got.FetchTime.Equal(doc.FetchTime))

	byURL, err := b.GetDocumentByURL(ctx, "http://a.test/")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", byURL.ID)

	_, err = b.GetDocument(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.GetDocumentByURL(ctx, "http://missing.test/")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = b.PutDocument(ctx, crawler.Document{})
	require.ErrorIs(t, err, store.ErrMalformed)
}

func testDocumentUpsert(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.PutDocument(ctx, Page("doc-1", "http://a.test/", "First"))
	require.NoError(t, err)
	_, err = b.PutDocument(ctx, Page("doc-1", "http://a.test/", "Second"))
	require.NoError(t, err)

	got, err := b.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Title)

	count := 0
	require.NoError(t, b.ListDocumentIDs(ctx, func(string) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func testDocumentDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.PutDocument(ctx, Page("doc-1", "http://a.test/", "Alpha"))
	require.NoError(t, err)

	deleted, err := b.DeleteDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = b.GetDocumentByURL(ctx, "http://a.test/")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testIterateUnindexed(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.PutDocument(ctx, Page("a", "http://a.test/a", "A"))
	require.NoError(t, err)
	_, err = b.PutDocument(ctx, Page("b", "http://a.test/b", "B"))
	require.NoError(t, err)
	failed := Page("c", "http://a.test/c", "C")
	failed.Success = false
	_, err = b.PutDocument(ctx, failed)
	require.NoError(t, err)
	pdf := Page("d", "http://a.test/d.pdf", "D")
	pdf.ContentType = "application/pdf"
	_, err = b.PutDocument(ctx, pdf)
	require.NoError(t, err)

	require.NoError(t, b.MarkIndexed(ctx, "a", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.ErrorIs(t, b.MarkIndexed(ctx, "missing", time.Now()), store.ErrNotFound)

	var ids []string
	require.NoError(t, b.IterateUnindexed(ctx, func(doc crawler.Document) error {
		ids = append(ids, doc.ID)
		return b.MarkIndexed(ctx, doc.ID, time.Now())
	}))
	assert.Equal(t, []string{"b"}, ids)

	got, err := b.GetDocument(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.IndexedAt)

	stop := errors.New("stop")
	_, err = b.PutDocument(ctx, Page("e", "http://a.test/e", "E"))
	require.NoError(t, err)
	require.ErrorIs(t, b.IterateUnindexed(ctx, func(crawler.Document) error { return stop }), stop)
}

func testSessions(t *testing.T, b store.Backend) {
	ctx := context.Background()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	running := crawler.CrawlSession{
		ID:        "s1",
		SeedURLs:  []string{"http://a.test/"},
		Status:    crawler.SessionRunning,
		StartedAt: started,
		Counters:  crawler.Counters{Fetched: 3, Queued: 5},
		Config:    crawler.SessionConfig{MaxPages: 10, MaxDepth: 2, RespectRobots: true},
	}
	require.NoError(t, b.PutSession(ctx, running))
	done := running
	done.ID = "s2"
	done.Status = crawler.SessionDone
	require.NoError(t, b.PutSession(ctx, done))

	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, running.Counters, got.Counters)
	assert.Equal(t, running.Config, got.Config)
	assert.Equal(t, running.SeedURLs, got.SeedURLs)

	status := crawler.SessionRunning
	list, err := b.ListSessions(ctx, &status)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	all, err := b.ListSessions(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = b.GetSession(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testFrontierLog(t *testing.T, b store.Backend) {
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := &crawler.FrontierEntry{URL: "http://a.test/", Host: "a.test", Priority: 1, DiscoveredAt: at, Seq: 1}
	records := []store.LogRecord{
		{Seq: 1, Op: store.OpEnqueue, URL: entry.URL, Entry: entry, At: at},
		{Seq: 2, Op: store.OpPop, URL: entry.URL, At: at},
		{Seq: 3, Op: store.OpRelease, URL: entry.URL, Success: true, At: at},
	}
	require.NoError(t, b.AppendFrontierLog(ctx, "s1", records))
	require.NoError(t, b.AppendFrontierLog(ctx, "s2", records[:1]))

	got, err := b.ReadFrontierLog(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, store.OpEnqueue, got[0].Op)
	require.NotNil(t, got[0].Entry)
	assert.Equal(t, "a.test", got[0].Entry.Host)

	got, err = b.ReadFrontierLog(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)

	require.NoError(t, b.TruncateFrontierLog(ctx, "s1", 2))
	got, err = b.ReadFrontierLog(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)

	other, err := b.ReadFrontierLog(ctx, "s2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func testSnapshot(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.GetFrontierSnapshot(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)

	snap := store.Snapshot{
		SessionID: "s1",
		LastSeq:   42,
		Pending:   []crawler.FrontierEntry{{URL: "http://a.test/p", Host: "a.test", Seq: 7}},
		InFlight:  []crawler.FrontierEntry{{URL: "http://a.test/f", Host: "a.test", Seq: 8}},
		Seen:      []store.SeenRecord{{URL: "http://a.test/p", Depth: 1}, {URL: "http://a.test/d", Done: true}},
		Hosts:     []crawler.HostRecord{{Host: "a.test", MinInterval: time.Second}},
		Fetched:   3,
		NextSeq:   9,
		TakenAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.PutFrontierSnapshot(ctx, snap))
	snap.LastSeq = 50
	require.NoError(t, b.PutFrontierSnapshot(ctx, snap))

	got, err := b.GetFrontierSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got.LastSeq)
	assert.Equal(t, snap.Pending[0].URL, got.Pending[0].URL)
	assert.Equal(t, snap.Seen, got.Seen)
	assert.Equal(t, time.Second, got.Hosts[0].MinInterval)
	assert.Equal(t, int64(3), got.Fetched)
}

func testHostRecords(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.PutHostRecords(ctx, "s1", []crawler.HostRecord{
		{Host: "b.test", ConsecutiveFailures: 2},
		{Host: "a.test", Dead: true, DNSFailures: 3},
	}))
	require.NoError(t, b.PutHostRecords(ctx, "s1", []crawler.HostRecord{{Host: "b.test", ConsecutiveFailures: 0}}))

	hosts, err := b.ListHostRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "a.test", hosts[0].Host)
	assert.True(t, hosts[0].Dead)
	assert.Zero(t, hosts[1].ConsecutiveFailures)

	none, err := b.ListHostRecords(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRobots(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.GetRobots(ctx, "a.test")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec := store.RobotsRecord{
		Host:       "a.test",
		StatusCode: 200,
		Body:       []byte("User-agent: *\nDisallow: /private\n"),
		FetchedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.PutRobots(ctx, rec))
	got, err := b.GetRobots(ctx, "a.test")
	require.NoError(t, err)
	assert.Equal(t, rec.Body, got.Body)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
}

func testLeases(t *testing.T, b store.Backend) {
	ctx := context.Background()
	ok, err := b.AcquireLease(ctx, "resync", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLease(ctx, "resync", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.AcquireLease(ctx, "resync", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews its own lease")

	require.NoError(t, b.ReleaseLease(ctx, "resync", "owner-b"))
	ok, err = b.AcquireLease(ctx, "resync", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-owner is ignored")

	require.NoError(t, b.ReleaseLease(ctx, "resync", "owner-a"))
	ok, err = b.AcquireLease(ctx, "resync", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AcquireLease(ctx, "short", "owner-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)
	ok, err = b.AcquireLease(ctx, "short", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is granted to a new owner")
}
