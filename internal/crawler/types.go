// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the crawl_sessions collection.
const (
	SessionRunning  SessionStatus = "running"
	SessionPaused   SessionStatus = "paused"
	SessionDone     SessionStatus = "done"
	SessionFailed   SessionStatus = "failed"
	SessionCanceled SessionStatus = "canceled"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionDone, SessionFailed, SessionCanceled:
		return true
	default:
		return false
	}
}

// DocumentKind distinguishes crawled pages from externally managed records.
type DocumentKind string

// Document kinds stored in the documents collection.
const (
	KindPage    DocumentKind = "page"
	KindProfile DocumentKind = "profile"
)

// FrontierEntry is a URL scheduled for fetching within one session.
type FrontierEntry struct {
	URL            string    `json:"url"`
	Depth          int       `json:"depth"`
	Priority       float64   `json:"priority"`
	DiscoveredAt   time.Time `json:"discovered_at"`
	Host           string    `json:"host"`
	RetryCount     int       `json:"retry_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	OriginSeedID   string    `json:"origin_seed_id"`
	// Seq is the insertion order used as the final tie-break.
	Seq uint64 `json:"seq"`
}

// HostRecord tracks politeness state for a single host.
type HostRecord struct {
	Host                string        `json:"host"`
	LastFetchAt         time.Time     `json:"last_fetch_at"`
	NextEligibleAt      time.Time     `json:"next_eligible_at"`
	MinInterval         time.Duration `json:"min_interval"`
	InFlight            int           `json:"in_flight"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffUntil        time.Time     `json:"backoff_until"`
	DNSFailures         int           `json:"dns_failures"`
	Dead                bool          `json:"dead"`
}

// CrawlResult is produced by the pipeline for a single fetched URL.
type CrawlResult struct {
	URL             string        `json:"url"`
	FinalURL        string        `json:"final_url"`
	StatusCode      int           `json:"status_code"`
	ContentType     string        `json:"content_type"`
	Title           string        `json:"title"`
	MetaDescription string        `json:"meta_description"`
	TextContent     string        `json:"text_content"`
	Outlinks        []string      `json:"outlinks"`
	FetchTime       time.Time     `json:"fetch_time"`
	FetchDuration   time.Duration `json:"fetch_duration"`
	ContentSize     int           `json:"content_size"`
	UsedHeadless    bool          `json:"used_headless"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
}

// Document is the persisted form of a crawl result or profile record.
type Document struct {
	CrawlResult
	ID        string       `json:"id"`
	Kind      DocumentKind `json:"kind"`
	SessionID string       `json:"session_id,omitempty"`
	Language  string       `json:"language,omitempty"`
	BlobURI   string       `json:"blob_uri,omitempty"`
	IndexedAt *time.Time   `json:"indexed_at,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Indexable reports whether the document belongs in the full-text index.
func (d Document) Indexable() bool {
	if d.Kind == KindProfile {
		return true
	}
	return d.Success && IsAllowedContentType(d.ContentType, DefaultAllowedContentTypes)
}

// Counters aggregates per-session progress.
type Counters struct {
	Fetched  int64 `json:"fetched"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
	Queued   int64 `json:"queued"`
	Retried  int64 `json:"retried"`
	Indexed  int64 `json:"indexed"`
	Rejected int64 `json:"rejected"`
}

// SessionConfig is the per-session snapshot of crawl limits.
type SessionConfig struct {
	MaxPages      int     `json:"max_pages"`
	MaxDepth      int     `json:"max_depth"`
	Priority      float64 `json:"priority"`
	SPA           bool    `json:"spa"`
	RespectRobots bool    `json:"respect_robots"`
	Workers       int     `json:"workers"`
}

// CrawlSession is a single user-initiated crawl.
type CrawlSession struct {
	ID         string        `json:"session_id"`
	SeedURLs   []string      `json:"seed_urls"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Counters   Counters      `json:"counters"`
	Config     SessionConfig `json:"config_snapshot"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SessionID      string
	URL            string
	Method         string
	Depth          int
	Headers        http.Header
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
	AllowDowngrade bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Elapsed      time.Duration
	Redirects    int
	UsedHeadless bool
}

// ContentType returns the media type from the response headers.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}
