package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// Collection names shared by every backend.
const (
	CollectionDocuments         = "documents"
	CollectionCrawlSessions     = "crawl_sessions"
	CollectionFrontierLog       = "frontier_log"
	CollectionFrontierSnapshots = "frontier_snapshots"
	CollectionHostRecords       = "host_records"
	CollectionRobotsCache       = "robots_cache"
	CollectionLeases            = "leases"
)

// Typed store failures. Backends wrap driver errors with one of these.
var (
	ErrBackendUnavailable = errors.New("store backend unavailable")
	ErrConflict           = errors.New("store conflict")
	ErrNotFound           = errors.New("record not found")
	ErrMalformed          = errors.New("malformed record")
)

// LogOp names a frontier mutation recorded in the append-only log.
type LogOp string

// Frontier log operations.
const (
	OpEnqueue  LogOp = "enqueue"
	OpUpdate   LogOp = "update"
	OpPop      LogOp = "pop"
	OpRelease  LogOp = "release"
	OpRequeue  LogOp = "requeue"
	OpDropHost LogOp = "drop_host"
)

// LogRecord is a single frontier_log entry.
type LogRecord struct {
	Seq     uint64                 `json:"seq"`
	Op      LogOp                  `json:"op"`
	URL     string                 `json:"url,omitempty"`
	Host    string                 `json:"host,omitempty"`
	Entry   *crawler.FrontierEntry `json:"entry,omitempty"`
	Success bool                   `json:"success,omitempty"`
	At      time.Time              `json:"at"`
}

// SeenRecord is the snapshot form of a deduplication entry.
type SeenRecord struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	Done  bool   `json:"done"`
}

// Snapshot is a full frontier checkpoint stored in frontier_snapshots.
type Snapshot struct {
	SessionID string                  `json:"session_id"`
	LastSeq   uint64                  `json:"last_seq"`
	Pending   []crawler.FrontierEntry `json:"pending"`
	InFlight  []crawler.FrontierEntry `json:"in_flight"`
	Seen      []SeenRecord            `json:"seen"`
	Hosts     []crawler.HostRecord    `json:"hosts"`
	Fetched   int64                   `json:"fetched"`
	NextSeq   uint64                  `json:"next_seq"`
	TakenAt   time.Time               `json:"taken_at"`
}

// RobotsRecord is a cached robots.txt response for one host.
type RobotsRecord struct {
	Host       string    `json:"host"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lease is a TTL-bounded ownership record.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DocumentStore persists documents keyed by id.
type DocumentStore interface {
	// PutDocument upserts by id and is durable before returning.
	PutDocument(ctx context.Context, doc crawler.Document) (string, error)
	GetDocument(ctx context.Context, id string) (crawler.Document, error)
	GetDocumentByURL(ctx context.Context, url string) (crawler.Document, error)
	// DeleteDocument reports whether a document was removed.
	DeleteDocument(ctx context.Context, id string) (bool, error)
	// IterateUnindexed calls fn for each indexable document lacking
	// indexed_at. Iteration stops at the first error returned by fn.
	IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	// ListDocumentIDs calls fn for every stored document id.
	ListDocumentIDs(ctx context.Context, fn func(id string) error) error
}

// SessionStore persists crawl sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session crawler.CrawlSession) error
	GetSession(ctx context.Context, id string) (crawler.CrawlSession, error)
	ListSessions(ctx context.Context, status *crawler.SessionStatus) ([]crawler.CrawlSession, error)
}

// FrontierStore persists the frontier log, snapshots and host records.
type FrontierStore interface {
	AppendFrontierLog(ctx context.Context, sessionID string, records []LogRecord) error
	// ReadFrontierLog returns records with seq > afterSeq ordered by seq.
	ReadFrontierLog(ctx context.Context, sessionID string, afterSeq uint64) ([]LogRecord, error)
	// TruncateFrontierLog removes records with seq <= uptoSeq.
	TruncateFrontierLog(ctx context.Context, sessionID string, uptoSeq uint64) error
	PutFrontierSnapshot(ctx context.Context, snap Snapshot) error
	GetFrontierSnapshot(ctx context.Context, sessionID string) (Snapshot, error)
	PutHostRecords(ctx context.Context, sessionID string, hosts []crawler.HostRecord) error
	ListHostRecords(ctx context.Context, sessionID string) ([]crawler.HostRecord, error)
}

// RobotsStore persists robots.txt cache entries.
type RobotsStore interface {
	PutRobots(ctx context.Context, rec RobotsRecord) error
	GetRobots(ctx context.Context, host string) (RobotsRecord, error)
}

// LeaseStore grants TTL leases used to keep background loops singular.
type LeaseStore interface {
	// AcquireLease grants or renews name for owner when the lease is absent,
	// expired or already held by owner.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Backend is a complete persistence backend.
type Backend interface {
	DocumentStore
	SessionStore
	FrontierStore
	RobotsStore
	LeaseStore
	Ping(ctx context.Context) error
	Close() error
}
