// Package postgres implements the store backend on Postgres via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const iterateBatch = 256

// Config controls the connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates missing tables on open.
	Migrate bool
}

// pool is the subset of pgxpool.Pool the backend uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type tables struct {
	documents, sessions, log, snapshots, hosts, robots, leases string
}

func newTables(prefix string) (tables, error) {
	t := tables{
		documents: prefix + store.CollectionDocuments,
		sessions:  prefix + store.CollectionCrawlSessions,
		log:       prefix + store.CollectionFrontierLog,
		snapshots: prefix + store.CollectionFrontierSnapshots,
		hosts:     prefix + store.CollectionHostRecords,
		robots:    prefix + store.CollectionRobotsCache,
		leases:    prefix + store.CollectionLeases,
	}
	for _, name := range []string{t.documents, t.sessions, t.log, t.snapshots, t.hosts, t.robots, t.leases} {
		if !validTableName.MatchString(name) {
			return tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Backend is a store.Backend on Postgres.
type Backend struct {
	pool pool
	t    tables
	now  func() time.Time
}

var _ store.Backend = (*Backend)(nil)

// New connects a pool from cfg and optionally bootstraps the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", mapErr(err))
	}
	b, err := NewWithPool(p, cfg.TablePrefix)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := b.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return b, nil
}

// NewWithPool constructs a backend from an existing pool (primarily for testing).
func NewWithPool(p pool, tablePrefix string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(tablePrefix)
	if err != nil {
		return nil, err
	}
	return &Backend{pool: p, t: t, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewOpener returns a store.Opener for postgres:// and postgresql:// URIs.
// Pool settings come from cfg; the DSN is the URI itself.
func NewOpener(cfg Config, logger *zap.Logger) store.Opener {
	return func(ctx context.Context, u *url.URL) (store.Backend, error) {
		c := cfg
		c.DSN = u.String()
		b, err := New(ctx, c)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Info("postgres store opened", zap.String("host", u.Host), zap.String("table_prefix", cfg.TablePrefix))
		}
		return b, nil
	}
}

// Migrate creates the collections when they do not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	final_url    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	session_id   TEXT,
	status_code  INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	success      BOOLEAN NOT NULL DEFAULT FALSE,
	indexed_at   TIMESTAMPTZ,
	data         JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`, b.t.documents),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_final_url_idx ON %s (final_url)`, b.t.documents, b.t.documents),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_unindexed_idx ON %s (id) WHERE indexed_at IS NULL`, b.t.documents, b.t.documents),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, b.t.sessions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	op         TEXT NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (session_id, seq)
)`, b.t.log),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id TEXT PRIMARY KEY,
	last_seq   BIGINT NOT NULL,
	data       JSONB NOT NULL,
	taken_at   TIMESTAMPTZ NOT NULL
)`, b.t.snapshots),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_id TEXT NOT NULL,
	host       TEXT NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (session_id, host)
)`, b.t.hosts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	host        TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	body        BYTEA,
	fetched_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
)`, b.t.robots),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, b.t.leases),
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", mapErr(err))
		}
	}
	return nil
}

// mapErr folds driver errors into the store taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505", pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %w", store.ErrMalformed, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
		default:
			return err
		}
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
	}
	return err
}

func decodeDocument(data []byte, indexedAt *time.Time) (crawler.Document, error) {
	var doc crawler.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return crawler.Document{}, fmt.Errorf("decode document: %w", errors.Join(store.ErrMalformed, err))
	}
	doc.IndexedAt = indexedAt
	return doc, nil
}

// PutDocument implements store.DocumentStore.
func (b *Backend) PutDocument(ctx context.Context, doc crawler.Document) (string, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return "", fmt.Errorf("document id required: %w", store.ErrMalformed)
	}
	doc.UpdatedAt = b.now()
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", errors.Join(store.ErrMalformed, err))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, final_url, kind, session_id, status_code, content_type, success, indexed_at, data, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	kind = EXCLUDED.kind,
	session_id = EXCLUDED.session_id,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	success = EXCLUDED.success,
	indexed_at = EXCLUDED.indexed_at,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`, b.t.documents)
	if _, err := b.pool.Exec(ctx, query,
		doc.ID, doc.FinalURL, string(doc.Kind), doc.SessionID, doc.StatusCode,
		doc.ContentType, doc.Success, doc.IndexedAt, data, doc.UpdatedAt,
	); err != nil {
		return "", fmt.Errorf("upsert document %s: %w", doc.ID, mapErr(err))
	}
	return doc.ID, nil
}

func (b *Backend) getDocument(ctx context.Context, where string, arg string) (crawler.Document, error) {
	query := fmt.Sprintf(`SELECT data, indexed_at FROM %s WHERE %s ORDER BY updated_at DESC LIMIT 1`, b.t.documents, where)
	var (
		data      []byte
		indexedAt *time.Time
	)
	if err := b.pool.QueryRow(ctx, query, arg).Scan(&data, &indexedAt); err != nil {
		return crawler.Document{}, mapErr(err)
	}
	return decodeDocument(data, indexedAt)
}

// GetDocument implements store.DocumentStore.
func (b *Backend) GetDocument(ctx context.Context, id string) (crawler.Document, error) {
	doc, err := b.getDocument(ctx, "id = $1", id)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetDocumentByURL implements store.DocumentStore.
func (b *Backend) GetDocumentByURL(ctx context.Context, rawURL string) (crawler.Document, error) {
	doc, err := b.getDocument(ctx, "final_url = $1", rawURL)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document by url %s: %w", rawURL, err)
	}
	return doc, nil
}

// DeleteDocument implements store.DocumentStore.
func (b *Backend) DeleteDocument(ctx context.Context, id string) (bool, error) {
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, b.t.documents), id)
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// IterateUnindexed implements store.DocumentStore using keyset pagination.
func (b *Backend) IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error {
	query := fmt.Sprintf(`
SELECT id, data, indexed_at FROM %s
WHERE indexed_at IS NULL AND (success OR kind = $1) AND id > $2
ORDER BY id LIMIT $3`, b.t.documents)
	after := ""
	for {
		rows, err := b.pool.Query(ctx, query, string(crawler.KindProfile), after, iterateBatch)
		if err != nil {
			return fmt.Errorf("iterate unindexed: %w", mapErr(err))
		}
		var batch []crawler.Document
		n := 0
		for rows.Next() {
			var (
				id        string
				data      []byte
				indexedAt *time.Time
			)
			if err := rows.Scan(&id, &data, &indexedAt); err != nil {
				rows.Close()
				return fmt.Errorf("iterate unindexed: %w", mapErr(err))
			}
			n++
			after = id
			doc, err := decodeDocument(data, indexedAt)
			if err != nil {
				rows.Close()
				return err
			}
			if doc.Indexable() {
				batch = append(batch, doc)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate unindexed: %w", mapErr(err))
		}
		for _, doc := range batch {
			if err := fn(doc); err != nil {
				return err
			}
		}
		if n < iterateBatch {
			return nil
		}
	}
}

// MarkIndexed implements store.DocumentStore.
func (b *Backend) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET indexed_at = $2 WHERE id = $1`, b.t.documents), id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark indexed %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark indexed %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListDocumentIDs implements store.DocumentStore.
func (b *Backend) ListDocumentIDs(ctx context.Context, fn func(string) error) error {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, b.t.documents)
	after := ""
	for {
		rows, err := b.pool.Query(ctx, query, after, iterateBatch)
		if err != nil {
			return fmt.Errorf("list document ids: %w", mapErr(err))
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list document ids: %w", mapErr(err))
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
		if len(ids) < iterateBatch {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// PutSession implements store.SessionStore.
func (b *Backend) PutSession(ctx context.Context, session crawler.CrawlSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id required: %w", store.ErrMalformed)
	}
	session.UpdatedAt = b.now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", errors.Join(store.ErrMalformed, err))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, data, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, b.t.sessions)
	if _, err := b.pool.Exec(ctx, query, session.ID, string(session.Status), data, session.UpdatedAt); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, mapErr(err))
	}
	return nil
}

// GetSession implements store.SessionStore.
func (b *Backend) GetSession(ctx context.Context, id string) (crawler.CrawlSession, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, b.t.sessions)
	if err := b.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session %s: %w", id, mapErr(err))
	}
	var session crawler.CrawlSession
	if err := json.Unmarshal(data, &session); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("decode session %s: %w", id, errors.Join(store.ErrMalformed, err))
	}
	return session, nil
}

// ListSessions implements store.SessionStore.
func (b *Backend) ListSessions(ctx context.Context, status *crawler.SessionStatus) ([]crawler.CrawlSession, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = b.pool.Query(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE status = $1 ORDER BY id`, b.t.sessions), string(*status))
	} else {
		rows, err = b.pool.Query(ctx, fmt.Sprintf(`SELECT data FROM %s ORDER BY id`, b.t.sessions))
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", mapErr(err))
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", mapErr(err))
	}
	out := make([]crawler.CrawlSession, 0, len(raws))
	for _, raw := range raws {
		var s crawler.CrawlSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", errors.Join(store.ErrMalformed, err))
		}
		out = append(out, s)
	}
	return out, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (b *Backend) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return mapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// AppendFrontierLog implements store.FrontierStore. All records commit
// together.
func (b *Backend) AppendFrontierLog(ctx context.Context, sessionID string, records []store.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (session_id, seq, op, data) VALUES ($1,$2,$3,$4)`, b.t.log)
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return errors.Join(store.ErrMalformed, err)
			}
			if _, err := tx.Exec(ctx, query, sessionID, int64(rec.Seq), string(rec.Op), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append frontier log %s: %w", sessionID, err)
	}
	return nil
}

// ReadFrontierLog implements store.FrontierStore.
func (b *Backend) ReadFrontierLog(ctx context.Context, sessionID string, afterSeq uint64) ([]store.LogRecord, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE session_id = $1 AND seq > $2 ORDER BY seq`, b.t.log)
	rows, err := b.pool.Query(ctx, query, sessionID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("read frontier log %s: %w", sessionID, mapErr(err))
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("read frontier log %s: %w", sessionID, mapErr(err))
	}
	out := make([]store.LogRecord, 0, len(raws))
	for _, raw := range raws {
		var rec store.LogRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode frontier log: %w", errors.Join(store.ErrMalformed, err))
		}
		out = append(out, rec)
	}
	return out, nil
}

// TruncateFrontierLog implements store.FrontierStore.
func (b *Backend) TruncateFrontierLog(ctx context.Context, sessionID string, uptoSeq uint64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1 AND seq <= $2`, b.t.log)
	if _, err := b.pool.Exec(ctx, query, sessionID, int64(uptoSeq)); err != nil {
		return fmt.Errorf("truncate frontier log %s: %w", sessionID, mapErr(err))
	}
	return nil
}

// PutFrontierSnapshot implements store.FrontierStore.
func (b *Backend) PutFrontierSnapshot(ctx context.Context, snap store.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", errors.Join(store.ErrMalformed, err))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, last_seq, data, taken_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (session_id) DO UPDATE SET last_seq = EXCLUDED.last_seq, data = EXCLUDED.data, taken_at = EXCLUDED.taken_at`, b.t.snapshots)
	if _, err := b.pool.Exec(ctx, query, snap.SessionID, int64(snap.LastSeq), data, snap.TakenAt); err != nil {
		return fmt.Errorf("put frontier snapshot %s: %w", snap.SessionID, mapErr(err))
	}
	return nil
}

// GetFrontierSnapshot implements store.FrontierStore.
func (b *Backend) GetFrontierSnapshot(ctx context.Context, sessionID string) (store.Snapshot, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE session_id = $1`, b.t.snapshots)
	if err := b.pool.QueryRow(ctx, query, sessionID).Scan(&data); err != nil {
		return store.Snapshot{}, fmt.Errorf("get frontier snapshot %s: %w", sessionID, mapErr(err))
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", sessionID, errors.Join(store.ErrMalformed, err))
	}
	return snap, nil
}

// PutHostRecords implements store.FrontierStore.
func (b *Backend) PutHostRecords(ctx context.Context, sessionID string, hosts []crawler.HostRecord) error {
	if len(hosts) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, host, data) VALUES ($1,$2,$3)
ON CONFLICT (session_id, host) DO UPDATE SET data = EXCLUDED.data`, b.t.hosts)
	err := b.inTx(ctx, func(tx pgx.Tx) error {
		for _, h := range hosts {
			data, err := json.Marshal(h)
			if err != nil {
				return errors.Join(store.ErrMalformed, err)
			}
			if _, err := tx.Exec(ctx, query, sessionID, h.Host, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put host records %s: %w", sessionID, err)
	}
	return nil
}

// ListHostRecords implements store.FrontierStore.
func (b *Backend) ListHostRecords(ctx context.Context, sessionID string) ([]crawler.HostRecord, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE session_id = $1 ORDER BY host`, b.t.hosts)
	rows, err := b.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list host records %s: %w", sessionID, mapErr(err))
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list host records %s: %w", sessionID, mapErr(err))
	}
	out := make([]crawler.HostRecord, 0, len(raws))
	for _, raw := range raws {
		var h crawler.HostRecord
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("decode host record: %w", errors.Join(store.ErrMalformed, err))
		}
		out = append(out, h)
	}
	return out, nil
}

// PutRobots implements store.RobotsStore.
func (b *Backend) PutRobots(ctx context.Context, rec store.RobotsRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (host, status_code, body, fetched_at, expires_at) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (host) DO UPDATE SET
	status_code = EXCLUDED.status_code,
	body = EXCLUDED.body,
	fetched_at = EXCLUDED.fetched_at,
	expires_at = EXCLUDED.expires_at`, b.t.robots)
	if _, err := b.pool.Exec(ctx, query, rec.Host, rec.StatusCode, rec.Body, rec.FetchedAt, rec.ExpiresAt); err != nil {
		return fmt.Errorf("put robots %s: %w", rec.Host, mapErr(err))
	}
	return nil
}

// GetRobots implements store.RobotsStore.
func (b *Backend) GetRobots(ctx context.Context, host string) (store.RobotsRecord, error) {
	rec := store.RobotsRecord{Host: host}
	query := fmt.Sprintf(`SELECT status_code, body, fetched_at, expires_at FROM %s WHERE host = $1`, b.t.robots)
	if err := b.pool.QueryRow(ctx, query, host).Scan(&rec.StatusCode, &rec.Body, &rec.FetchedAt, &rec.ExpiresAt); err != nil {
		return store.RobotsRecord{}, fmt.Errorf("get robots %s: %w", host, mapErr(err))
	}
	return rec, nil
}

// AcquireLease implements store.LeaseStore with a single conditional upsert.
func (b *Backend) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := b.now()
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, owner, expires_at) VALUES ($1,$2,$3)
ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE %[1]s.owner = EXCLUDED.owner OR %[1]s.expires_at < $4`, b.t.leases)
	tag, err := b.pool.Exec(ctx, query, name, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease implements store.LeaseStore.
func (b *Backend) ReleaseLease(ctx context.Context, name, owner string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND owner = $2`, b.t.leases)
	if _, err := b.pool.Exec(ctx, query, name, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", name, mapErr(err))
	}
	return nil
}

// Ping implements store.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", errors.Join(store.ErrBackendUnavailable, err))
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
