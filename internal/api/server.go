// Package api exposes the HTTP interface for the search core.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/config"
	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/policy/ratelimit"
	"github.com/JakeFAU/searchcore/internal/progress/sinks"
	"github.com/JakeFAU/searchcore/internal/ranker"
	"github.com/JakeFAU/searchcore/internal/session"
	"github.com/JakeFAU/searchcore/internal/store"
)

const (
	crawlRoute      = "/api/v2/crawl"
	maxRequestBytes = 1 << 20
	readyTimeout    = 2 * time.Second
)

// Error codes used in the error envelope.
const (
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
	codeRateLimited  = "rate_limited"
	codeUnavailable  = "unavailable"
	codeInternal     = "internal"
	codeUnauthorized = "unauthorized"
)

// SessionService runs crawl sessions.
type SessionService interface {
	Start(ctx context.Context, req session.Request) (crawler.CrawlSession, error)
	Get(ctx context.Context, id string) (crawler.CrawlSession, error)
	Cancel(ctx context.Context, id string) error
}

// Searcher answers ranked queries.
type Searcher interface {
	Search(ctx context.Context, q string, opts ranker.Options) (ranker.ResultSet, error)
}

// DocumentStore is the document side of the content store.
type DocumentStore interface {
	PutDocument(ctx context.Context, doc crawler.Document) (string, error)
	GetDocument(ctx context.Context, id string) (crawler.Document, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
}

// DocumentIndexer pushes a stored document into the search index.
type DocumentIndexer interface {
	Index(ctx context.Context, doc crawler.Document) error
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventSource hands out live progress subscriptions.
type EventSource interface {
	Subscribe(sessionID string) *sinks.Subscription
}

// Deps are the collaborators behind the routes. Nil collaborators make
// their routes answer 503.
type Deps struct {
	Sessions  SessionService
	Search    Searcher
	Documents DocumentStore
	Indexer   DocumentIndexer
	Ready     Pinger
	Events    EventSource
	Limiter   *ratelimit.Limiter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Server wires HTTP handlers to sessions, search and the content store.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      config.Config
	logger   *zap.Logger
	progress *ProgressHandler
	profiles *ProfileHandler
	tick     time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.CrawlRPS, Burst: cfg.RateLimit.CrawlBurst})
	}
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		progress: NewProgressHandler(deps.Sessions, logger),
		profiles: NewProfileHandler(deps.Documents, deps.Indexer, deps.Clock, logger),
		tick:     time.Second,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		// Streams hijack the connection and cannot sit behind a timeout.
		r.Get("/datetime", s.datetimeStream)
		r.Get("/crawl-events", s.crawlEventStream)

		r.Group(func(r chi.Router) {
			if cfg.Server.RequestTimeout > 0 {
				r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			}
			r.Route(crawlRoute, func(r chi.Router) {
				r.Post("/", s.submitCrawl)
				r.Route("/{session_id}", func(r chi.Router) {
					r.Get("/", s.progress.GetSession)
					r.Post("/cancel", s.progress.CancelSession)
				})
			})
			r.Get("/api/search", s.search)
			r.Route("/api/profiles/{id}", func(r chi.Router) {
				r.Put("/", s.profiles.Put)
				r.Get("/", s.profiles.Get)
				r.Delete("/", s.profiles.Delete)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.deps.Ready.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "store backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "crawler unavailable")
		return
	}
	if !s.deps.Limiter.Allow(clientIP(r)) {
		metrics.ObserveRateLimited(crawlRoute)
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many crawl submissions")
		return
	}
	var req session.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON")
		return
	}
	sess, err := s.deps.Sessions.Start(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID})
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		metrics.ObserveRateLimited(crawlRoute)
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many active sessions")
	case errors.Is(err, session.ErrShuttingDown), errors.Is(err, store.ErrBackendUnavailable):
		s.logger.Warn("crawl submission rejected", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "crawler unavailable")
	default:
		s.logger.Error("start session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to start session")
	}
}

var reservedSearchParams = map[string]bool{"q": true, "limit": true, "offset": true, "api_key": true}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "search unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	filters := make(map[string]string)
	for key, values := range r.URL.Query() {
		if reservedSearchParams[key] || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}
	rs, err := s.deps.Search.Search(r.Context(), r.URL.Query().Get("q"), ranker.Options{
		Limit:   limit,
		Offset:  offset,
		Filters: filters,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rs)
	case errors.Is(err, ranker.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, store.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "search index unavailable")
	default:
		s.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "search failed")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", RequestID(r.Context())),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"code":"timeout","message":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Code: code, Message: msg})
}
