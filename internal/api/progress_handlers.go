package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/session"
)

const progressTimeout = 3 * time.Second

// ProgressHandler exposes crawl session progress and cancellation.
type ProgressHandler struct {
	sessions SessionService
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProgressHandler wires the session service and logger.
func NewProgressHandler(sessions SessionService, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		sessions: sessions,
		timeout:  progressTimeout,
		logger:   logger,
	}
}

// GetSession handles GET /api/v2/crawl/{session_id}. It returns the session
// snapshot with live counters, 404 for unknown ids, or 503 when sessions are
// unavailable.
func (h *ProgressHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "crawler unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CancelSession handles POST /api/v2/crawl/{session_id}/cancel. Workers drain
// asynchronously, so success is 202.
func (h *ProgressHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "crawler unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.sessions.Cancel(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		h.logger.Error("cancel session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to cancel session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "canceling"})
}

func parseSessionID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		return "", errors.New("session_id is required")
	}
	return id, nil
}

// parseLimitOffset reads paging parameters. A missing limit is 0, which the
// ranker replaces with its default.
func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := 0
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
