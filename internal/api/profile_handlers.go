package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/clock/system"
	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/store"
)

// ProfileHandler manages externally supplied profile documents. Profiles
// share the document store and index with crawled pages.
type ProfileHandler struct {
	docs    DocumentStore
	indexer DocumentIndexer
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewProfileHandler wires the content store and indexer.
func NewProfileHandler(docs DocumentStore, indexer DocumentIndexer, clock crawler.Clock, logger *zap.Logger) *ProfileHandler {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileHandler{docs: docs, indexer: indexer, clock: clock, logger: logger}
}

type profileRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Language    string `json:"language"`
}

// Put handles PUT /api/profiles/{id}. The document store write is
// authoritative; an index failure is logged and left to the resync loop.
func (h *ProfileHandler) Put(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "document store unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "id is required")
		return
	}
	var req profileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON")
		return
	}
	normalized, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid url")
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "title or content is required")
		return
	}

	now := h.clock.Now()
	doc := crawler.Document{
		CrawlResult: crawler.CrawlResult{
			URL:             req.URL,
			FinalURL:        normalized,
			StatusCode:      http.StatusOK,
			ContentType:     "text/plain",
			Title:           req.Title,
			MetaDescription: req.Description,
			TextContent:     req.Content,
			FetchTime:       now,
			ContentSize:     len(req.Content),
			Success:         true,
		},
		ID:        id,
		Kind:      crawler.KindProfile,
		Language:  strings.ToLower(strings.TrimSpace(req.Language)),
		UpdatedAt: now,
	}
	if _, err := h.docs.PutDocument(r.Context(), doc); err != nil {
		h.storeError(w, "put profile", id, err)
		return
	}
	if h.indexer != nil {
		if err := h.indexer.Index(r.Context(), doc); err != nil {
			h.logger.Warn("index profile failed; resync will retry", zap.String("doc_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

// Get handles GET /api/profiles/{id}.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "document store unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	doc, err := h.docs.GetDocument(r.Context(), id)
	if err != nil {
		h.storeError(w, "get profile", id, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Delete handles DELETE /api/profiles/{id}, cascading to the index.
func (h *ProfileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "document store unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	deleted, err := h.docs.DeleteDocument(r.Context(), id)
	if err != nil {
		h.storeError(w, "delete profile", id, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, codeNotFound, "profile not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfileHandler) storeError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "profile not found")
	case errors.Is(err, store.ErrMalformed):
		writeError(w, http.StatusBadRequest, codeBadRequest, "malformed profile")
	case errors.Is(err, store.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "document store unavailable")
	default:
		h.logger.Error(op+" failed", zap.String("doc_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, op+" failed")
	}
}
