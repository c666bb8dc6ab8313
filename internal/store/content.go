package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/index"
	"github.com/JakeFAU/searchcore/internal/ranker"
)

// IndexWriter is the mutation side of the index store.
type IndexWriter interface {
	Put(entry index.Entry) error
	Delete(id string) bool
}

// Searcher answers ranked queries.
type Searcher interface {
	Search(ctx context.Context, q string, opts ranker.Options) (ranker.ResultSet, error)
}

// Content is the dual store: the backend is the authority and the index is
// a derived view kept in step on delete.
type Content struct {
	backend  Backend
	index    IndexWriter
	searcher Searcher
	logger   *zap.Logger
}

// NewContent wires the document backend with the index and ranker.
func NewContent(backend Backend, idx IndexWriter, searcher Searcher, logger *zap.Logger) *Content {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Content{backend: backend, index: idx, searcher: searcher, logger: logger}
}

// Backend exposes the underlying document backend.
func (c *Content) Backend() Backend { return c.backend }

// PutDocument upserts doc in the document store.
func (c *Content) PutDocument(ctx context.Context, doc crawler.Document) (string, error) {
	id, err := c.backend.PutDocument(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("put document: %w", err)
	}
	return id, nil
}

// GetDocument loads a document by id.
func (c *Content) GetDocument(ctx context.Context, id string) (crawler.Document, error) {
	doc, err := c.backend.GetDocument(ctx, id)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetDocumentByURL loads a document by its normalized final URL.
func (c *Content) GetDocumentByURL(ctx context.Context, rawURL string) (crawler.Document, error) {
	doc, err := c.backend.GetDocumentByURL(ctx, rawURL)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("get document by url: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the document and its index entry. A missing index
// entry is not an error; the orphan sweep covers any gap.
func (c *Content) DeleteDocument(ctx context.Context, id string) (bool, error) {
	deleted, err := c.backend.DeleteDocument(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	if !c.index.Delete(id) {
		c.logger.Debug("no index entry for deleted document", zap.String("doc_id", id))
	}
	return deleted, nil
}

// PutIndex writes entry to the index, replacing any previous version.
func (c *Content) PutIndex(_ context.Context, entry index.Entry) error {
	if err := c.index.Put(entry); err != nil {
		return fmt.Errorf("put index entry: %w", err)
	}
	return nil
}

// Search runs a ranked query against the index.
func (c *Content) Search(ctx context.Context, q string, opts ranker.Options) (ranker.ResultSet, error) {
	rs, err := c.searcher.Search(ctx, q, opts)
	if err != nil {
		if errors.Is(err, index.ErrNotReady) {
			return ranker.ResultSet{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return ranker.ResultSet{}, fmt.Errorf("search: %w", err)
	}
	return rs, nil
}

// IterateUnindexed walks indexable documents that have not been indexed.
func (c *Content) IterateUnindexed(ctx context.Context, fn func(crawler.Document) error) error {
	if err := c.backend.IterateUnindexed(ctx, fn); err != nil {
		return fmt.Errorf("iterate unindexed: %w", err)
	}
	return nil
}
