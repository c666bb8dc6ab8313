// Package index implements the in-memory inverted full-text index that backs
// search. Queries never touch the document store.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Name is the tag of the page index.
const Name = "page-content"

// ErrNotReady is returned by Search while the index is being rebuilt.
var ErrNotReady = errors.New("index not ready")

// Field identifies a weighted text field.
type Field int

// Indexed text fields.
const (
	FieldTitle Field = iota
	FieldDescription
	FieldContent
	numFields
)

func (f Field) String() string {
	switch f {
	case FieldTitle:
		return "title"
	case FieldDescription:
		return "description"
	case FieldContent:
		return "content"
	default:
		return "unknown"
	}
}

// DefaultFieldWeights are the BM25F weights for title, description, content.
var DefaultFieldWeights = [numFields]float64{3, 2, 1}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Entry is the indexed form of a document.
type Entry struct {
	DocID        string             `json:"doc_id"`
	URL          string             `json:"url"`
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Content      string             `json:"content"`
	Domain       string             `json:"domain"`
	Language     string             `json:"language"`
	IndexedAt    time.Time          `json:"indexed_at"`
	FetchedAt    time.Time          `json:"fetched_at"`
	ScoreFactors map[string]float64 `json:"score_factors,omitempty"`
}

func (e Entry) field(f Field) string {
	switch f {
	case FieldTitle:
		return e.Title
	case FieldDescription:
		return e.Description
	default:
		return e.Content
	}
}

// Filter restricts candidate documents by tag and numeric fields.
type Filter struct {
	URL      string
	Domain   string
	Language string
	Since    time.Time
}

func (f Filter) match(e *Entry) bool {
	if f.URL != "" && e.URL != f.URL {
		return false
	}
	if f.Domain != "" && e.Domain != f.Domain {
		return false
	}
	if f.Language != "" && e.Language != f.Language {
		return false
	}
	if !f.Since.IsZero() && e.IndexedAt.Before(f.Since) {
		return false
	}
	return true
}

// Hit is a candidate document with its text score.
type Hit struct {
	Entry     Entry
	TextScore float64
	// Matched lists the query groups (by index) that matched the document.
	Matched []int
}

type docRecord struct {
	entry  Entry
	length [numFields]int
	terms  [numFields]map[string]int
}

// Index is a field-weighted inverted index. Reads take a shared lock only.
type Index struct {
	name     string
	analyzer *Analyzer
	weights  [numFields]float64

	mu       sync.RWMutex
	docs     map[string]*docRecord
	postings [numFields]map[string]map[string]int
	totalLen [numFields]int64
	byURL    map[string]string

	ready atomic.Bool
}

// New creates an empty index that is immediately ready.
func New(name string, analyzer *Analyzer) *Index {
	if analyzer == nil {
		analyzer = NewAnalyzer(AnalyzerConfig{})
	}
	idx := &Index{
		name:     name,
		analyzer: analyzer,
		weights:  DefaultFieldWeights,
	}
	idx.reset()
	idx.ready.Store(true)
	return idx
}

func (i *Index) reset() {
	i.docs = make(map[string]*docRecord)
	i.byURL = make(map[string]string)
	for f := range i.postings {
		i.postings[f] = make(map[string]map[string]int)
		i.totalLen[f] = 0
	}
}

// Name returns the index tag.
func (i *Index) Name() string { return i.name }

// Analyzer exposes the analyzer used for documents and queries.
func (i *Index) Analyzer() *Analyzer { return i.analyzer }

// SetReady toggles query availability during rebuilds.
func (i *Index) SetReady(ready bool) { i.ready.Store(ready) }

// Ready reports whether queries are served.
func (i *Index) Ready() bool { return i.ready.Load() }

// Put inserts or overwrites the entry for e.DocID.
func (i *Index) Put(e Entry) error {
	if strings.TrimSpace(e.DocID) == "" {
		return fmt.Errorf("index put: doc id is required")
	}
	rec := &docRecord{entry: e}
	for f := Field(0); f < numFields; f++ {
		terms := i.analyzer.Terms(e.field(f), e.Language)
		rec.length[f] = len(terms)
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		rec.terms[f] = counts
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(e.DocID)
	if prev, ok := i.byURL[e.URL]; ok && prev != e.DocID && e.URL != "" {
		i.removeLocked(prev)
	}
	i.docs[e.DocID] = rec
	if e.URL != "" {
		i.byURL[e.URL] = e.DocID
	}
	for f := Field(0); f < numFields; f++ {
		i.totalLen[f] += int64(rec.length[f])
		for term, tf := range rec.terms[f] {
			plist := i.postings[f][term]
			if plist == nil {
				plist = make(map[string]int)
				i.postings[f][term] = plist
			}
			plist[e.DocID] = tf
		}
	}
	return nil
}

// Delete removes the entry for id and reports whether it existed.
func (i *Index) Delete(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removeLocked(id)
}

func (i *Index) removeLocked(id string) bool {
	rec, ok := i.docs[id]
	if !ok {
		return false
	}
	for f := Field(0); f < numFields; f++ {
		i.totalLen[f] -= int64(rec.length[f])
		for term := range rec.terms[f] {
			plist := i.postings[f][term]
			delete(plist, id)
			if len(plist) == 0 {
				delete(i.postings[f], term)
			}
		}
	}
	if i.byURL[rec.entry.URL] == id {
		delete(i.byURL, rec.entry.URL)
	}
	delete(i.docs, id)
	return true
}

// Get returns the entry for id.
func (i *Index) Get(id string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.docs[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// IDs returns every indexed doc id in sorted order.
func (i *Index) IDs() []string {
	i.mu.RLock()
	ids := make([]string, 0, len(i.docs))
	for id := range i.docs {
		ids = append(ids, id)
	}
	i.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Clear drops every entry.
func (i *Index) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reset()
}

// Search scores documents matching at least one query group. Each group is
// the set of index terms one query word may match (see QueryVariants).
func (i *Index) Search(groups [][]string, filter Filter) ([]Hit, error) {
	if !i.Ready() {
		return nil, ErrNotReady
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := float64(len(i.docs))
	if n == 0 || len(groups) == 0 {
		return nil, nil
	}
	var avgLen [numFields]float64
	for f := Field(0); f < numFields; f++ {
		avgLen[f] = float64(i.totalLen[f]) / n
	}

	scores := make(map[string]*Hit)
	for g, variants := range groups {
		candidates := make(map[string]struct{})
		for f := Field(0); f < numFields; f++ {
			for _, term := range variants {
				for id := range i.postings[f][term] {
					candidates[id] = struct{}{}
				}
			}
		}
		df := float64(len(candidates))
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id := range candidates {
			rec := i.docs[id]
			if !filter.match(&rec.entry) {
				continue
			}
			weighted := 0.0
			for f := Field(0); f < numFields; f++ {
				tf := 0
				for _, term := range variants {
					tf += rec.terms[f][term]
				}
				if tf == 0 {
					continue
				}
				norm := 1.0
				if avgLen[f] > 0 {
					norm = 1 - bm25B + bm25B*float64(rec.length[f])/avgLen[f]
				}
				weighted += i.weights[f] * float64(tf) / norm
			}
			hit := scores[id]
			if hit == nil {
				hit = &Hit{Entry: rec.entry}
				scores[id] = hit
			}
			hit.TextScore += idf * weighted / (bm25K1 + weighted)
			hit.Matched = append(hit.Matched, g)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for _, h := range scores {
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].TextScore != hits[b].TextScore {
			return hits[a].TextScore > hits[b].TextScore
		}
		return hits[a].Entry.URL < hits[b].Entry.URL
	})
	return hits, nil
}
