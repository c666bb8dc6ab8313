// Package ranker compiles search queries against the page index and blends
// text relevance with freshness and domain authority.
package ranker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/index"
	"github.com/JakeFAU/searchcore/internal/metrics"
)

var (
	// ErrMalformedQuery marks an empty query or one made only of stopwords.
	ErrMalformedQuery = errors.New("malformed query")
	// ErrInvalidOptions marks negative paging values.
	ErrInvalidOptions = errors.New("invalid search options")
)

// Filter keys understood by Search.
const (
	FilterDomain   = "domain"
	FilterLanguage = "language"
	FilterSince    = "since"
)

const defaultDomainScore = 0.5

// FeatureStore supplies per-domain authority scores in [0,1].
type FeatureStore interface {
	DomainScore(domain string) (float64, bool)
}

// StaticFeatures is a FeatureStore backed by a fixed map.
type StaticFeatures map[string]float64

// DomainScore implements FeatureStore.
func (s StaticFeatures) DomainScore(domain string) (float64, bool) {
	v, ok := s[strings.ToLower(domain)]
	return v, ok
}

// Weights blend the score components.
type Weights struct {
	Text      float64
	Freshness float64
	Authority float64
}

// Config tunes scoring and paging.
type Config struct {
	Weights      Weights
	Tau          time.Duration
	DefaultLimit int
	MaxLimit     int
	SnippetChars int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:      Weights{Text: 1.0, Freshness: 0.2, Authority: 0.1},
		Tau:          30 * 24 * time.Hour,
		DefaultLimit: 10,
		MaxLimit:     100,
		SnippetChars: 160,
	}
}

// Options carry paging and filters for one query.
type Options struct {
	Limit   int
	Offset  int
	Filters map[string]string
}

// Result is one ranked hit.
type Result struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	Score      float64  `json:"score"`
	Highlights []string `json:"highlights"`
}

// ResultSet is the search response envelope.
type ResultSet struct {
	TotalHits int      `json:"total_hits"`
	Results   []Result `json:"results"`
	ElapsedMS float64  `json:"elapsed_ms"`
	Warnings  []string `json:"warnings,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Query is a compiled query: one group of index terms per distinct word.
type Query struct {
	Words    []string
	Groups   [][]string
	Language string
}

// Ranker answers queries from the in-memory index only.
type Ranker struct {
	idx      *index.Index
	features FeatureStore
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New wires a Ranker. Zero config fields fall back to DefaultConfig.
func New(idx *index.Index, features FeatureStore, clock crawler.Clock, cfg Config, logger *zap.Logger) *Ranker {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Tau <= 0 {
		cfg.Tau = def.Tau
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.SnippetChars <= 0 {
		cfg.SnippetChars = def.SnippetChars
	}
	if features == nil {
		features = StaticFeatures{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{idx: idx, features: features, clock: clock, cfg: cfg, logger: logger}
}

// Compile tokenizes q, drops stopwords for lang and expands each remaining
// word into the index terms it may match.
func (r *Ranker) Compile(q, lang string) (Query, error) {
	analyzer := r.idx.Analyzer()
	if lang == "" {
		lang = analyzer.DefaultLanguage()
	}
	query := Query{Language: lang}
	seen := make(map[string]struct{})
	for _, tok := range analyzer.Tokens(q) {
		if analyzer.IsStopword(tok.Term, lang) {
			continue
		}
		if _, ok := seen[tok.Term]; ok {
			continue
		}
		seen[tok.Term] = struct{}{}
		query.Words = append(query.Words, tok.Term)
		query.Groups = append(query.Groups, analyzer.QueryVariants(tok.Term))
	}
	if len(query.Words) == 0 {
		if strings.TrimSpace(q) == "" {
			return Query{}, fmt.Errorf("%w: empty query", ErrMalformedQuery)
		}
		return Query{}, fmt.Errorf("%w: query contains only stopwords", ErrMalformedQuery)
	}
	return query, nil
}

type scored struct {
	hit   index.Hit
	score float64
}

// Search runs q and returns a page of ranked results. A malformed query is
// not an error: the ResultSet is empty and carries a Reason.
func (r *Ranker) Search(ctx context.Context, q string, opts Options) (ResultSet, error) {
	start := time.Now()
	rs := ResultSet{Results: []Result{}}
	finish := func(outcome string) ResultSet {
		elapsed := time.Since(start)
		rs.ElapsedMS = float64(elapsed.Microseconds()) / 1000
		metrics.ObserveSearch(outcome, elapsed)
		return rs
	}

	if opts.Limit < 0 || opts.Offset < 0 {
		return ResultSet{}, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidOptions)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = r.cfg.DefaultLimit
	}
	if limit > r.cfg.MaxLimit {
		rs.Warnings = append(rs.Warnings, fmt.Sprintf("limit capped at %d", r.cfg.MaxLimit))
		limit = r.cfg.MaxLimit
	}

	filter, warnings := parseFilters(opts.Filters)
	rs.Warnings = append(rs.Warnings, warnings...)

	query, err := r.Compile(q, filter.Language)
	if err != nil {
		rs.Reason = strings.TrimPrefix(err.Error(), ErrMalformedQuery.Error()+": ")
		return finish("malformed"), nil
	}
	if err := ctx.Err(); err != nil {
		return ResultSet{}, fmt.Errorf("search: %w", err)
	}

	hits, err := r.idx.Search(query.Groups, filter)
	if err != nil {
		metrics.ObserveSearch("error", time.Since(start))
		return ResultSet{}, fmt.Errorf("search index: %w", err)
	}

	ranked := r.rank(hits)
	rs.TotalHits = len(ranked)
	if opts.Offset < len(ranked) {
		end := min(opts.Offset+limit, len(ranked))
		for _, s := range ranked[opts.Offset:end] {
			rs.Results = append(rs.Results, r.present(s, query))
		}
	}

	r.logger.Debug("search served",
		zap.String("query", q),
		zap.Int("total_hits", rs.TotalHits),
		zap.Int("returned", len(rs.Results)),
	)
	return finish("ok"), nil
}

func (r *Ranker) rank(hits []index.Hit) []scored {
	if len(hits) == 0 {
		return nil
	}
	top := 0.0
	for _, h := range hits {
		top = math.Max(top, h.TextScore)
	}
	now := r.clock.Now()
	w := r.cfg.Weights
	out := make([]scored, len(hits))
	for i, h := range hits {
		textNorm := 0.0
		if top > 0 {
			textNorm = h.TextScore / top
		}
		out[i] = scored{
			hit: h,
			score: w.Text*textNorm +
				w.Freshness*r.freshness(h.Entry, now) +
				w.Authority*r.domainScore(h.Entry.Domain),
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].hit.Entry.URL < out[b].hit.Entry.URL
	})
	return out
}

func (r *Ranker) freshness(e index.Entry, now time.Time) float64 {
	ts := e.FetchedAt
	if ts.IsZero() {
		ts = e.IndexedAt
	}
	if ts.IsZero() {
		return 0
	}
	age := now.Sub(ts)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age.Hours() / r.cfg.Tau.Hours())
}

func (r *Ranker) domainScore(domain string) float64 {
	if v, ok := r.features.DomainScore(domain); ok {
		return v
	}
	return defaultDomainScore
}

func (r *Ranker) present(s scored, q Query) Result {
	snippet, highlights := buildSnippet(r.idx.Analyzer(), s.hit.Entry, q, r.cfg.SnippetChars)
	return Result{
		URL:        s.hit.Entry.URL,
		Title:      s.hit.Entry.Title,
		Snippet:    snippet,
		Score:      s.score,
		Highlights: highlights,
	}
}

func parseFilters(filters map[string]string) (index.Filter, []string) {
	var (
		f        index.Filter
		warnings []string
	)
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.TrimSpace(filters[k])
		if v == "" {
			continue
		}
		switch k {
		case FilterDomain:
			f.Domain = strings.ToLower(v)
		case FilterLanguage:
			f.Language = strings.ToLower(v)
		case FilterSince:
			ts, err := parseSince(v)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid since %q ignored", v))
				continue
			}
			f.Since = ts
		default:
			warnings = append(warnings, fmt.Sprintf("unknown filter %q ignored", k))
		}
	}
	return f, warnings
}

func parseSince(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse since: %w", err)
	}
	return time.Unix(secs, 0).UTC(), nil
}
