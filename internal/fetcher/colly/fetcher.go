// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/metrics"
)

// Defaults applied when the request leaves a limit unset.
const (
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 10 << 20
	defaultReadTimeout  = 15 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
	MaxBodyBytes   int64
	// AllowedContentTypes is the media-type allow-list for 2xx bodies.
	AllowedContentTypes []string
	AllowDowngrade      bool
	// Transport overrides the pooled HTTP transport.
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each fetch
// builds its own collector over a shared pooled transport so redirect state
// never leaks between concurrent requests.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = crawler.DefaultAllowedContentTypes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport(cfg.ConnectTimeout)
	}
	return &Fetcher{cfg: cfg, transport: transport, logger: logger}
}

// fetchState collects what the collector callbacks observe for one request.
type fetchState struct {
	mu        sync.Mutex
	resp      crawler.FetchResponse
	got       bool
	err       error
	finalURL  string
	redirects int
}

func (s *fetchState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Fetch executes a single HTTP request using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	target, err := crawler.NormalizeURL(request.URL)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	limits := f.limitsFor(request)
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	state := &fetchState{finalURL: target}
	collector := f.buildCollector(ctx, limits, state)

	start := time.Now()
	visitErr := f.runCollector(ctx, collector, method, target, request.Headers)
	elapsed := time.Since(start)
	metrics.ObserveFetchDuration("http", elapsed)

	state.mu.Lock()
	defer state.mu.Unlock()
	resp := state.resp
	resp.URL = request.URL
	resp.FinalURL = state.finalURL
	resp.Redirects = state.redirects
	resp.Elapsed = elapsed

	if state.err != nil {
		if errors.Is(state.err, crawler.ErrSkippedType) {
			return resp, state.err
		}
		return crawler.FetchResponse{}, state.err
	}
	if visitErr != nil {
		if crawler.IsTLSHandshakeTimeout(visitErr) {
			metrics.ObserveProbeTLSHandshakeTimeout()
		}
		f.logger.Debug("colly visit failed", zap.String("url", target), zap.Error(visitErr))
		return crawler.FetchResponse{}, crawler.ClassifyNetError(target, visitErr)
	}
	if !state.got {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: no response received", target)
	}
	if int64(len(resp.Body)) > limits.maxBody {
		return crawler.FetchResponse{}, crawler.NewFetchError(crawler.ErrTooLarge, target,
			fmt.Errorf("body exceeds %d bytes", limits.maxBody))
	}
	return resp, nil
}

type limits struct {
	readTimeout    time.Duration
	maxRedirects   int
	maxBody        int64
	allowDowngrade bool
}

func (f *Fetcher) limitsFor(request crawler.FetchRequest) limits {
	l := limits{
		readTimeout:    f.cfg.ReadTimeout,
		maxRedirects:   f.cfg.MaxRedirects,
		maxBody:        f.cfg.MaxBodyBytes,
		allowDowngrade: f.cfg.AllowDowngrade || request.AllowDowngrade,
	}
	if request.ReadTimeout > 0 {
		l.readTimeout = request.ReadTimeout
	}
	if request.MaxRedirects > 0 {
		l.maxRedirects = request.MaxRedirects
	}
	if request.MaxBodyBytes > 0 {
		l.maxBody = request.MaxBodyBytes
	}
	if l.readTimeout <= 0 {
		l.readTimeout = defaultReadTimeout
	}
	if l.maxRedirects <= 0 {
		l.maxRedirects = DefaultMaxRedirects
	}
	if l.maxBody <= 0 {
		l.maxBody = DefaultMaxBodyBytes
	}
	return l
}

func (f *Fetcher) buildCollector(ctx context.Context, l limits, state *fetchState) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	// One extra byte distinguishes a body at the cap from a truncated one.
	collector.MaxBodySize = int(l.maxBody) + 1
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.WithTransport(&contextTransport{base: f.transport, ctx: ctx})
	collector.SetRequestTimeout(l.readTimeout)
	collector.SetRedirectHandler(redirectPolicy(l, state))

	collector.OnResponseHeaders(func(r *colly.Response) {
		f.checkHeaders(r, l, state)
	})
	collector.OnResponse(func(r *colly.Response) {
		state.mu.Lock()
		defer state.mu.Unlock()
		state.got = true
		state.resp.StatusCode = r.StatusCode
		if r.Headers != nil {
			state.resp.Headers = r.Headers.Clone()
		}
		state.resp.Body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			state.fail(fe)
		}
	})
	return collector
}

// checkHeaders rejects oversized or disallowed bodies before they are read.
func (f *Fetcher) checkHeaders(r *colly.Response, l limits, state *fetchState) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > l.maxBody {
			state.fail(crawler.NewFetchError(crawler.ErrTooLarge, state.finalURL,
				fmt.Errorf("content-length %d exceeds %d", n, l.maxBody)))
			r.Request.Abort()
			return
		}
	}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return
	}
	contentType := headers.Get("Content-Type")
	if crawler.IsAllowedContentType(contentType, f.cfg.AllowedContentTypes) {
		return
	}
	state.mu.Lock()
	state.got = true
	state.resp.StatusCode = r.StatusCode
	state.resp.Headers = headers
	state.mu.Unlock()
	state.fail(crawler.NewFetchError(crawler.ErrSkippedType, state.finalURL,
		fmt.Errorf("content type %q", contentType)))
	r.Request.Abort()
}

// redirectPolicy enforces the redirect cap, loop detection and the
// https to http downgrade rule.
func redirectPolicy(l limits, state *fetchState) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		next := req.URL.String()
		if len(via) > l.maxRedirects {
			err := crawler.NewFetchError(crawler.ErrTooManyRedirects, next,
				fmt.Errorf("stopped after %d redirects", l.maxRedirects))
			state.fail(err)
			return err
		}
		for _, prev := range via {
			if prev.URL.String() == next {
				err := crawler.NewFetchError(crawler.ErrRedirectLoop, next, nil)
				state.fail(err)
				return err
			}
		}
		last := via[len(via)-1]
		if !l.allowDowngrade && last.URL.Scheme == "https" && req.URL.Scheme == "http" {
			err := crawler.NewFetchError(crawler.ErrSchemeDowngrade, next, nil)
			state.fail(err)
			return err
		}
		normalized, err := crawler.NormalizeURL(next)
		if err != nil {
			normalized = next
		}
		state.mu.Lock()
		state.finalURL = normalized
		state.redirects = len(via)
		state.mu.Unlock()
		return nil
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, method, target string, headers http.Header) error {
	hdr := http.Header{}
	for key, values := range headers {
		for _, v := range values {
			hdr.Add(key, v)
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, target, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// contextTransport ties outgoing requests to the caller's context as well
// as the client's own deadline, so a canceled fetch aborts the request.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, fmt.Errorf("roundtrip: %w", err)
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err //nolint:wrapcheck
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
