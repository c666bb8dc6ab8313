// Package metrics exposes Prometheus collectors for the search service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal                    *prometheus.CounterVec
	crawlerBytesTotal                    *prometheus.CounterVec
	crawlerFetchDurationSeconds          *prometheus.HistogramVec
	crawlerRetriesTotal                  *prometheus.CounterVec
	crawlerProbeTLSHandshakeTimeoutTotal prometheus.Counter
	crawlerActiveWorkers                 prometheus.Gauge
	crawlerSessionsTotal                 *prometheus.CounterVec
	frontierPending                      *prometheus.GaugeVec
	frontierInFlight                     *prometheus.GaugeVec
	indexDocuments                       prometheus.Gauge
	indexerDocumentsTotal                *prometheus.CounterVec
	searchDurationSeconds                prometheus.Histogram
	searchResultsTotal                   *prometheus.CounterVec
	httpRequestsTotal                    *prometheus.CounterVec
	httpRequestDurationSeconds           *prometheus.HistogramVec
	rateLimitRejectionsTotal             *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by fetch mode.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of fetch retries scheduled, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a frontier entry.",
			},
		)

		crawlerSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sessions_total",
				Help: "Total number of crawl session transitions, labeled by status.",
			},
			[]string{"status"},
		)

		frontierPending = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_pending_entries",
				Help: "Pending frontier entries per session.",
			},
			[]string{"session"},
		)

		frontierInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_in_flight_entries",
				Help: "In-flight frontier entries per session.",
			},
			[]string{"session"},
		)

		indexDocuments = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_documents",
				Help: "Number of documents in the page-content index.",
			},
		)

		indexerDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_documents_total",
				Help: "Total number of index mutations, labeled by source.",
			},
			[]string{"source"},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_duration_seconds",
				Help:    "Histogram of search query latencies.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		)

		searchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total number of search queries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_rate_limit_rejections_total",
				Help: "Total number of requests rejected by a rate limiter, labeled by route.",
			},
			[]string{"route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the page and byte counters.
func ObserveCrawl(site string, status string, bytesFetched int) {
	if crawlerPagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchDuration records a fetch latency for mode (probe or headless).
func ObserveFetchDuration(mode string, d time.Duration) {
	if crawlerFetchDurationSeconds == nil {
		return
	}
	crawlerFetchDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(reason string) {
	if crawlerRetriesTotal == nil {
		return
	}
	crawlerRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	if crawlerProbeTLSHandshakeTimeoutTotal == nil {
		return
	}
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Dec()
}

// ObserveSession counts a session status transition.
func ObserveSession(status string) {
	if crawlerSessionsTotal == nil {
		return
	}
	crawlerSessionsTotal.WithLabelValues(status).Inc()
}

// SetFrontierSize publishes frontier gauges for a session.
func SetFrontierSize(sessionID string, pending, inFlight int) {
	if frontierPending == nil {
		return
	}
	frontierPending.WithLabelValues(sessionID).Set(float64(pending))
	frontierInFlight.WithLabelValues(sessionID).Set(float64(inFlight))
}

// ForgetFrontier removes the gauges of a finished session.
func ForgetFrontier(sessionID string) {
	if frontierPending == nil {
		return
	}
	frontierPending.DeleteLabelValues(sessionID)
	frontierInFlight.DeleteLabelValues(sessionID)
}

// SetIndexDocuments publishes the current index size.
func SetIndexDocuments(n int) {
	if indexDocuments == nil {
		return
	}
	indexDocuments.Set(float64(n))
}

// ObserveIndexed counts an index mutation from source (push, resync, orphan, profile).
func ObserveIndexed(source string) {
	if indexerDocumentsTotal == nil {
		return
	}
	indexerDocumentsTotal.WithLabelValues(source).Inc()
}

// ObserveSearch records the latency and outcome of a search.
func ObserveSearch(outcome string, d time.Duration) {
	if searchDurationSeconds == nil {
		return
	}
	searchDurationSeconds.Observe(d.Seconds())
	searchResultsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimited counts a request rejected by a limiter.
func ObserveRateLimited(route string) {
	if rateLimitRejectionsTotal == nil {
		return
	}
	rateLimitRejectionsTotal.WithLabelValues(route).Inc()
}
