package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/searchcore/internal/metrics"
	"github.com/JakeFAU/searchcore/internal/progress"
)

// PrometheusSink turns progress events into session and page counters.
type PrometheusSink struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	phases        *prometheus.CounterVec
	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	running *sessionSet
}

// NewPrometheusSink registers the sink's collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchcore_progress_sessions_started_total",
			Help: "Crawl sessions that emitted a start event.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchcore_progress_sessions_finished_total",
			Help: "Crawl sessions that finished, by final status.",
		}, []string{"status"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchcore_progress_sessions_running",
			Help: "Crawl sessions between start and done events.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchcore_progress_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchcore_progress_page_phases_total",
			Help: "Per-URL pipeline phases reached.",
		}, []string{"phase"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchcore_progress_fetches_total",
			Help: "Fetch completions by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchcore_progress_fetch_bytes_total",
			Help: "Bytes downloaded by site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchcore_progress_fetch_duration_seconds",
			Help:    "Fetch duration by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		running: &sessionSet{ids: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.sessionsStarted, s.sessionsFinished, s.sessionsRunning, s.sessionRuntime,
		s.phases, s.fetchRequests, s.fetchBytes, s.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Phase {
		case progress.PhaseSessionStart:
			s.sessionsStarted.Inc()
			if s.running.add(evt.SessionID) {
				s.sessionsRunning.Inc()
			}
		case progress.PhaseSessionDone:
			status := evt.Status
			if status == "" {
				status = "unknown"
			}
			s.sessionsFinished.WithLabelValues(status).Inc()
			if evt.Duration > 0 {
				s.sessionRuntime.WithLabelValues(status).Observe(evt.Duration.Seconds())
			}
			if s.running.remove(evt.SessionID) {
				s.sessionsRunning.Dec()
			}
		case progress.PhaseFetch:
			s.phases.WithLabelValues(string(evt.Phase)).Inc()
			s.observeFetch(evt)
		default:
			s.phases.WithLabelValues(string(evt.Phase)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	site := evt.Host
	if site == "" {
		site = metrics.SanitizeSite(evt.URL)
	}
	class := string(evt.Class())
	s.fetchRequests.WithLabelValues(site, class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Duration > 0 {
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Duration.Seconds())
	}
}

func (s *PrometheusSink) Close(context.Context) error { return nil }

type sessionSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (t *sessionSet) add(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; ok {
		return false
	}
	t.ids[id] = struct{}{}
	return true
}

func (t *sessionSet) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	return true
}
