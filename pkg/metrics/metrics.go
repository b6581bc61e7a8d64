// Package metrics defines the Prometheus collectors for encoding, search,
// content resolution and caching, and an HTTP server for scraping them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector. All methods are safe on a nil receiver so
// components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	PagesEncodedTotal     prometheus.Counter
	EncodeDuration        *prometheus.HistogramVec
	EncodeFailuresTotal   *prometheus.CounterVec
	SearchQueriesTotal    *prometheus.CounterVec
	SearchLatency         prometheus.Histogram
	SearchResultsCount    prometheus.Histogram
	PagesResolvedTotal    *prometheus.CounterVec
	ResolveBatchDuration  prometheus.Histogram
	ResolverRequestsTotal *prometheus.CounterVec
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PagesEncodedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dkr_pages_encoded_total",
			Help: "Pages rasterized and added to a container.",
		}),
		EncodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dkr_encode_duration_seconds",
			Help:    "Duration of each encoding stage.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		EncodeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkr_encode_failures_total",
			Help: "Failed encoding runs by stage.",
		}, []string{"stage"}),
		SearchQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkr_search_queries_total",
			Help: "Search queries by outcome (matched, no_match, no_terms, error).",
		}, []string{"outcome"}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dkr_search_latency_seconds",
			Help:    "End-to-end retrieval latency including resolution.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		SearchResultsCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dkr_search_results_count",
			Help:    "Pages returned per search after context expansion.",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
		}),
		PagesResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkr_pages_resolved_total",
			Help: "Pages resolved to text by status (ok, failed, mismatch).",
		}, []string{"status"}),
		ResolveBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dkr_resolve_batch_duration_seconds",
			Help:    "Duration of a single resolver batch call.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		ResolverRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkr_resolver_requests_total",
			Help: "HTTP requests sent to the OCR service by result.",
		}, []string{"result"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dkr_content_cache_hits_total",
			Help: "Content cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dkr_content_cache_misses_total",
			Help: "Content cache misses.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dkr_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkr_http_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dkr_http_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"method", "route"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dkr_http_requests_in_flight",
			Help: "API requests currently being served.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PagesEncodedTotal,
		m.EncodeDuration,
		m.EncodeFailuresTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.PagesResolvedTotal,
		m.ResolveBatchDuration,
		m.ResolverRequestsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)
	return m
}

func (m *Metrics) PageEncoded() {
	if m == nil {
		return
	}
	m.PagesEncodedTotal.Inc()
}

func (m *Metrics) ObserveEncodeStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.EncodeDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.EncodeFailuresTotal.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObserveSearch(outcome string, d time.Duration, results int) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	m.SearchLatency.Observe(d.Seconds())
	m.SearchResultsCount.Observe(float64(results))
}

func (m *Metrics) PagesResolved(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PagesResolvedTotal.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) ObserveResolveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.ResolveBatchDuration.Observe(d.Seconds())
}

func (m *Metrics) ResolverRequest(result string) {
	if m == nil {
		return
	}
	m.ResolverRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}

// SetBreakerState matches resilience.State ordering.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) HTTPStarted() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

func (m *Metrics) HTTPFinished(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
