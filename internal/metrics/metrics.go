// Package metrics exposes Prometheus collectors for the prompt collector.
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
	collectorPagesTotal            *prometheus.CounterVec
	collectorItemsTotal            *prometheus.CounterVec
	collectorFetchRetriesTotal     *prometheus.CounterVec
	collectorRunsTotal             *prometheus.CounterVec
	collectorActiveRuns            prometheus.Gauge
	collectorRateLimitDelaySeconds *prometheus.HistogramVec
	collectorFetchDurationSeconds  *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_pages_total",
				Help: "Total number of pages fetched, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		collectorItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_items_total",
				Help: "Total number of items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		collectorFetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by failure kind.",
			},
			[]string{"kind"},
		)

		collectorRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_runs_total",
				Help: "Total number of collection runs, labeled by final status.",
			},
			[]string{"status"},
		)

		collectorActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_active_runs",
				Help: "Number of collection runs currently in progress.",
			},
		)

		collectorRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delay_seconds",
				Help:    "Histogram of pacing and cooldown waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"host", "reason"},
		)

		collectorFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_fetch_duration_seconds",
				Help:    "Histogram of single upstream request latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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
	Init()
	return promhttp.Handler()
}

// ObservePage counts one page fetch for a target.
func ObservePage(target, outcome string) {
	Init()
	collectorPagesTotal.WithLabelValues(target, outcome).Inc()
}

// ObserveItem counts one item by dedup or save outcome.
func ObserveItem(outcome string) {
	Init()
	collectorItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchRetry counts a retried fetch attempt.
func ObserveFetchRetry(kind string) {
	Init()
	collectorFetchRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveFetchDuration records the latency of one upstream request.
func ObserveFetchDuration(rawURL string, duration time.Duration) {
	Init()
	collectorFetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveRun counts a finished run by status.
func ObserveRun(status string) {
	Init()
	collectorRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	collectorActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	collectorActiveRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing or cooldown wait.
func ObserveRateLimitDelay(host, reason string, duration time.Duration) {
	Init()
	collectorRateLimitDelaySeconds.WithLabelValues(host, reason).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
