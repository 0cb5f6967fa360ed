// Package metrics exposes Prometheus collectors for the page store service.
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
	pageFetchesTotal          *prometheus.CounterVec
	pageFetchDurationSeconds  *prometheus.HistogramVec
	snapshotsEvictedTotal     prometheus.Counter
	batchStepsTotal           prometheus.Counter
	batchURLsProcessedTotal   *prometheus.CounterVec
	batchClaimConflictsTotal  prometheus.Counter
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pageFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagestore_fetches_total",
				Help: "Total page resolutions, labeled by site and result (hit, miss, error).",
			},
			[]string{"site", "result"},
		)

		pageFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagestore_fetch_duration_seconds",
				Help:    "Histogram of remote fetch latencies, labeled by render method.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method"},
		)

		snapshotsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagestore_snapshots_evicted_total",
				Help: "Total snapshots removed by retention enforcement.",
			},
		)

		batchStepsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagestore_batch_steps_total",
				Help: "Total batch step invocations.",
			},
		)

		batchURLsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagestore_batch_urls_processed_total",
				Help: "Total URLs given a terminal outcome, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchClaimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagestore_batch_claim_conflicts_total",
				Help: "Total claim attempts lost to a concurrent caller.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
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
	return promhttp.Handler()
}

// ObservePageFetch records the result of one page resolution.
func ObservePageFetch(site string, result string) {
	pageFetchesTotal.WithLabelValues(SanitizeSite(site), result).Inc()
}

// ObserveFetchDuration records a remote fetch latency by render method.
func ObserveFetchDuration(method string, duration time.Duration) {
	pageFetchDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveEvictions adds to the retention eviction counter.
func ObserveEvictions(count int) {
	if count > 0 {
		snapshotsEvictedTotal.Add(float64(count))
	}
}

// ObserveBatchStep increments the step counter.
func ObserveBatchStep() {
	batchStepsTotal.Inc()
}

// ObserveBatchURL increments the processed-URL counter for the given outcome.
func ObserveBatchURL(outcome string) {
	batchURLsProcessedTotal.WithLabelValues(outcome).Inc()
}

// ObserveClaimConflict increments the lost-claim counter.
func ObserveClaimConflict() {
	batchClaimConflictsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
