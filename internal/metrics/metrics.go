// Package metrics exposes Prometheus collectors for the ingestion service.
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

// Scene outcomes.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeNotStarted = "not_started"
)

var (
	ingestRunsTotal             *prometheus.CounterVec
	ingestScenesTotal           *prometheus.CounterVec
	ingestAssetBytesTotal       *prometheus.CounterVec
	ingestActiveWorkers         prometheus.Gauge
	ingestErrorsSuppressedTotal prometheus.Counter
	ingestErrorsRecordedTotal   *prometheus.CounterVec
	ingestManifestWritesTotal   *prometheus.CounterVec
	ingestRateLimitDelaySeconds *prometheus.HistogramVec
	ingestRunDurationSeconds    prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Total number of batch runs, labeled by terminal state.",
			},
			[]string{"state"},
		)

		ingestScenesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_scenes_total",
				Help: "Total number of scenes processed, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		ingestAssetBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_asset_bytes_total",
				Help: "Total number of asset bytes written to the blob store, labeled by mode.",
			},
			[]string{"mode"},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a scene.",
			},
		)

		ingestErrorsSuppressedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_errors_suppressed_total",
				Help: "Error log entries dropped by the suppression filter.",
			},
		)

		ingestErrorsRecordedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_errors_recorded_total",
				Help: "Error log entries written, labeled by sink and result.",
			},
			[]string{"sink", "result"},
		)

		ingestManifestWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_manifest_writes_total",
				Help: "Manifest write attempts, labeled by result (written, unchanged, error).",
			},
			[]string{"result"},
		)

		ingestRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of download rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		ingestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Histogram of batch run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveRun records a finished run.
func ObserveRun(state string, duration time.Duration) {
	Init()
	ingestRunsTotal.WithLabelValues(state).Inc()
	ingestRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveScene records one scene outcome and the bytes it stored.
func ObserveScene(mode, outcome string, bytesStored int64) {
	Init()
	ingestScenesTotal.WithLabelValues(mode, outcome).Inc()
	if bytesStored > 0 {
		ingestAssetBytesTotal.WithLabelValues(mode).Add(float64(bytesStored))
	}
}

// ObserveScenesNotStarted records scenes abandoned by a cancelled run.
func ObserveScenesNotStarted(mode string, n int) {
	Init()
	if n > 0 {
		ingestScenesTotal.WithLabelValues(mode, OutcomeNotStarted).Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	ingestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	ingestActiveWorkers.Dec()
}

// ObserveSuppressedError counts an error log entry dropped by the filter.
func ObserveSuppressedError() {
	Init()
	ingestErrorsSuppressedTotal.Inc()
}

// ObserveRecordedError counts an error log write.
func ObserveRecordedError(sink string, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	ingestErrorsRecordedTotal.WithLabelValues(sink, result).Inc()
}

// ObserveManifestWrite counts a manifest write attempt.
func ObserveManifestWrite(result string) {
	Init()
	ingestManifestWritesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	ingestRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
