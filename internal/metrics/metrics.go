// Package metrics exposes Prometheus collectors for the gateway service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	quotaDecisionsTotal        *prometheus.CounterVec
	egressRotationsTotal       *prometheus.CounterVec
	egressRotationSeconds      prometheus.Histogram
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	artifactsStagedTotal       *prometheus.CounterVec
	pipelineStageSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)

		quotaDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_decisions_total",
				Help: "Quota ledger decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		egressRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_egress_rotations_total",
				Help: "Egress rotations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		egressRotationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_egress_rotation_seconds",
				Help:    "Wall time of an egress rotation including settle waits.",
				Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
			},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fetches_total",
				Help: "Upstream fetches, labeled by mode, site and status.",
			},
			[]string{"mode", "site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fetch_bytes_total",
				Help: "Bytes fetched from upstream, labeled by mode.",
			},
			[]string{"mode"},
		)

		artifactsStagedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_artifacts_staged_total",
				Help: "Artifacts written to the blob store, labeled by status.",
			},
			[]string{"status"},
		)

		pipelineStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_pipeline_stage_seconds",
				Help:    "Time spent in each pipeline state.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
			},
			[]string{"state"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveQuotaDecision counts a ledger outcome such as "allowed" or "exceeded".
func ObserveQuotaDecision(outcome string) {
	Init()
	quotaDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEgressRotation records one rotation.
func ObserveEgressRotation(outcome string, duration time.Duration) {
	Init()
	egressRotationsTotal.WithLabelValues(outcome).Inc()
	egressRotationSeconds.Observe(duration.Seconds())
}

// ObserveFetch records an upstream fetch.
func ObserveFetch(mode, site, status string, bytesFetched int) {
	Init()
	fetchesTotal.WithLabelValues(mode, SanitizeSite(site), status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(mode).Add(float64(bytesFetched))
	}
}

// ObserveArtifact counts a staging attempt.
func ObserveArtifact(status string) {
	Init()
	artifactsStagedTotal.WithLabelValues(status).Inc()
}

// ObservePipelineStage records time spent in a pipeline state.
func ObservePipelineStage(state string, duration time.Duration) {
	Init()
	pipelineStageSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
