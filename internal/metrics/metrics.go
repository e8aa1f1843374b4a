// Package metrics exposes Prometheus collectors for blockguard.
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

	"github.com/JakeFAU/blockguard/internal/crawler"
)

var (
	attemptsTotal              *prometheus.CounterVec
	blocksTotal                *prometheus.CounterVec
	resolutionsTotal           *prometheus.CounterVec
	fallbackInvocationsTotal   *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbacksTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockguard_attempts_total",
				Help: "Total fetch attempts, labeled by target kind and block verdict.",
			},
			[]string{"target", "blocked"},
		)

		blocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockguard_blocks_total",
				Help: "Total blocked attempts, labeled by detector reason.",
			},
			[]string{"reason"},
		)

		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockguard_resolutions_total",
				Help: "Total finished crawls, labeled by resolution mechanism.",
			},
			[]string{"resolved_by"},
		)

		fallbackInvocationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockguard_fallback_invocations_total",
				Help: "Total fallback fetch invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockguard_attempt_duration_seconds",
				Help:    "Histogram of fetch attempt latencies, labeled by target kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockguard_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockguard_robots_fallbacks_total",
				Help: "Total robots.txt fetches that timed out and fell back to allow-all.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveRobotsFallback increments the robots.txt allow-all fallback counter.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// Observer feeds escalation events into the package collectors. Target
// labels use the target kind so proxy hostnames do not explode cardinality.
// The zero value is ready to use.
type Observer struct{}

// NewObserver initializes the collectors and returns an Observer.
func NewObserver() Observer {
	Init()
	return Observer{}
}

// ObserveAttempt records one classified attempt.
func (Observer) ObserveAttempt(target crawler.Target, verdict crawler.Verdict, duration time.Duration) {
	Init()
	attemptsTotal.WithLabelValues(target.Kind(), strconv.FormatBool(verdict.Blocked)).Inc()
	attemptDurationSeconds.WithLabelValues(target.Kind()).Observe(duration.Seconds())
	if verdict.Blocked {
		blocksTotal.WithLabelValues(verdict.Reason).Inc()
	}
}

// ObserveFallback records a fallback invocation outcome.
func (Observer) ObserveFallback(outcome string) {
	Init()
	fallbackInvocationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolution records how a crawl finished.
func (Observer) ObserveResolution(by crawler.ResolvedBy) {
	Init()
	resolutionsTotal.WithLabelValues(string(by)).Inc()
}
