// Package metrics exposes process-wide Prometheus collectors for the
// harvester: source calls, page fetches, rate limiting and the status API.
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

// Source call outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeTerminal  = "terminal"
)

var (
	sourceRequestsTotal          *prometheus.CounterVec
	sourceRequestDurationSeconds *prometheus.HistogramVec
	fetchPagesTotal              *prometheus.CounterVec
	fetchBytesTotal              *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	rateLimitDelaysSeconds       *prometheus.HistogramVec
	stackExchangeQuotaRemaining  prometheus.Gauge
	stackExchangeBackoffsTotal   prometheus.Counter

	once sync.Once
)

// Init registers the collectors on the default registry. It is safe to call
// this function multiple times; the Observe helpers call it too.
func Init() {
	once.Do(func() {
		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_source_requests_total",
				Help: "Calls to page, discovery and detail sources, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		sourceRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_source_request_duration_seconds",
				Help:    "Latency of a single source call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		)

		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetch_pages_total",
				Help: "HTML pages fetched, labeled by fetcher, host and status class.",
			},
			[]string{"fetcher", "site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetch_bytes_total",
				Help: "Bytes fetched, labeled by fetcher and host.",
			},
			[]string{"fetcher", "site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		stackExchangeQuotaRemaining = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_stackexchange_quota_remaining",
				Help: "quota_remaining reported by the last Stack Exchange API response.",
			},
		)

		stackExchangeBackoffsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_stackexchange_backoffs_total",
				Help: "Responses that carried a backoff instruction.",
			},
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

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...).
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSourceRequest records one source call.
func ObserveSourceRequest(source, outcome string, duration time.Duration) {
	Init()
	sourceRequestsTotal.WithLabelValues(source, outcome).Inc()
	sourceRequestDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveFetch records one HTML page retrieval.
func ObserveFetch(fetcher, rawURL string, statusCode, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchPagesTotal.WithLabelValues(fetcher, site, StatusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(fetcher, site).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveQuota records the API quota left after a response.
func ObserveQuota(remaining int) {
	Init()
	stackExchangeQuotaRemaining.Set(float64(remaining))
}

// ObserveBackoff counts a backoff instruction from the API.
func ObserveBackoff() {
	Init()
	stackExchangeBackoffsTotal.Inc()
}
