// Package metrics exposes process-level Prometheus collectors for the crawl
// service: HTTP API traffic, pacing delays, robots lookups, headless renders
// and active crawl loops. Per-event crawl metrics live in progress/sinks.
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
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsLookupsTotal     *prometheus.CounterVec
	crawlerHeadlessRendersTotal   *prometheus.CounterVec
	crawlerActiveLoops            prometheus.Gauge

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRobotsLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_lookups_total",
				Help: "robots.txt fetches partitioned by outcome.",
			},
			[]string{"result"},
		)

		crawlerHeadlessRendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_headless_renders_total",
				Help: "Headless browser renders partitioned by outcome.",
			},
			[]string{"result"},
		)

		crawlerActiveLoops = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_loops",
				Help: "Number of orchestration loops currently executing.",
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

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveRobotsLookup counts a robots.txt fetch by result ("ok", "missing", "error").
func ObserveRobotsLookup(result string) {
	Init()
	crawlerRobotsLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHeadlessRender counts a headless render by result ("ok", "error", "timeout").
func ObserveHeadlessRender(result string) {
	Init()
	crawlerHeadlessRendersTotal.WithLabelValues(result).Inc()
}

// IncActiveLoops increments the active loop gauge.
func IncActiveLoops() {
	Init()
	crawlerActiveLoops.Inc()
}

// DecActiveLoops decrements the active loop gauge.
func DecActiveLoops() {
	Init()
	crawlerActiveLoops.Dec()
}
