// Package metrics exposes Prometheus collectors for the crawl engine.
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
	crawlerDispatchesTotal        *prometheus.CounterVec
	crawlerGateRejectionsTotal    *prometheus.CounterVec
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerFrontierSize           prometheus.Gauge
	crawlerBudgetUtilization      *prometheus.GaugeVec
	crawlerRobotsStatesTotal      *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerDispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dispatches_total",
				Help: "URLs released to fetch workers, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerGateRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_gate_rejections_total",
				Help: "Frontier entries held back or dropped at dispatch, labeled by gate and outcome.",
			},
			[]string{"gate", "outcome"},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
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

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_size",
				Help: "Entries currently queued in the frontier.",
			},
		)

		crawlerBudgetUtilization = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_budget_utilization_ratio",
				Help: "Fraction of a global budget limit consumed, labeled by counter kind.",
			},
			[]string{"kind"},
		)

		crawlerRobotsStatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_state_transitions_total",
				Help: "Robots policy cache state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently fetching a URL.",
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

// ObserveDispatch counts a URL released to a worker.
func ObserveDispatch(site string) {
	Init()
	crawlerDispatchesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveGateRejection counts an entry stopped at a dispatch gate.
// outcome is "dropped" or "deferred".
func ObserveGateRejection(gate, outcome string) {
	Init()
	crawlerGateRejectionsTotal.WithLabelValues(gate, outcome).Inc()
}

// ObserveCrawl increments the page and byte counters for a completed fetch.
func ObserveCrawl(site string, status string, bytesFetched int64) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// SetFrontierSize publishes the current frontier length.
func SetFrontierSize(n int) {
	Init()
	crawlerFrontierSize.Set(float64(n))
}

// SetBudgetUtilization publishes the consumed fraction of a global limit.
func SetBudgetUtilization(kind string, ratio float64) {
	Init()
	crawlerBudgetUtilization.WithLabelValues(kind).Set(ratio)
}

// ObserveRobotsState counts a robots cache transition into state.
func ObserveRobotsState(state string) {
	Init()
	crawlerRobotsStatesTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
