// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiCallsTotal              *prometheus.CounterVec
	apiCallDurationSeconds     *prometheus.HistogramVec
	paginationResultsTotal     *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	poolJobsTotal              *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	notificationsTotal         *prometheus.CounterVec
	storeErrorsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convograph_api_calls_total",
				Help: "Total number of API calls, labeled by family and HTTP status code.",
			},
			[]string{"family", "code"},
		)

		apiCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convograph_api_call_duration_seconds",
				Help:    "Histogram of API call latencies, labeled by family.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"family"},
		)

		paginationResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convograph_pagination_results_total",
				Help: "Total number of finished pagination loops, labeled by family and terminal status.",
			},
			[]string{"family", "status"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convograph_rate_limit_wait_seconds",
				Help:    "Histogram of waits spent on rate-limit resets and pacing, labeled by family and kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600, 900},
			},
			[]string{"family", "kind"},
		)

		poolJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convograph_pool_jobs_total",
				Help: "Total number of pool jobs, labeled by pool and outcome.",
			},
			[]string{"pool", "outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "convograph_active_workers",
				Help: "Number of pool workers currently running.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convograph_notifications_total",
				Help: "Total number of usage-cap notifications, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		storeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convograph_store_errors_total",
				Help: "Total number of absorbed persistence failures, labeled by collection and operation.",
			},
			[]string{"collection", "op"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served by the ops server, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops server request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAPICall records one upstream call.
func ObserveAPICall(family string, code int, duration time.Duration) {
	Init()
	apiCallsTotal.WithLabelValues(family, strconv.Itoa(code)).Inc()
	apiCallDurationSeconds.WithLabelValues(family).Observe(duration.Seconds())
}

// ObservePagination records the terminal status of one pagination loop.
func ObservePagination(family, status string) {
	Init()
	paginationResultsTotal.WithLabelValues(family, status).Inc()
}

// ObserveWait records time spent sleeping; kind is "reset", "pace" or "limiter".
func ObserveWait(family, kind string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(family, kind).Observe(d.Seconds())
}

// ObservePoolJob counts one finished pool job.
func ObservePoolJob(pool, outcome string) {
	Init()
	poolJobsTotal.WithLabelValues(pool, outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveNotification counts a usage-cap notification attempt.
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStoreError counts an absorbed persistence failure.
func ObserveStoreError(collection, op string) {
	Init()
	storeErrorsTotal.WithLabelValues(collection, op).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
