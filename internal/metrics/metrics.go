// Package metrics exposes Prometheus collectors for the scraper cluster.
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
	tasksTotal             *prometheus.CounterVec
	sessionsTotal          *prometheus.CounterVec
	queueDepth             *prometheus.GaugeVec
	workersByStatus        *prometheus.GaugeVec
	credentialsByStatus    *prometheus.GaugeVec
	captchaSolvesTotal     *prometheus.CounterVec
	recordsExtractedTotal  prometheus.Counter
	taskDurationSeconds    prometheus.Histogram
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_tasks_total",
				Help: "Total task outcomes, labeled by terminal status.",
			},
			[]string{"status"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_sessions_total",
				Help: "Total aggregation sessions, labeled by resolution.",
			},
			[]string{"status"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Tasks currently in the queue, labeled by status.",
			},
			[]string{"status"},
		)

		workersByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_workers",
				Help: "Registered workers, labeled by derived liveness.",
			},
			[]string{"status"},
		)

		credentialsByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_credentials",
				Help: "CAPTCHA credentials, labeled by rotation state.",
			},
			[]string{"status"},
		)

		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_captcha_solves_total",
				Help: "CAPTCHA solve attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_records_extracted_total",
				Help: "Total result records extracted by workers.",
			},
		)

		taskDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_task_duration_seconds",
				Help:    "Histogram of end-to-end task execution latency.",
				Buckets: []float64{1, 2, 5, 10, 20, 45, 90, 180},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task outcome counter.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveSession increments the session resolution counter.
func ObserveSession(status string) {
	sessionsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth records the backlog size for one task status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// SetWorkers records the worker count for one liveness status.
func SetWorkers(status string, n int) {
	workersByStatus.WithLabelValues(status).Set(float64(n))
}

// SetCredentials records the credential count for one rotation state.
func SetCredentials(status string, n int) {
	credentialsByStatus.WithLabelValues(status).Set(float64(n))
}

// ObserveCaptchaSolve increments the solve counter for the given outcome.
func ObserveCaptchaSolve(outcome string) {
	captchaSolvesTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction adds to the extracted record counter.
func ObserveExtraction(records int) {
	if records > 0 {
		recordsExtractedTotal.Add(float64(records))
	}
}

// ObserveTaskDuration records one task's execution latency.
func ObserveTaskDuration(d time.Duration) {
	taskDurationSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
