// Package telemetry exposes Prometheus collectors for the download service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchq_admission_total",
			Help: "Total admission decisions, labeled by outcome code.",
		},
		[]string{"code"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchq_jobs_total",
			Help: "Total jobs reaching a terminal outcome, labeled by status and platform.",
		},
		[]string{"status", "platform"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetchq_job_duration_seconds",
			Help:    "Histogram of end-to-end job processing latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"platform"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchq_queue_depth",
			Help: "Current number of pending jobs in the queue.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchq_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission counts one admission decision. Pass "ok" for success.
func ObserveAdmission(code string) {
	admissionTotal.WithLabelValues(code).Inc()
}

// ObserveJob counts one terminal job outcome and its latency.
func ObserveJob(status, platform string, duration time.Duration) {
	jobsTotal.WithLabelValues(status, platform).Inc()
	jobDurationSeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
