// Package metrics exposes Prometheus collectors for the orchestration service.
// Observers are no-ops until Init has been called.
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
	jobsEnqueuedTotal          *prometheus.CounterVec
	jobsFinishedTotal          *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	workersGauge               *prometheus.GaugeVec
	scalingEventsTotal         *prometheus.CounterVec
	platformRequestsTotal      *prometheus.CounterVec
	platformLatencySeconds     *prometheus.HistogramVec
	platformHealthState        *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	duplicatesRemovedTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gigcrawler_jobs_enqueued_total",
				Help: "Jobs accepted by the queue, labeled by type and priority.",
			},
			[]string{"type", "priority"},
		)
		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gigcrawler_jobs_finished_total",
				Help: "Job attempts reported back to the queue, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gigcrawler_queue_jobs",
				Help: "Jobs in the store by status, sampled by the scaling loop.",
			},
			[]string{"status"},
		)
		workersGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gigcrawler_workers",
				Help: "Worker pool size, labeled by state (total or active).",
			},
			[]string{"state"},
		)
		scalingEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gigcrawler_scaling_events_total",
				Help: "Worker pool resize decisions, labeled by direction.",
			},
			[]string{"direction"},
		)
		platformRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gigcrawler_platform_requests_total",
				Help: "Scrape attempts per platform, labeled by outcome kind.",
			},
			[]string{"platform", "outcome"},
		)
		platformLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gigcrawler_platform_latency_seconds",
				Help:    "Latency of successful scrapes per platform.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)
		platformHealthState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gigcrawler_platform_health",
				Help: "Platform health: 0 healthy, 1 degraded, 2 unhealthy.",
			},
			[]string{"platform"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gigcrawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-platform rate limiters.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)
		duplicatesRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gigcrawler_duplicates_removed_total",
				Help: "Listings dropped by the multi-platform merge.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueue counts an accepted job.
func ObserveEnqueue(jobType, priority string) {
	if jobsEnqueuedTotal == nil {
		return
	}
	jobsEnqueuedTotal.WithLabelValues(jobType, priority).Inc()
}

// ObserveJobOutcome counts a completed, retried or failed job attempt.
func ObserveJobOutcome(jobType, outcome string) {
	if jobsFinishedTotal == nil {
		return
	}
	jobsFinishedTotal.WithLabelValues(jobType, outcome).Inc()
}

// SetQueueDepth records the latest per-status job counts.
func SetQueueDepth(pending, processing, completed, failed int) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("processing").Set(float64(processing))
	queueDepth.WithLabelValues("completed").Set(float64(completed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetWorkers records pool size and busy workers.
func SetWorkers(total, active int) {
	if workersGauge == nil {
		return
	}
	workersGauge.WithLabelValues("total").Set(float64(total))
	workersGauge.WithLabelValues("active").Set(float64(active))
}

// ObserveScaling counts a scale-up or scale-down action.
func ObserveScaling(direction string) {
	if scalingEventsTotal == nil {
		return
	}
	scalingEventsTotal.WithLabelValues(direction).Inc()
}

// ObservePlatformRequest counts one scrape attempt. outcome is "success" or
// an error kind.
func ObservePlatformRequest(platform, outcome string, latency time.Duration) {
	if platformRequestsTotal == nil {
		return
	}
	platformRequestsTotal.WithLabelValues(platform, outcome).Inc()
	if outcome == "success" {
		platformLatencySeconds.WithLabelValues(platform).Observe(latency.Seconds())
	}
}

// SetPlatformHealth records the health rank of platform.
func SetPlatformHealth(platform string, rank int) {
	if platformHealthState == nil {
		return
	}
	platformHealthState.WithLabelValues(platform).Set(float64(rank))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveDuplicatesRemoved adds n to the dedup counter.
func ObserveDuplicatesRemoved(n int) {
	if duplicatesRemovedTotal == nil || n <= 0 {
		return
	}
	duplicatesRemovedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
