// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage", "status"},
	)

	stageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		},
		[]string{"stage"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"},
	)

	rowsLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rows_loaded_total",
			Help: "Total number of transactions written to the store",
		},
	)

	treesTrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_trees_trained_total",
			Help: "Total number of decision trees fitted",
		},
	)

	modelAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_model_accuracy",
			Help: "Held-out accuracy of the most recent classifier",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)

// ObserveStage records the outcome of one pipeline stage.
func ObserveStage(stage, status string, elapsed time.Duration) {
	stageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
	if status == "failed" {
		stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRun counts a finished run.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// AddRowsLoaded counts transactions persisted by the load stage.
func AddRowsLoaded(n int) {
	rowsLoaded.Add(float64(n))
}

// AddTreesTrained counts fitted trees.
func AddTreesTrained(n int) {
	treesTrained.Add(float64(n))
}

// SetAccuracy publishes the latest held-out accuracy.
func SetAccuracy(v float64) {
	modelAccuracy.Set(v)
}

// ObserveRequest records one HTTP request.
func ObserveRequest(method, endpoint string, status int, elapsed time.Duration) {
	if endpoint == "" {
		endpoint = "not_found"
	}
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, endpoint, code).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, code).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
