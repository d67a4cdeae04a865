// Package metrics provides Prometheus metrics for the transfer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transfer engine.
type Metrics struct {
	// Task metrics
	TasksSucceeded *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksDeferred  *prometheus.CounterVec
	InFlightTasks  prometheus.Gauge

	// Timing metrics
	TaskDuration *prometheus.HistogramVec

	// Transfer metrics
	BytesTransferred *prometheus.CounterVec
	TransferBytes    *prometheus.HistogramVec

	// Listing metrics
	ObjectsListed prometheus.Counter
	ChunkFiles    prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cloudhaul"
	}

	m := &Metrics{
		TasksSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_succeeded_total",
				Help:      "Total number of tasks that retired successfully",
			},
			[]string{"task"},
		),
		TasksFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that retired with an error",
			},
			[]string{"task"},
		),
		TasksDeferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_deferred_total",
				Help:      "Total number of tasks deferred on a busy parallel processing key",
			},
			[]string{"task"},
		),
		InFlightTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tasks",
				Help:      "Number of tasks currently executing",
			},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time of a task's execute phase",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			[]string{"task"},
		),
		BytesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes moved by transfer tasks",
			},
			[]string{"direction"},
		),
		TransferBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_bytes",
				Help:      "Size of individual transfers in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~16GB
			},
			[]string{"direction"},
		),
		ObjectsListed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_listed_total",
				Help:      "Total objects observed by listing tasks",
			},
		),
		ChunkFiles: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_files_total",
				Help:      "Total chunk files written by listing tasks",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
