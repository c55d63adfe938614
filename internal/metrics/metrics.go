// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestJobsTotal           *prometheus.CounterVec
	harvestBatchesTotal        prometheus.Counter
	harvestDispatchWaitSeconds prometheus.Histogram
	harvestExecSeconds         *prometheus.HistogramVec
	harvestActiveWorkers       prometheus.Gauge
	harvestArtifactsTotal      *prometheus.CounterVec
	harvestBacklogRowsFetched  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of capture jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_batches_total",
				Help: "Total number of backlog batches dispatched.",
			},
		)

		harvestDispatchWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_dispatch_wait_seconds",
				Help:    "Histogram of time spent waiting on the dispatch throttle.",
				Buckets: []float64{0.01, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		harvestExecSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_exec_seconds",
				Help:    "Histogram of sandbox exec duration, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
			},
			[]string{"outcome"},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of worker goroutines draining the batch queue, including throttle waits and retry delays.",
			},
		)

		harvestArtifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_artifacts_relocated_total",
				Help: "Total artifacts moved into durable storage, labeled by kind.",
			},
			[]string{"kind"},
		)

		harvestBacklogRowsFetched = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_backlog_rows_fetched_total",
				Help: "Total backlog rows fetched, labeled by source.",
			},
			[]string{"source"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given outcome
// (done, failed, retried).
func ObserveJob(outcome string) {
	harvestJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch counts one dispatched batch.
func ObserveBatch() {
	harvestBatchesTotal.Inc()
}

// ObserveDispatchWait records how long a worker waited on the throttle.
func ObserveDispatchWait(d time.Duration) {
	harvestDispatchWaitSeconds.Observe(d.Seconds())
}

// ObserveExec records one sandbox execution duration.
func ObserveExec(outcome string, d time.Duration) {
	harvestExecSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvestActiveWorkers.Dec()
}

// ObserveArtifact counts one relocated artifact of the given kind.
func ObserveArtifact(kind string) {
	harvestArtifactsTotal.WithLabelValues(kind).Inc()
}

// ObserveFetched counts rows fetched from the backlog for a source.
func ObserveFetched(source string, n int) {
	if n > 0 {
		harvestBacklogRowsFetched.WithLabelValues(source).Add(float64(n))
	}
}
