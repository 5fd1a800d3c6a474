// Package metrics holds the Prometheus collectors for the exporter. All
// collectors register with the default registry and are served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Steam API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sge_api_requests_total",
			Help: "Requests made to Steam endpoints by outcome",
		},
		[]string{"host", "outcome"}, // ok, rate_limited, client_error, transient, error
	)

	// Fetch worker
	WorkerItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sge_worker_items_total",
			Help: "Queue entries handled by the fetch worker by result",
		},
		[]string{"result"}, // fetched, unavailable, cached, requeued
	)

	WorkerBackoffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sge_worker_backoffs_total",
			Help: "Times the fetch worker entered backoff",
		},
		[]string{"reason"}, // rate_limited, error
	)

	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sge_worker_state",
			Help: "1 for the fetch worker's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	WorkerBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sge_worker_batch_duration_seconds",
			Help:    "Time spent processing one queue batch",
			Buckets: []float64{1, 5, 15, 30, 60, 120},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sge_queue_depth",
			Help: "Queue entries waiting for metadata",
		},
	)

	// Jobs
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sge_jobs_submitted_total",
			Help: "Export requests by how they were answered",
		},
		[]string{"result"}, // immediate, queued
	)

	JobsFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sge_jobs_finalized_total",
			Help: "Queued export jobs that completed",
		},
	)

	JobsVacuumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sge_jobs_vacuumed_total",
			Help: "Expired jobs removed by maintenance",
		},
	)

	ExportRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sge_export_rows",
			Help:    "Rows per generated export",
			Buckets: prometheus.ExponentialBuckets(10, 4, 6),
		},
	)
)

// workerStates mirrors fetcher.State names; kept here so the gauge can be
// reset without importing the fetcher.
var workerStates = []string{"idle", "draining", "backoff", "terminating"}

// SetWorkerState marks state as current and clears the others.
func SetWorkerState(state string) {
	for _, s := range workerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		WorkerState.WithLabelValues(s).Set(v)
	}
}

// RecordBatch records how long a worker batch took.
func RecordBatch(start time.Time) {
	WorkerBatchDuration.Observe(time.Since(start).Seconds())
}

// RecordSubmit counts a submitted export.
func RecordSubmit(queued bool) {
	if queued {
		JobsSubmitted.WithLabelValues("queued").Inc()
		return
	}
	JobsSubmitted.WithLabelValues("immediate").Inc()
}

// RecordExport observes the size of a finished table.
func RecordExport(rows int) {
	ExportRows.Observe(float64(rows))
}
