// Package metrics defines Prometheus metrics for audience population.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audience_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	StagedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audience_staged_rows_total",
			Help: "Rows written to staging buffers",
		},
	)

	DrainedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audience_drained_rows_total",
			Help: "Staged rows persisted and removed from staging buffers",
		},
	)

	FailedDrainPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audience_failed_drain_pages_total",
			Help: "Drain pages whose callback failed and were left staged",
		},
	)

	PopulationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audience_population_duration_seconds",
			Help:    "Population run duration in seconds by outcome",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audience_jobs_total",
			Help: "Population jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audience_job_queue_depth",
			Help: "Jobs waiting to run",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration,
		StagedRows, DrainedRows, FailedDrainPages,
		PopulationDuration, JobsTotal, QueueDepth,
	)
}
