// Package metrics exposes queue and worker activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_enqueued_total",
			Help: "Total number of jobs accepted by enqueue",
		},
	)

	JobsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
	)

	JobsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_completed_total",
			Help: "Total number of jobs that finished successfully",
		},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_failed_total",
			Help: "Total number of failed attempts",
		},
		[]string{"result"}, // retry, dead
	)

	JobsTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_timeout_total",
			Help: "Total number of attempts killed by job_timeout",
		},
	)

	JobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuectl_jobs_requeued_total",
			Help: "Total number of dead jobs moved back to pending",
		},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuectl_store_errors_total",
			Help: "Total number of store failures seen by workers",
		},
		[]string{"op"}, // claim, finalize
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queuectl_active_workers",
			Help: "Current number of running worker loops",
		},
	)

	// 10ms to ~163s
	JobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queuectl_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
	)
)

const (
	ResultRetry = "retry"
	ResultDead  = "dead"
)
