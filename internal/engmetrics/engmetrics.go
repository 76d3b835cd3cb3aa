// Package engmetrics provides Prometheus metrics for the download engine.
// Labels are kept low-cardinality by design: job ids never appear as a
// label value, only closed enums (status, reason, class) do.
package engmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of jobs waiting to be admitted.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jellydown_queue_depth",
		Help: "Current number of queued (including paused) jobs.",
	})

	// ActiveJobs tracks the number of jobs currently in the active set.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jellydown_active_jobs",
		Help: "Current number of jobs in the active set.",
	})

	// JobsStartedTotal counts StartJob calls.
	JobsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jellydown_jobs_started_total",
		Help: "Total number of jobs started via StartJob.",
	})

	// JobsCompletedTotal counts terminal transitions by outcome.
	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jellydown_jobs_completed_total",
		Help: "Total number of jobs that reached a terminal state, by outcome.",
	}, []string{"outcome"}) // completed | failed | cancelled

	// JobRetriesTotal counts retry attempts.
	JobRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jellydown_job_retries_total",
		Help: "Total number of job retry attempts.",
	})

	// SegmentFetchDuration observes segment fetch latency.
	SegmentFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jellydown_segment_fetch_duration_seconds",
		Help:    "Segment fetch latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// SegmentFetchRetriesTotal counts per-segment fetch retries.
	SegmentFetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jellydown_segment_fetch_retries_total",
		Help: "Total number of segment fetch retries.",
	})

	// RetentionSweepDeletedTotal counts artifacts removed by the retention sweeper.
	RetentionSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jellydown_retention_sweep_deleted_total",
		Help: "Total number of artifacts deleted by the retention sweep.",
	})

	// ErrorsTotal counts errors surfaced to callers, by taxonomy class.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jellydown_errors_total",
		Help: "Total number of errors surfaced to callers, by taxonomy class.",
	}, []string{"class"})
)
