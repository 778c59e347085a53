// Package metrics exposes the engine's Prometheus collectors. A single
// package-level registry is used across store, compactor, and session
// so cmd/server only needs to mount promhttp.Handler once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeltasAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_deltas_appended_total",
		Help: "Deltas appended to the server log, by collection.",
	}, []string{"collection"})

	StreamDisparities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_stream_disparities_total",
		Help: "Stream calls whose cursor fell below the oldest retained delta.",
	}, []string{"collection"})

	CompactionJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_compactor_jobs_total",
		Help: "Compaction jobs completed, by outcome.",
	}, []string{"outcome"})

	CompactionJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synckit_compactor_job_duration_seconds",
		Help:    "Time spent running a compaction job from pending to terminal state.",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	CompactionDeltasPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckit_compactor_deltas_pruned_total",
		Help: "Deltas deleted by the compactor after being absorbed into a snapshot.",
	}, []string{"collection"})

	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synckit_active_sessions",
		Help: "Currently connected sessions, by collection.",
	}, []string{"collection"})
)
