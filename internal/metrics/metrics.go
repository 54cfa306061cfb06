// Package metrics exposes the handful of prometheus gauges/counters the core
// updates inline, grounded on cuemby-warren/pkg/metrics. No HTTP exporter is
// wired here (no CLI/wire-protocol surface is in scope per spec.md §6); a
// consumer can serve Registry with promhttp.Handler if it wants to.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a dedicated registry (not prometheus.DefaultRegisterer) so
// multiple cores in one process, or repeated test construction, don't
// collide on metric registration.
var Registry = prometheus.NewRegistry()

var (
	// EmbeddingQueuePending tracks pending embedding tasks (spec.md §4.9).
	EmbeddingQueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corekit_embedding_queue_pending",
		Help: "Number of embedding tasks currently pending.",
	})

	// EmbeddingQueueProcessing is 1 while a batch is in flight, else 0.
	EmbeddingQueueProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corekit_embedding_queue_processing",
		Help: "Whether an embedding batch is currently being processed.",
	})

	// EmbeddingTasksCompletedTotal counts tasks that reached the completed state.
	EmbeddingTasksCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corekit_embedding_tasks_completed_total",
		Help: "Total embedding tasks that completed successfully.",
	})

	// EmbeddingTasksFailedTotal counts tasks that exhausted their retries.
	EmbeddingTasksFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corekit_embedding_tasks_failed_total",
		Help: "Total embedding tasks that exhausted retries.",
	})

	// HNSWIndexSize is the live node count per index, labeled by entity kind.
	// It is registered but no component in this module sets it.
	HNSWIndexSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corekit_hnsw_index_size",
		Help: "Number of vectors currently in an HNSW index.",
	}, []string{"entity_kind"})

	// RepositorySavesTotal counts repository.Save calls, labeled by entity kind.
	RepositorySavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corekit_repository_saves_total",
		Help: "Total repository Save calls.",
	}, []string{"entity_kind"})
)

func init() {
	Registry.MustRegister(
		EmbeddingQueuePending,
		EmbeddingQueueProcessing,
		EmbeddingTasksCompletedTotal,
		EmbeddingTasksFailedTotal,
		HNSWIndexSize,
		RepositorySavesTotal,
	)
}
