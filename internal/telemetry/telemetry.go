// Package telemetry holds the process-wide prometheus instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Adapter metrics
	SamplesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_samples_emitted_total",
			Help: "Samples emitted onto the bus by adapter",
		},
		[]string{"source"},
	)

	PushDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_push_dropped_total",
			Help: "Push updates dropped because the bounded channel was full",
		},
		[]string{"source"},
	)

	PollOverrunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_poll_overruns_total",
			Help: "Polls that exceeded their interval",
		},
		[]string{"source"},
	)

	DiscoveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_discovery_failures_total",
			Help: "Point registrations that failed during auto-discovery",
		},
		[]string{"source"},
	)

	// Bus metrics
	BusAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_bus_appends_total",
			Help: "Records appended per topic",
		},
		[]string{"topic"},
	)

	BusLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tagsense_bus_lag",
			Help: "Uncommitted records per topic and consumer group",
		},
		[]string{"topic", "group"},
	)

	// Ingestion metrics
	SamplesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_samples_written_total",
			Help: "Samples written to the time-series store",
		},
	)

	StaleCurrentValuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_stale_current_values_total",
			Help: "Current-value updates discarded for carrying an older timestamp",
		},
	)

	DLQMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_dlq_messages_total",
			Help: "Messages routed to the dead letter topic by reason",
		},
		[]string{"reason"},
	)

	UnknownPointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_unknown_points_total",
			Help: "Samples that referenced an unknown point",
		},
	)

	// Analysis metrics
	BehaviorsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_behaviors_published_total",
			Help: "Behavior snapshots published on points.behavior",
		},
	)

	BehaviorEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_behavior_evictions_total",
			Help: "Aggregator entries evicted under memory pressure",
		},
	)

	CorrelationsComputedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_correlations_computed_total",
			Help: "Pairwise correlations computed",
		},
	)

	CorrelationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_correlation_failures_total",
			Help: "Pair computations skipped after an error",
		},
	)

	ClustersEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_clusters_emitted_total",
			Help: "Clusters emitted by detection source",
		},
		[]string{"source"},
	)

	SuggestionsEmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsense_suggestions_emitted_total",
			Help: "Pattern suggestions emitted",
		},
	)

	FeedbackProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsense_feedback_processed_total",
			Help: "Feedback decisions processed by action",
		},
		[]string{"action"},
	)

	// Orchestrator metrics
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tagsense_component_healthy",
			Help: "1 when the component is healthy, 0 when degraded",
		},
		[]string{"component"},
	)
)
