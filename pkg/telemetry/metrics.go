package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store-level counters. Registered on the default registry; exposed by the
// service binary via promhttp.
var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_events_ingested_total",
		Help: "Raw events written to the event record store.",
	})
	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_events_skipped_total",
		Help: "Malformed events skipped during ingestion.",
	})
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_events_deduplicated_total",
		Help: "Events already present in a room chunk at insert time.",
	})
	ChunksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_chunks_created_total",
		Help: "Chunks created by pagination or local room seeding.",
	})
	ChunksLinked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_chunks_linked_total",
		Help: "Chunk pairs linked by matching pagination tokens.",
	})
	AnnotationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_annotation_updates_total",
		Help: "Annotation summary mutations applied by the aggregator.",
	})
	EditionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_editions_rejected_total",
		Help: "Edits rejected because the sender differs from the original.",
	})
	CascadeDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronik_cascade_deletes_total",
		Help: "Chunk cascade deletions.",
	})
	TimelinePageSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chronik_timeline_page_seconds",
		Help:    "Time spent assembling a timeline page.",
		Buckets: prometheus.DefBuckets,
	})
)
