package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imatrix_observations_total",
		Help: "Total number of activation batches folded into the accumulator",
	}, []string{"kind"})

	TensorsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imatrix_tensors_tracked",
		Help: "Number of tensor entries currently held by the accumulator",
	})

	SnapshotWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imatrix_snapshot_writes_total",
		Help: "Total number of snapshot files written",
	}, []string{"kind"})

	SnapshotEntriesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imatrix_snapshot_entries_dropped_total",
		Help: "Entries excluded from a snapshot for missing or partial data",
	}, []string{"reason"})

	SnapshotEntriesRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imatrix_snapshot_entries_repaired_total",
		Help: "Routed entries kept after forcing unexercised experts to unit stats",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ChunksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imatrix_chunks_processed_total",
		Help: "Corpus chunks evaluated so far",
	})

	ChunkDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "imatrix_chunk_duration_seconds",
		Help: "Duration of one chunk evaluation including collection",
	})

	TokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imatrix_tokens_processed_total",
		Help: "Corpus tokens evaluated so far",
	})

	MergedSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imatrix_merged_snapshots_total",
		Help: "Prior snapshot files merged into the accumulator",
	})

	ExportPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imatrix_export_pushes_total",
		Help: "Arrow Flight pushes of importance vectors",
	}, []string{"status"})
)
