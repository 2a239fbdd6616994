package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// Engine
	BatchesApplied   *prometheus.CounterVec
	BatchesRejected  *prometheus.CounterVec
	OpsApplied       *prometheus.CounterVec
	OpsSoftFailed    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreEvents       *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	TxCounter        prometheus.Gauge
	CommandSequence  prometheus.Gauge

	// Latency
	IngestToApply   *prometheus.HistogramVec
	ApplyToPersist  prometheus.Histogram
	NATSPullLatency *prometheus.HistogramVec

	// Channels and backpressure
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// Deduplication
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram

	// Clearing
	InsuranceFundBalance *prometheus.GaugeVec
	FeesClaimed          *prometheus.CounterVec

	// Persistence
	PersistBatchDur        prometheus.Histogram
	PersistCommandsWritten prometheus.Counter
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// Snapshot and recovery
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// Outbound publishing
	EventsPublished  *prometheus.CounterVec
	EffectsPublished *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	ingestBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		BatchesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_commands_applied_total",
			Help: "Commands (batches and standalone calls) committed by the engine",
		}, []string{"kind"}),

		BatchesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_commands_rejected_total",
			Help: "Commands rejected and rolled back",
		}, []string{"kind", "error_kind"}),

		OpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_ops_applied_total",
			Help: "Batch records applied",
		}, []string{"opcode"}),

		OpsSoftFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_ops_soft_failed_total",
			Help: "Soft-policy records that failed without aborting the batch",
		}, []string{"opcode"}),

		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchledger_command_apply_duration_seconds",
			Help:    "Time to apply a command in the engine",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_events_emitted_total",
			Help: "Events emitted by committed commands",
		}, []string{"event_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		TxCounter: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_tx_counter",
			Help: "Transaction id the next batch record must carry",
		}),

		CommandSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_command_sequence",
			Help: "Sequence of the last committed command",
		}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchledger_ingest_to_apply_seconds",
			Help:    "Receipt of a command to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		ApplyToPersist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_apply_to_persist_seconds",
			Help:    "Engine apply to Postgres commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchledger_nats_pull_latency_seconds",
			Help:    "JetStream fetch latency",
			Buckets: ingestBuckets,
		}, []string{"stream"}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchledger_channel_size",
			Help: "Current channel buffer size",
		}, []string{"channel"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchledger_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchledger_channel_utilization",
			Help: "Channel utilization ratio",
		}, []string{"channel"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_persist_backpressure_total",
			Help: "Times the runner blocked on a full persist channel",
		}),

		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"kind", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_dedup_lru_size",
			Help: "Entries in the dedup LRU",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		InsuranceFundBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchledger_insurance_fund_balance",
			Help: "Insurance fund balance per asset (whole units)",
		}, []string{"asset"}),

		FeesClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_fees_claimed_total",
			Help: "Fee claims paid out",
		}, []string{"kind"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistCommandsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_persist_batch_size",
			Help:    "Commands per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_persist_last_sequence",
			Help: "Last persisted command sequence",
		}),

		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchledger_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_snapshot_last_sequence",
			Help: "Command sequence of last snapshot",
		}),

		ReplayCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchledger_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchledger_replay_duration_seconds",
			Help: "Total replay time",
		}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_events_published_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		EffectsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_effects_published_total",
			Help: "Custody instructions published to NATS",
		}, []string{"kind"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_publish_errors_total",
			Help: "NATS publish failures",
		}, []string{"stream"}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
