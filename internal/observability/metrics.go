package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	CoreCompensations    *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Orders & Oracle ---
	OrdersCommitted    *prometheus.CounterVec
	OrdersSettled      *prometheus.CounterVec
	OrdersExpired      *prometheus.CounterVec
	KeeperFeesUsd      *prometheus.CounterVec
	PriceUpdates       *prometheus.CounterVec
	OraclePublishTime  *prometheus.GaugeVec
	ExpirySweepLatency prometheus.Histogram

	// --- Liquidation ---
	LiquidationsTotal  *prometheus.CounterVec
	LiquidationDeficit *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur  *prometheus.HistogramVec
	ProjectionLastSeq    prometheus.Gauge
	ProjectionWriteError *prometheus.CounterVec

	// --- Ingestion & Streaming ---
	IngestMessages *prometheus.CounterVec
	WSClients      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	QueryCache    *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_rejected_total",
			Help: "Commands rejected, by error code",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Next global sequence number",
		}),

		CoreCompensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_custody_compensations_total",
			Help: "Custody calls undone after a failed command",
		}, []string{"result"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current number of items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because a projection channel was full",
		}, []string{"consumer"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events not published to NATS",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		// Orders & Oracle
		OrdersCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_committed_total",
			Help: "Orders committed",
		}, []string{"market"}),

		OrdersSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_settled_total",
			Help: "Orders settled",
		}, []string{"market"}),

		OrdersExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_orders_expired_total",
			Help: "Expired orders cleared",
		}, []string{"market"}),

		KeeperFeesUsd: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_fees_usd_total",
			Help: "Settlement fees paid to keepers (quote scale units)",
		}, []string{"market"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Price updates by outcome",
		}, []string{"feed", "result"}),

		OraclePublishTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_oracle_publish_time_seconds",
			Help: "Publish time of the latest accepted price per feed",
		}, []string{"feed"}),

		ExpirySweepLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_expiry_sweep_duration_seconds",
			Help:    "Duration of one expired-order sweep",
			Buckets: prometheus.DefBuckets,
		}),

		// Liquidation
		LiquidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market"}),

		LiquidationDeficit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_deficit_usd_total",
			Help: "Uncovered negative margin at liquidation (quote scale units)",
		}, []string{"market"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Envelopes per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot & Replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayCommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_commands_total",
			Help: "Commands replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Time to upsert one projection batch",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_projection_last_sequence",
			Help: "Projection watermark",
		}),

		ProjectionWriteError: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_errors_total",
			Help: "Projection write failures",
		}, []string{"table"}),

		// Ingestion & Streaming
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ingest_messages_total",
			Help: "NATS command messages by outcome",
		}, []string{"command_type", "result"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected WebSocket clients",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),

		QueryCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_cache_total",
			Help: "Read-through cache lookups",
		}, []string{"endpoint", "result"}),
	}
}

// SetChannelMetrics records the fill level of a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
