package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LeverLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	CoreRollbacks        *prometheus.CounterVec
	CoreUnconfirmed      *prometheus.CounterVec

	// --- Domain ---
	OpportunitiesCreated prometheus.Counter
	TradeVolume          *prometheus.CounterVec
	ChainLevelsOpened    prometheus.Counter
	BorrowedTotal        prometheus.Counter
	LiquidationCalls     *prometheus.CounterVec
	LevelsLiquidated     prometheus.Counter
	DebtCleared          prometheus.Counter
	IncentivesPaid       prometheus.Counter
	SettlementPayouts    prometheus.Counter
	FeeBalance           prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	SnapshotArchived  *prometheus.CounterVec
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingress ---
	IngestCommands *prometheus.CounterVec
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited *prometheus.CounterVec
	QuoteCacheHits *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.1, 1, 10,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, reentrant, domain error, transfer failure)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core, including the token transfer",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_core_sequence",
			Help: "Next global sequence number",
		}),

		CoreRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_rollbacks_total",
			Help: "Commands rolled back after a failed token transfer",
		}, []string{"command"}),

		CoreUnconfirmed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_core_transfers_unconfirmed_total",
			Help: "Commands committed with a token transfer whose outcome was not observed",
		}, []string{"command"}),

		// Domain
		OpportunitiesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_opportunities_created_total",
			Help: "Opportunities created",
		}),

		TradeVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_trade_volume_total",
			Help: "Collateral traded into pools, base units",
		}, []string{"side"}),

		ChainLevelsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_chain_levels_opened_total",
			Help: "Chain levels opened (level 0 and extensions)",
		}),

		BorrowedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_borrowed_total",
			Help: "Collateral borrowed by chain extensions, base units",
		}),

		LiquidationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_liquidation_calls_total",
			Help: "liquidateChain calls by outcome",
		}, []string{"outcome"}),

		LevelsLiquidated: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_levels_liquidated_total",
			Help: "Positions deactivated by liquidation",
		}),

		DebtCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_debt_cleared_total",
			Help: "Debt written off by liquidation, base units",
		}),

		IncentivesPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_liquidation_incentives_paid_total",
			Help: "Incentives paid to liquidators, base units",
		}),

		SettlementPayouts: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_settlement_payouts_total",
			Help: "Net settlement payouts, base units",
		}),

		FeeBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_protocol_fee_balance",
			Help: "Protocol fee account balance, base units",
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lever_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_projection_drops_total",
			Help: "Outputs dropped on a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_publish_drops_total",
			Help: "Outbound events dropped on a full publish channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_idempotency_duplicates_total",
			Help: "Duplicate requests rejected",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lever_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_snapshot_size_bytes",
			Help: "Size of last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		SnapshotArchived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_snapshot_archive_total",
			Help: "Snapshot archive uploads by result",
		}, []string{"result"}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lever_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lever_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Ingress
		IngestCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_ingest_commands_total",
			Help: "Commands received from NATS by result",
		}, []string{"command", "result"}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_api_requests_total",
			Help: "API requests",
		}, []string{"transport", "operation", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lever_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"transport", "operation"}),

		APIRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_api_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}, []string{"transport"}),

		QuoteCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lever_quote_cache_lookups_total",
			Help: "Quote cache lookups by result",
		}, []string{"result"}),
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
