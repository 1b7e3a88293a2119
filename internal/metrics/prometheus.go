package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sequence allocation metrics
	AllocationsTotal    *prometheus.CounterVec
	AllocationConflicts prometheus.Counter
	AllocationRetries   prometheus.Counter

	// Reconciliation metrics
	ReconcileTotal *prometheus.CounterVec

	// Migration metrics
	MigrationsTotal             *prometheus.CounterVec
	MigrationDocumentsProcessed *prometheus.GaugeVec
	MigrationsStalled           prometheus.Counter

	// Write gate metrics
	WritesBlocked *prometheus.CounterVec

	// Sync queue metrics
	SyncQueueDepth       prometheus.Gauge
	SyncQueueDeadLetters prometheus.Gauge
	SyncReplaysTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AllocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_sequence_allocations_total",
				Help: "Total sequence numbers allocated, by counter scope and path",
			},
			[]string{"scope", "source"},
		),
		AllocationConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_sequence_allocation_conflicts_total",
				Help: "Allocation attempts that exhausted the transaction retry budget",
			},
		),
		AllocationRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_sequence_allocation_retries_total",
				Help: "Individual transaction retries during allocation",
			},
		),
		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_reconcile_events_total",
				Help: "Reconciliation outcomes per change event",
			},
			[]string{"outcome"},
		),
		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_migrations_total",
				Help: "Schema migrations by terminal status",
			},
			[]string{"status"},
		),
		MigrationDocumentsProcessed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_migration_documents_processed",
				Help: "Documents processed by the currently tracked migration",
			},
			[]string{"tenant_id", "target_version"},
		),
		MigrationsStalled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_migrations_stalled_total",
				Help: "Migrations force-failed by the stall sweep",
			},
		),
		WritesBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_writes_blocked_total",
				Help: "Mutations rejected by the write gate",
			},
			[]string{"reason"},
		),
		SyncQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_sync_queue_depth",
				Help: "Operations waiting in the local sync queue",
			},
		),
		SyncQueueDeadLetters: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_sync_queue_dead_letters",
				Help: "Operations in the dead-letter set awaiting manual handling",
			},
		),
		SyncReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_sync_replays_total",
				Help: "Sync queue replay outcomes",
			},
			[]string{"outcome"},
		),
	}
}

// NewTestMetrics creates metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
