package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session pool metrics
var (
	PoolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_acquires_total",
			Help: "Total number of pool acquire calls",
		},
		[]string{"protocol", "result"},
	)

	PoolConnectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_connections_created_total",
			Help: "Total number of upstream connections established by the factory",
		},
		[]string{"protocol"},
	)

	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_evictions_total",
			Help: "Total number of handles evicted under capacity pressure",
		},
		[]string{"protocol"},
	)

	PoolDeadHandlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_pool_dead_handles_total",
			Help: "Total number of cached handles found dead on reuse",
		},
		[]string{"protocol"},
	)

	PoolActiveHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_pool_active_handles",
			Help: "Current number of live handles held by the pool",
		},
		[]string{"protocol"},
	)

	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_connect_duration_seconds",
			Help:    "Duration of factory dial+authenticate in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"protocol"},
	)
)

// Durable session store metrics
var (
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_store_operations_total",
			Help: "Total number of durable session store operations",
		},
		[]string{"operation", "status"},
	)

	StoreHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_store_hits_total",
			Help: "Total number of session metadata lookups that found a record",
		},
	)

	StoreMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_store_misses_total",
			Help: "Total number of session metadata lookups that found nothing",
		},
	)
)

// Keep-alive sweeper metrics
var (
	SweepCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sweep_cycles_total",
			Help: "Total number of completed keep-alive sweep cycles",
		},
	)

	SweepRefreshedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sweep_refreshed_total",
			Help: "Total number of session records whose expiry was refreshed",
		},
	)

	SweepOrphansCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sweep_orphans_cleaned_total",
			Help: "Total number of orphaned session records (no expiry set) deleted",
		},
	)

	SweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sweep_failures_total",
			Help: "Total number of per-identity failures during sweep cycles",
		},
	)
)

// Protocol operation metrics
var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_operations_total",
			Help: "Total number of logical protocol operations",
		},
		[]string{"protocol", "operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_operation_duration_seconds",
			Help:    "Duration of logical protocol operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "operation"},
	)
)
