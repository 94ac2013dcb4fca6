// Package metrics defines Prometheus metrics for the connection pools.
// All collectors are registered upfront and labelled by pool name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks connections currently checked out per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_active",
		Help: "Number of connections checked out per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_idle",
		Help: "Number of idle connections in the pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max connections per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// ConnectionsTotal counts acquire/release outcomes.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connections_total",
		Help: "Total connection operations",
	}, []string{"pool", "status"})

	// Waiters tracks callers parked waiting for a connection.
	Waiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_waiters",
		Help: "Number of callers waiting for a connection per pool",
	}, []string{"pool"})

	// QueueWaitDuration tracks the time callers spend parked.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// ValidationEvictions counts idle connections evicted by maintenance.
	ValidationEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_validation_evictions_total",
		Help: "Idle connections evicted after failing validation",
	}, []string{"pool"})

	// CoreRebuilds counts supervisor-triggered core replacements.
	CoreRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_core_rebuilds_total",
		Help: "Times a pool core was rebuilt after total failure",
	}, []string{"pool", "trigger"})

	// PublishOperations counts Redis stats publications.
	PublishOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_publish_operations_total",
		Help: "Total Redis stats publish operations",
	}, []string{"status"})

	// InstanceHeartbeat tracks instance liveness.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
