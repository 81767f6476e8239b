package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vpipeline"

// Metrics contains the pipeline core metrics shared by every node component
type Metrics struct {
	// Pipeline operations
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LocalObjects      *prometheus.GaugeVec

	// Tier movement
	TierTransfers *prometheus.CounterVec

	// Synchronizer
	SyncPublished *prometheus.CounterVec
	SyncApplied   *prometheus.CounterVec
	SyncDropped   *prometheus.CounterVec

	// Locks
	LockWait *prometheus.HistogramVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "operations_total",
				Help:      "Pipeline operations by type, operation and outcome",
			},
			[]string{"type", "operation", "status"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "operation_duration_seconds",
				Help:      "Pipeline operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		LocalObjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "local_cache",
				Name:      "objects",
				Help:      "Objects held in the local cache",
			},
			[]string{"type"},
		),

		TierTransfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tier",
				Name:      "transfers_total",
				Help:      "Object transfers between tiers",
			},
			[]string{"type", "source", "destination", "result"},
		),

		SyncPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "published_total",
				Help:      "Data blocks published to the synchronization bus",
			},
			[]string{"type", "kind"},
		),

		SyncApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "applied_total",
				Help:      "Data blocks applied to the local cache",
			},
			[]string{"type", "kind"},
		),

		SyncDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "dropped_total",
				Help:      "Data blocks ignored by the synchronizer",
			},
			[]string{"type", "reason"},
		),

		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for pipeline locks",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"mode"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.Operations,
		c.OperationDuration,
		c.LocalObjects,
		c.TierTransfers,
		c.SyncPublished,
		c.SyncApplied,
		c.SyncDropped,
		c.LockWait,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordOperation counts a finished pipeline operation and its duration
func (c *Metrics) RecordOperation(typeID, operation, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(typeID, operation, status).Inc()
	c.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLocalObjects sets the local cache population of a type
func (c *Metrics) RecordLocalObjects(typeID string, n int) {
	if c == nil {
		return
	}
	c.LocalObjects.WithLabelValues(typeID).Set(float64(n))
}

// RecordTierTransfer counts a move between two tiers
func (c *Metrics) RecordTierTransfer(typeID, source, destination string, ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.TierTransfers.WithLabelValues(typeID, source, destination, result).Inc()
}

// RecordSyncPublished counts a data block sent to the bus
func (c *Metrics) RecordSyncPublished(typeID, kind string) {
	if c == nil {
		return
	}
	c.SyncPublished.WithLabelValues(typeID, kind).Inc()
}

// RecordSyncApplied counts a data block applied locally
func (c *Metrics) RecordSyncApplied(typeID, kind string) {
	if c == nil {
		return
	}
	c.SyncApplied.WithLabelValues(typeID, kind).Inc()
}

// RecordSyncDropped counts a data block that was ignored
func (c *Metrics) RecordSyncDropped(typeID, reason string) {
	if c == nil {
		return
	}
	c.SyncDropped.WithLabelValues(typeID, reason).Inc()
}

// RecordLockWait observes time spent acquiring a lock in the given mode
func (c *Metrics) RecordLockWait(mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.LockWait.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
