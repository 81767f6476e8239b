package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/VCore-Minecraft/VPipeline/metric"
)

// storeMetrics holds Prometheus metrics for object store operations
type storeMetrics struct {
	operations *prometheus.CounterVec   // By operation
	latency    *prometheus.HistogramVec // By operation
	errors     *prometheus.CounterVec   // By operation

	storageBytes prometheus.Gauge
}

// newStoreMetrics creates and registers the metrics of one bucket. A nil
// registry disables them.
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vpipeline",
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Total number of object store operations",
			ConstLabels: labels,
		}, []string{"operation"}), // operation: exists, load, save, remove, list

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "vpipeline",
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Object store operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vpipeline",
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Total number of object store operation errors",
			ConstLabels: labels,
		}, []string{"operation"}),

		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vpipeline",
			Subsystem:   "objectstore",
			Name:        "storage_bytes",
			Help:        "Bytes held by the bucket",
			ConstLabels: labels,
		}),
	}

	prefix := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(prefix, "operations", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(prefix, "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "storage_bytes", m.storageBytes); err != nil {
		return nil, err
	}
	return m, nil
}

// observe records one operation started at start
func (m *storeMetrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStorageBytes updates the storage bytes gauge
func (m *storeMetrics) updateStorageBytes(bytes uint64) {
	if m != nil {
		m.storageBytes.Set(float64(bytes))
	}
}
