// Package metric owns the Prometheus registry of a pipeline node.
//
// NewMetricsRegistry registers the core pipeline metrics (operations, tier
// transfers, synchronizer traffic, lock waits and NATS connection state)
// together with the Go runtime collectors. Components register their own
// collectors through the MetricsRegistrar interface, keyed by component and
// metric name so a second registration of the same pair is rejected.
//
// Server exposes the registry on /metrics and the node health as JSON on
// /health, answering 503 only while the node is unhealthy.
package metric
