package metric

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/health"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCollectors(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"l"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"l"})
	histVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_hist_vec", Help: "hv"}, []string{"l"})

	require.NoError(t, registry.RegisterCounter("svc", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "test_hist", hist))
	require.NoError(t, registry.RegisterCounterVec("svc", "test_counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("svc", "test_gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("svc", "test_hist_vec", histVec))

	counter.Inc()
	gauge.Set(1)
	hist.Observe(1)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histVec.WithLabelValues("a").Observe(1)

	names := gatheredNames(t, registry)
	for _, name := range []string{"test_counter", "test_gauge", "test_hist", "test_counter_vec", "test_gauge_vec", "test_hist_vec"} {
		assert.True(t, names[name], name)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "c"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "c"})

	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	err := registry.RegisterCounter("svc", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under another key conflicts inside prometheus
	err = registry.RegisterCounter("other", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone_gauge", Help: "g"})
	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge))

	assert.True(t, registry.Unregister("svc", "gone"))
	assert.False(t, registry.Unregister("svc", "gone"))
	assert.False(t, gatheredNames(t, registry)["gone_gauge"])

	require.NoError(t, registry.RegisterGauge("svc", "gone", gauge))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordOperation("account", "load", "success", 10*time.Millisecond)
	m.RecordOperation("account", "load", "success", 10*time.Millisecond)
	m.RecordTierTransfer("account", "global_storage", "local", true)
	m.RecordTierTransfer("account", "global_storage", "local", false)
	m.RecordSyncPublished("account", "UPDATE")
	m.RecordSyncApplied("account", "REMOVE")
	m.RecordSyncDropped("account", "self")
	m.RecordLocalObjects("account", 3)
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("account", "load", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierTransfers.WithLabelValues("account", "global_storage", "local", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncPublished.WithLabelValues("account", "UPDATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncApplied.WithLabelValues("account", "REMOVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncDropped.WithLabelValues("account", "self")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LocalObjects.WithLabelValues("account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Metrics.RecordOperation("account", "save", "success", time.Millisecond)

	state := health.StateDegraded
	srv := NewServer(0, "", registry, func(context.Context) health.Status {
		return health.Status{Component: "node", Status: state}
	})
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())

	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vpipeline_pipeline_operations_total"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	state = health.StateUnhealthy
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.NoError(t, srv.Stop(context.Background()))
}
