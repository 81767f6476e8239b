package cache

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/metric"
)

func TestCacheMetricsIntegration(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	c, err := NewSimple(WithMetrics[string](registry, "local_account"))
	require.NoError(t, err)

	_, _ = c.Set("key1", "value1")
	_, _ = c.Set("key2", "value2")
	_, found := c.Get("key1")
	assert.True(t, found)
	_, found = c.Get("key3")
	assert.False(t, found)
	deleted, _ := c.Delete("key2")
	assert.True(t, deleted)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	value := func(name string) float64 {
		mf := byName[name]
		require.NotNil(t, mf, name)
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}

	assert.Equal(t, 1.0, value("vpipeline_cache_hits_total"))
	assert.Equal(t, 1.0, value("vpipeline_cache_misses_total"))
	assert.Equal(t, 2.0, value("vpipeline_cache_sets_total"))
	assert.Equal(t, 1.0, value("vpipeline_cache_deletes_total"))
	assert.Equal(t, 1.0, value("vpipeline_cache_size"))
}

func TestCacheMetrics_DuplicatePrefix(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	_, err := NewSimple(WithMetrics[int](registry, "dup"))
	require.NoError(t, err)

	_, err = NewSimple(WithMetrics[int](registry, "dup"))
	assert.Error(t, err)
}
