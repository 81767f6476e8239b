package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
	panic bool
}

func testProcessor(count *atomic.Int64) func(context.Context, testWork) error {
	return func(_ context.Context, w testWork) error {
		if w.delay > 0 {
			time.Sleep(w.delay)
		}
		if w.panic {
			panic("boom")
		}
		count.Add(1)
		if w.fail {
			return errors.New("work failed")
		}
		return nil
	}
}

func TestNewPool_Defaults(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(0, 0, testProcessor(&n))
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool = NewPool(2, 5, testProcessor(&n))
	assert.Equal(t, 2, pool.workers)
	assert.Equal(t, 5, pool.queueSize)

	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(2, 10, testProcessor(&n))

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)
	assert.False(t, pool.Running())

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	assert.True(t, pool.Running())

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), n.Load(), "queued work is drained on stop")
	assert.False(t, pool.Running())

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(1, 1, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	var full bool
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i, delay: 50 * time.Millisecond}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full)
	assert.Greater(t, pool.Stats().Dropped, int64(0))
}

func TestPool_FailuresAndPanics(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(1, 10, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Submit(testWork{panic: true}))
	require.NoError(t, pool.Submit(testWork{}))

	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(2), n.Load(), "worker survives a panic")
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ testWork) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	close(release)
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(4, 1000, testProcessor(&n))
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = pool.SubmitWait(context.Background(), testWork{id: i})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(500), n.Load())
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	var n atomic.Int64
	pool := NewPool(1, 10, testProcessor(&n), WithMetricsRegistry[testWork](registry, "test_exec"))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Stop(5*time.Second))

	require.NotNil(t, pool.metrics)
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.failed))
}
