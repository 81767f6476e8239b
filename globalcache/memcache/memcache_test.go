package memcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vperrors "github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func newCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestProviderContract(t *testing.T) {
	testutil.RunProviderContract(t, func(t *testing.T) pipeline.DataProvider {
		return newCache(t)
	})
}

func TestLockingContract(t *testing.T) {
	testutil.RunLockingContract(t, func(t *testing.T) pipeline.LockingService {
		return newCache(t)
	}, 50*time.Millisecond)
}

func TestCorruptEntryDropped(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	require.NoError(t, c.Save(ctx, dt, id, []byte("not-json")))
	payload, err := c.Load(ctx, dt, id)
	require.NoError(t, err)
	assert.Nil(t, payload)

	exists, err := c.Exists(ctx, dt, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExpiringTypes(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{
		StorageID:    "sessions",
		CleanOnNoUse: true,
		Time:         80,
		TimeUnit:     time.Millisecond,
	})
	idle, busy := uuid.New(), uuid.New()
	require.NoError(t, c.Save(ctx, dt, idle, testutil.Payload(idle, "idle")))
	require.NoError(t, c.Save(ctx, dt, busy, testutil.Payload(busy, "busy")))

	// reading restarts the TTL
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := c.Load(ctx, dt, busy)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		exists, err := c.Exists(ctx, dt, idle)
		return err == nil && !exists
	}, time.Second, 10*time.Millisecond)

	exists, err := c.Exists(ctx, dt, busy)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPersistentAndExpiringShareNothing(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	plain := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	expiring := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "sessions", CleanOnNoUse: true})
	id := uuid.New()

	require.NoError(t, c.Save(ctx, expiring, id, testutil.Payload(id, "s")))
	ids, err := c.SavedIDs(ctx, plain)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = c.SavedIDs(ctx, expiring)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
}

func TestInjectFailure(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()
	boom := errors.New("connection reset")

	c.InjectFailure(boom)
	_, err := c.Load(ctx, dt, id)
	require.ErrorIs(t, err, boom)
	assert.True(t, vperrors.IsTransient(err))

	ok, err := c.WriteLock(dt, id).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "locks keep working")

	c.InjectFailure(nil)
	_, err = c.Load(ctx, dt, id)
	assert.NoError(t, err)
}

func TestDataOutlivesClose(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	require.NoError(t, c.Save(ctx, dt, id, testutil.Payload(id, "alice")))
	require.NoError(t, c.Close(ctx))
	exists, err := c.Exists(ctx, dt, id)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Stop())
	_, err = c.Exists(ctx, dt, id)
	assert.ErrorIs(t, err, vperrors.ErrShuttingDown)
}

func TestLockHandles(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	r := c.ReadLock(dt, id)
	require.NoError(t, r.Lock(ctx))
	require.NoError(t, r.Lock(ctx), "a handle may be held twice")
	require.NoError(t, r.Unlock(ctx))
	require.NoError(t, r.Unlock(ctx))

	err := r.Unlock(ctx)
	assert.True(t, vperrors.IsInvalid(err))
	assert.Zero(t, c.locks.size(), "idle keys are released")
}

func TestLockWaitRespectsContext(t *testing.T) {
	c := newCache(t)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	w := c.WriteLock(dt, id)
	require.NoError(t, w.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.ReadLock(dt, id).Lock(ctx)
	require.ErrorIs(t, err, vperrors.ErrLockBusy)
	assert.True(t, vperrors.IsTransient(err))

	require.NoError(t, w.Unlock(context.Background()))
	assert.Zero(t, c.locks.size())
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := newCache(t, WithMetrics(registry))
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "sessions", CleanOnNoUse: true})
	id := uuid.New()

	require.NoError(t, c.Save(context.Background(), dt, id, testutil.Payload(id, "s")))
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
