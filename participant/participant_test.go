package participant

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/config"
	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/globalcache/memcache"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/storage/memstore"
	"github.com/VCore-Minecraft/VPipeline/syncbus/membus"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func memoryConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Name = name
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.OperationTimeout = config.Duration(2 * time.Second)
	cfg.Pipeline.LockTimeout = config.Duration(2 * time.Second)
	cfg.Pipeline.GlobalCache.Kind = config.CacheMemory
	cfg.Pipeline.GlobalStorage.Kind = config.StorageMemory
	cfg.Messaging.Kind = config.MessagingMemory
	return cfg
}

func build(t *testing.T, cfg *config.Config, opts ...Option) *Participant {
	t.Helper()
	p, err := Build(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	_, err = pipeline.Register(p.Pipeline(), pipeline.TypeMetadata{StorageID: "players"}, testutil.NewEntity)
	require.NoError(t, err)
	return p
}

func rename(t *testing.T, p *Participant, id uuid.UUID, name string) {
	t.Helper()
	ctx := context.Background()
	_, err := pipeline.LoadOrCreate[*testutil.Entity](ctx, p.Pipeline(), id, nil).Get()
	require.NoError(t, err)
	lock, err := pipeline.LockOf[*testutil.Entity](p.Pipeline(), id)
	require.NoError(t, err)
	require.NoError(t, lock.PerformWriteOperation(ctx, func(e *testutil.Entity) error {
		e.Name = name
		return nil
	}, true))
}

func nameOf(p *Participant, id uuid.UUID) string {
	if _, ok := pipeline.Local[*testutil.Entity](p.Pipeline(), id); !ok {
		return ""
	}
	lock, err := pipeline.LockOf[*testutil.Entity](p.Pipeline(), id)
	if err != nil {
		return ""
	}
	name, err := pipeline.Get(context.Background(), lock, func(e *testutil.Entity) string { return e.Name })
	if err != nil {
		return ""
	}
	return name
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	_, err := Build(context.Background(), nil, nil)
	assert.True(t, errors.IsInvalid(err))

	cfg := memoryConfig("")
	_, err = Build(context.Background(), cfg, nil)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg = memoryConfig("node")
	cfg.Pipeline.GlobalStorage.Kind = "tape"
	_, err = Build(context.Background(), cfg, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestBuild_SharedMemoryNetwork(t *testing.T) {
	gc, err := memcache.New()
	require.NoError(t, err)
	defer gc.Stop()
	store := memstore.New()
	bus := membus.New(nil)
	defer bus.Stop()

	shared := []Option{WithMemoryCache(gc), WithMemoryStorage(store), WithMemoryBus(bus)}
	a := build(t, memoryConfig("lobby-1"), shared...)
	b := build(t, memoryConfig("lobby-2"), shared...)
	assert.NotEqual(t, a.Pipeline().SessionID(), b.Pipeline().SessionID())

	id := uuid.New()
	rename(t, a, id, "first")

	// b pulls the object through the shared cache
	_, err = pipeline.Load[*testutil.Entity](context.Background(), b.Pipeline(), id, nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "first", nameOf(b, id))

	// and receives later updates over the shared bus
	rename(t, a, id, "second")
	assert.Eventually(t, func() bool { return nameOf(b, id) == "second" }, 2*time.Second, 10*time.Millisecond)

	dt, err := pipeline.TypeFor[*testutil.Entity](a.Pipeline())
	require.NoError(t, err)
	ok, err := store.Exists(context.Background(), dt, id)
	require.NoError(t, err)
	assert.True(t, ok, "writes reach the shared storage")
}

func TestBuild_PrivateMemoryAdapters(t *testing.T) {
	a := build(t, memoryConfig("solo-1"))
	b := build(t, memoryConfig("solo-2"))

	id := uuid.New()
	rename(t, a, id, "only-here")

	exists, err := pipeline.Exist[*testutil.Entity](context.Background(), b.Pipeline(), id).Get()
	require.NoError(t, err)
	assert.False(t, exists, "participants without shared adapters are separate networks")
}

func TestBuild_SessionFromConfig(t *testing.T) {
	session := uuid.New()
	cfg := memoryConfig("fixed")
	cfg.SessionID = session.String()

	p := build(t, cfg)
	assert.Equal(t, session, p.Pipeline().SessionID())
	assert.Equal(t, "fixed", p.Config().Name)
	assert.NotNil(t, p.Metrics())
	assert.Nil(t, p.NATS())
}

func TestBuild_DurableStorage(t *testing.T) {
	for _, kind := range []string{config.StorageJSON, config.StorageBadger} {
		t.Run(kind, func(t *testing.T) {
			cfg := config.Default()
			cfg.Name = "durable"
			cfg.Pipeline.GlobalStorage.Kind = kind
			cfg.Pipeline.GlobalStorage.Path = t.TempDir()

			id := uuid.New()
			first, err := Build(context.Background(), cfg, nil)
			require.NoError(t, err)
			_, err = pipeline.Register(first.Pipeline(), pipeline.TypeMetadata{StorageID: "players"}, testutil.NewEntity)
			require.NoError(t, err)
			rename(t, first, id, "persisted")
			require.NoError(t, first.Shutdown(context.Background()))

			second := build(t, cfg)
			_, err = pipeline.Load[*testutil.Entity](context.Background(), second.Pipeline(), id, nil).Get()
			require.NoError(t, err)
			assert.Equal(t, "persisted", nameOf(second, id))
		})
	}
}

func TestBuild_UnreachableNATS(t *testing.T) {
	cfg := memoryConfig("offline")
	cfg.Messaging.Kind = config.MessagingNATS
	cfg.NATS.URLs = []string{"nats://127.0.0.1:1"}
	cfg.NATS.MaxReconnects = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Build(ctx, cfg, nil)
	require.Error(t, err)
	assert.False(t, errors.IsInvalid(err))
	assert.True(t, errors.IsTransient(err))
}

func TestParticipant_Shutdown(t *testing.T) {
	p, err := Build(context.Background(), memoryConfig("bye"), nil)
	require.NoError(t, err)
	assert.True(t, p.Healthy())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Healthy())
	status := p.Health(context.Background())
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "pipeline", status.SubStatuses[0].Component)
	assert.NoError(t, p.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestAdapterError(t *testing.T) {
	invalid := adapterError(errors.WrapInvalid(errors.ErrInvalidConfig, "store", "Open", "path"), "open")
	assert.True(t, errors.IsInvalid(invalid))

	unreachable := adapterError(errors.New("dial tcp: refused"), "open")
	assert.True(t, errors.IsTransient(unreachable))
	assert.ErrorIs(t, unreachable, errors.ErrTierFailure)
}
