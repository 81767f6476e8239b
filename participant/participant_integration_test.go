//go:build integration

package participant

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/config"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func natsConfig(name, url string) *config.Config {
	cfg := config.Default()
	cfg.Name = name
	cfg.Pipeline.OperationTimeout = config.Duration(5 * time.Second)
	cfg.Pipeline.LockTimeout = config.Duration(5 * time.Second)
	cfg.Pipeline.GlobalCache.Kind = config.CacheNATS
	cfg.Pipeline.GlobalStorage.Kind = config.StorageJSON
	cfg.Messaging.Kind = config.MessagingNATS
	cfg.NATS.URLs = []string{url}
	return cfg
}

func TestIntegration_NATSNetwork(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithFastStartup())
	storage := t.TempDir()

	cfgA := natsConfig("lobby-1", tc.URL)
	cfgA.Pipeline.GlobalStorage.Path = storage
	cfgB := natsConfig("lobby-2", tc.URL)
	cfgB.Pipeline.GlobalStorage.Path = storage

	a := build(t, cfgA)
	b := build(t, cfgB)
	require.NotNil(t, a.NATS())
	assert.True(t, a.Healthy())

	id := uuid.New()
	rename(t, a, id, "first")

	_, err := pipeline.Load[*testutil.Entity](context.Background(), b.Pipeline(), id, nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "first", nameOf(b, id))

	rename(t, a, id, "second")
	assert.Eventually(t, func() bool { return nameOf(b, id) == "second" }, 5*time.Second, 20*time.Millisecond)

	deleted, err := pipeline.Delete[*testutil.Entity](context.Background(), a.Pipeline(), id).Get()
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Eventually(t, func() bool {
		_, ok := pipeline.Local[*testutil.Entity](b.Pipeline(), id)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_NATSLockingWithoutCache(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithFastStartup())

	cfg := natsConfig("locks-only", tc.URL)
	cfg.Pipeline.GlobalCache.Kind = config.CacheNone
	cfg.Pipeline.GlobalStorage.Kind = config.StorageMemory
	cfg.Pipeline.Locking.Kind = config.LockingNATS
	cfg.Messaging.Kind = config.MessagingNone

	p := build(t, cfg)
	id := uuid.New()
	rename(t, p, id, "locked")
	assert.Equal(t, "locked", nameOf(p, id))
}

func TestIntegration_ObjectStoreStorage(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithFastStartup())

	cfg := natsConfig("archive", tc.URL)
	cfg.Pipeline.GlobalCache.Kind = config.CacheNone
	cfg.Pipeline.GlobalStorage = config.GlobalStorageConfig{Kind: config.StorageObjectStore, Bucket: "ARCHIVE"}
	cfg.Messaging.Kind = config.MessagingNone

	first := build(t, cfg)
	id := uuid.New()
	rename(t, first, id, "kept")
	require.NoError(t, first.Shutdown(context.Background()))

	second := build(t, cfg)
	_, err := pipeline.Load[*testutil.Entity](context.Background(), second.Pipeline(), id, nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "kept", nameOf(second, id))
}
