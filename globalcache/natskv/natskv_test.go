package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestKeyEncoding(t *testing.T) {
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})
	id := uuid.MustParse("6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10")

	key := encodeKey(pipeline.CacheKey(dt, id))
	assert.Equal(t, "VPipeline.lobby.6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10.players", key)
	assert.NotContains(t, key, ":")

	parsed, ok := pipeline.ParseCacheKey(dt, decodeKey(key))
	require.True(t, ok)
	assert.Equal(t, id, parsed)

	_, ok = pipeline.ParseCacheKey(dt, decodeKey(encodeKey(pipeline.LockKey(dt, id))))
	assert.False(t, ok, "lease keys never list as entries")
}

func TestDottedStorageIDRejected(t *testing.T) {
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players.v2"})
	err := checkType(dt, "Save")
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))

	assert.NoError(t, checkType(testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players_v2"}), "Save"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Bucket: "CUSTOM"}.withDefaults()
	assert.Equal(t, "CUSTOM", cfg.Bucket)
	assert.Equal(t, DefaultConfig().LockBucket, cfg.LockBucket)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
}

func TestLeaseDocEmpty(t *testing.T) {
	tests := []struct {
		name string
		doc  leaseDoc
		want bool
	}{
		{"zero", leaseDoc{}, true},
		{"writer", leaseDoc{Writer: "a"}, false},
		{"reader", leaseDoc{Readers: map[string]int{"a": 1}}, false},
		{"waiting writer", leaseDoc{WriterWaiting: time.Now().Add(time.Minute).UnixNano()}, false},
		{"stale wait mark", leaseDoc{WriterWaiting: time.Now().Add(-time.Minute).UnixNano()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.doc.empty())
		})
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(context.Background(), nil, Config{}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnlockUnheld(t *testing.T) {
	c := &Cache{config: DefaultConfig(), holder: "node"}
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	err := c.WriteLock(dt, uuid.New()).Unlock(context.Background())
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}
