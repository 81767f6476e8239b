package pipeline

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testType(t *testing.T, meta TypeMetadata) *DataType {
	t.Helper()
	dt, err := NewRegistry().Register(reflect.TypeFor[*account](), meta, accountFactory)
	require.NoError(t, err)
	return dt
}

func TestCacheKey(t *testing.T) {
	id := uuid.MustParse("6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10")

	plain := testType(t, TypeMetadata{StorageID: "players"})
	assert.Equal(t, "VPipeline:6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10:players", CacheKey(plain, id))
	assert.Equal(t, "VPipeline:lock:6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10:players", LockKey(plain, id))

	classified := testType(t, TypeMetadata{StorageID: "players", Classifier: "lobby"})
	assert.Equal(t, "VPipeline:lobby:6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10:players", CacheKey(classified, id))
	assert.Equal(t, "VPipeline:lock:lobby:6f1c1b2e-7a7d-4c3b-9f55-0e4b7e2d9a10:players", LockKey(classified, id))
}

func TestParseCacheKey(t *testing.T) {
	plain := testType(t, TypeMetadata{StorageID: "players"})
	classified := testType(t, TypeMetadata{StorageID: "players", Classifier: "lobby"})
	id := uuid.New()

	got, ok := ParseCacheKey(plain, CacheKey(plain, id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	for name, key := range map[string]string{
		"lock key":         LockKey(plain, id),
		"other classifier": CacheKey(classified, id),
		"other type":       "VPipeline:" + id.String() + ":guilds",
		"not a uuid":       "VPipeline:nope:players",
		"foreign prefix":   "Other:" + id.String() + ":players",
		"empty":            "",
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseCacheKey(plain, key)
			assert.False(t, ok)
		})
	}
}

func TestCacheKey_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		meta := TypeMetadata{
			StorageID:  rapid.StringMatching(`[a-z][a-z0-9_.-]{0,15}`).Draw(rt, "storageID"),
			Classifier: rapid.StringMatching(`([a-z][a-z0-9_]{0,7})?`).Draw(rt, "classifier"),
		}
		if meta.StorageID == lockNamespace || meta.Classifier == lockNamespace {
			rt.Skip("reserved namespace")
		}
		dt, err := NewRegistry().Register(reflect.TypeFor[*account](), meta, accountFactory)
		if err != nil {
			rt.Fatalf("register: %v", err)
		}
		id := drawID(rt)

		got, ok := ParseCacheKey(dt, CacheKey(dt, id))
		if !ok || got != id {
			rt.Fatalf("round trip of %s gave %s, %v", CacheKey(dt, id), got, ok)
		}
		if _, ok := ParseCacheKey(dt, LockKey(dt, id)); ok {
			rt.Fatalf("lock key %s parsed as data key", LockKey(dt, id))
		}
	})
}

func drawID(rt *rapid.T) uuid.UUID {
	var id uuid.UUID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(rt, "id"))
	return id
}

func TestDummyLockingService(t *testing.T) {
	var ls LockingService = DummyLockingService{}
	dt := testType(t, TypeMetadata{StorageID: "players"})
	ctx := context.Background()

	w := ls.WriteLock(dt, uuid.New())
	require.NoError(t, w.Lock(ctx))
	ok, err := w.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "dummy locks are always grantable")
	assert.NoError(t, w.Unlock(ctx))
	assert.NoError(t, ls.ReadLock(dt, uuid.New()).Lock(ctx))
	assert.NoError(t, ls.Close(ctx))
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "local", TierLocal.String())
	assert.Equal(t, "global_cache", TierGlobalCache.String())
	assert.Equal(t, "global_storage", TierGlobalStorage.String())
}
