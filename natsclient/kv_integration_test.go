//go:build integration

package natsclient

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Operations(t *testing.T) {
	tc := NewTestClient(t, WithJetStream(), WithFastStartup())
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "kv-ops", History: 5})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "a", []byte("2"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)
	_, err = kv.Update(ctx, "a", []byte("2"), rev)
	require.NoError(t, err)

	_, err = kv.Put(ctx, "b", []byte("x"))
	require.NoError(t, err)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestKVStore_ValueTooLarge(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("kv-size"), WithFastStartup())
	ctx := context.Background()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "kv-size")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxValueSize = 4 })

	_, err = kv.Put(ctx, "k", []byte("too large"))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)
}

func TestKVStore_UpdateWithRetry(t *testing.T) {
	tc := NewTestClient(t, WithJetStream(), WithFastStartup())
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "kv-cas"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxRetries = 50 })

	t.Run("creates missing key", func(t *testing.T) {
		err := kv.UpdateWithRetry(ctx, "fresh", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("v1"), nil
		})
		require.NoError(t, err)
		entry, err := kv.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(entry.Value))
	})

	t.Run("update function error is returned", func(t *testing.T) {
		boom := errors.New("busy")
		calls := 0
		err := kv.UpdateWithRetry(ctx, "fresh", func([]byte) ([]byte, error) {
			calls++
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("delete from update", func(t *testing.T) {
		err := kv.UpdateWithRetry(ctx, "fresh", func([]byte) ([]byte, error) {
			return nil, ErrKVDelete
		})
		require.NoError(t, err)
		_, err = kv.Get(ctx, "fresh")
		assert.ErrorIs(t, err, ErrKVKeyNotFound)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		const workers = 8
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
					n := 0
					if current != nil {
						n, _ = strconv.Atoi(string(current))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		entry, err := kv.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), string(entry.Value))
	})
}

func TestClient_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := tc.Client.Subscribe(ctx, "vpipeline.test", func(_ context.Context, data []byte) {
		received <- data
	})
	require.NoError(t, err)
	assert.Equal(t, "vpipeline.test", sub.Subject())

	require.NoError(t, tc.Client.Publish(ctx, "vpipeline.test", []byte("hello")))
	require.NoError(t, tc.Client.Flush(ctx))

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestClient_BucketManagement(t *testing.T) {
	tc := NewTestClient(t, WithJetStream(), WithFastStartup())
	ctx := context.Background()

	_, err := tc.Client.GetKeyValueBucket(ctx, "absent")
	assert.Error(t, err)

	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "managed"})
	require.NoError(t, err)
	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "managed"})
	require.NoError(t, err, "create is idempotent")

	names, err := tc.Client.ListKeyValueBuckets(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "managed")

	require.NoError(t, tc.Client.DeleteKeyValueBucket(ctx, "managed"))
}
