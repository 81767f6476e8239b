package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// RunLockingContract checks the read/write semantics of a LockingService.
// wait bounds how long a blocked Lock is given before the contract treats
// it as blocked.
func RunLockingContract(t *testing.T, newService func(t *testing.T) pipeline.LockingService, wait time.Duration) {
	dt := NewType(t, pipeline.TypeMetadata{StorageID: "locks"})

	open := func(t *testing.T) pipeline.LockingService {
		s := newService(t)
		t.Cleanup(func() { assert.NoError(t, s.Close(context.Background())) })
		return s
	}

	t.Run("readers share", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id := uuid.New()

		first, second := s.ReadLock(dt, id), s.ReadLock(dt, id)
		require.NoError(t, first.Lock(ctx))
		ok, err := second.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.WriteLock(dt, id).TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "writer excluded while readers hold")

		require.NoError(t, first.Unlock(ctx))
		require.NoError(t, second.Unlock(ctx))
	})

	t.Run("writer excludes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id := uuid.New()

		w := s.WriteLock(dt, id)
		require.NoError(t, w.Lock(ctx))

		ok, err := s.ReadLock(dt, id).TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.WriteLock(dt, id).TryLock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		assert.Error(t, s.ReadLock(dt, id).Lock(waitCtx), "blocked lock gives up with the context")

		require.NoError(t, w.Unlock(ctx))
		r := s.ReadLock(dt, id)
		require.NoError(t, r.Lock(ctx))
		require.NoError(t, r.Unlock(ctx))
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		w := s.WriteLock(dt, uuid.New())
		require.NoError(t, w.Lock(ctx))
		defer func() { require.NoError(t, w.Unlock(ctx)) }()

		other := s.WriteLock(dt, uuid.New())
		ok, err := other.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, other.Unlock(ctx))
	})

	t.Run("blocked writer proceeds after release", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id := uuid.New()

		r := s.ReadLock(dt, id)
		require.NoError(t, r.Lock(ctx))

		acquired := make(chan error, 1)
		w := s.WriteLock(dt, id)
		go func() { acquired <- w.Lock(ctx) }()

		select {
		case <-acquired:
			t.Fatal("writer acquired while a reader holds")
		case <-time.After(wait):
		}

		require.NoError(t, r.Unlock(ctx))
		select {
		case err := <-acquired:
			require.NoError(t, err)
		case <-time.After(10 * wait):
			t.Fatal("writer never acquired")
		}
		require.NoError(t, w.Unlock(ctx))
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id := uuid.New()

		var inside, violations atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					w := s.WriteLock(dt, id)
					if !assert.NoError(t, w.Lock(ctx)) {
						return
					}
					if inside.Add(1) != 1 {
						violations.Add(1)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					assert.NoError(t, w.Unlock(ctx))
				}
			}()
		}
		wg.Wait()
		assert.Zero(t, violations.Load())
	})
}
