package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// maxReaders is the weight of a write acquisition on a local lock
const maxReaders = 1 << 30

type lockKey struct {
	t  *DataType
	id uuid.UUID
}

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// localLocks hands out node-local read/write locks per object. The weighted
// semaphore serves waiters in FIFO order, so a queued writer holds back
// later readers.
type localLocks struct {
	mu      sync.Mutex
	entries map[lockKey]*localEntry
}

func newLocalLocks() *localLocks {
	return &localLocks{entries: make(map[lockKey]*localEntry)}
}

func (l *localLocks) acquire(ctx context.Context, key lockKey, weight int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: semaphore.NewWeighted(maxReaders)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, weight); err != nil {
		l.unref(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			l.unref(key, e)
		})
	}, nil
}

func (l *localLocks) unref(key lockKey, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

func (l *localLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type lockMode string

const (
	modeRead  lockMode = "read"
	modeWrite lockMode = "write"
)

// PipelineLock is the critical section for one object. It composes the
// node-local lock with the distributed lock handles, which are acquired
// when the PipelineLock is created. Locks are not reentrant: do not nest
// operations on the same object.
type PipelineLock[T Data] struct {
	p     *Pipeline
	t     *DataType
	id    uuid.UUID
	read  Locker
	write Locker
}

// Type returns the locked object's type
func (l *PipelineLock[T]) Type() *DataType { return l.t }

// ID returns the locked object's id
func (l *PipelineLock[T]) ID() uuid.UUID { return l.id }

func (l *PipelineLock[T]) acquire(ctx context.Context, mode lockMode) (func(), error) {
	start := time.Now()
	if l.p.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.p.lockTimeout)
		defer cancel()
	}

	weight, remote := int64(1), l.read
	if mode == modeWrite {
		weight, remote = maxReaders, l.write
	}

	releaseLocal, err := l.p.locks.acquire(ctx, lockKey{l.t, l.id}, weight)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrLockBusy, err),
			"PipelineLock", "acquire", fmt.Sprintf("%s lock %s %s", mode, l.t.StorageID(), l.id))
	}
	if err := remote.Lock(ctx); err != nil {
		releaseLocal()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrLockBusy, err),
			"PipelineLock", "acquire", fmt.Sprintf("distributed %s lock %s %s", mode, l.t.StorageID(), l.id))
	}
	l.p.metrics.RecordLockWait(string(mode), time.Since(start))

	return func() {
		// release even when the caller's context is gone
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := remote.Unlock(unlockCtx); err != nil {
			l.p.logger.Warn("Failed to release distributed lock",
				"type", l.t.StorageID(), "id", l.id, "mode", mode, "error", err)
		}
		releaseLocal()
	}, nil
}

func (l *PipelineLock[T]) run(ctx context.Context, mode lockMode, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, mode)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// RunOnReadLock runs fn while holding the read side
func (l *PipelineLock[T]) RunOnReadLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.run(ctx, modeRead, fn)
}

// RunOnWriteLock runs fn while holding the write side
func (l *PipelineLock[T]) RunOnWriteLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.run(ctx, modeWrite, fn)
}

// PerformReadOperation loads the object under the read lock, pulling it
// from a remote tier if needed, and passes it to reader.
func (l *PipelineLock[T]) PerformReadOperation(ctx context.Context, reader func(T) error) error {
	return l.RunOnReadLock(ctx, func(ctx context.Context) error {
		d, err := l.p.loadInternal(ctx, l.t, l.id, false)
		if err != nil {
			return err
		}
		if d == nil {
			return errors.Wrap(errors.ErrNotFound, "PipelineLock", "PerformReadOperation", "load "+l.id.String())
		}
		return reader(d.(T))
	})
}

// PerformWriteOperation loads or creates the object under the write lock,
// passes it to writer and writes the result back to every allowed tier.
// With pushToNetwork the other nodes receive an update.
func (l *PipelineLock[T]) PerformWriteOperation(ctx context.Context, writer func(T) error, pushToNetwork bool) error {
	return l.RunOnWriteLock(ctx, func(ctx context.Context) error {
		d, err := l.p.loadInternal(ctx, l.t, l.id, true)
		if err != nil {
			return err
		}
		if err := writer(d.(T)); err != nil {
			return err
		}
		return l.p.tierSync.DoSync(ctx, l.t, l.id, true, pushToNetwork)
	})
}

// Get projects the locked object through fn under the read lock
func Get[T Data, O any](ctx context.Context, l *PipelineLock[T], fn func(T) O) (O, error) {
	var out O
	err := l.PerformReadOperation(ctx, func(d T) error {
		out = fn(d)
		return nil
	})
	return out, err
}

// asLock retypes a lock. The registry guarantees the stored instances are T.
func asLock[T Data](l *PipelineLock[Data]) *PipelineLock[T] {
	if l == nil {
		return nil
	}
	return &PipelineLock[T]{p: l.p, t: l.t, id: l.id, read: l.read, write: l.write}
}
