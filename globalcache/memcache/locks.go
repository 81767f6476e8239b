package memcache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

const maxReaders = 1 << 30

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// lockTable hands out a fair read/write lock per key. Waiters are served
// in arrival order, so a waiting writer blocks later readers.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (l *lockTable) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(maxReaders)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *lockTable) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *lockTable) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// lock is one side of a key's read/write lock. A handle may be held
// several times at once; every Lock needs a matching Unlock.
type lock struct {
	table  *lockTable
	key    string
	weight int64

	mu   sync.Mutex
	held []*lockEntry
}

func (l *lock) Lock(ctx context.Context) error {
	e := l.table.ref(l.key)
	if err := e.sem.Acquire(ctx, l.weight); err != nil {
		l.table.unref(l.key, e)
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrLockBusy, err), "memcache", "Lock", l.key)
	}
	l.push(e)
	return nil
}

func (l *lock) TryLock(context.Context) (bool, error) {
	e := l.table.ref(l.key)
	if !e.sem.TryAcquire(l.weight) {
		l.table.unref(l.key, e)
		return false, nil
	}
	l.push(e)
	return true, nil
}

func (l *lock) Unlock(context.Context) error {
	l.mu.Lock()
	if len(l.held) == 0 {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidData, "memcache", "Unlock", "unlock of unheld lock "+l.key)
	}
	e := l.held[len(l.held)-1]
	l.held = l.held[:len(l.held)-1]
	l.mu.Unlock()

	e.sem.Release(l.weight)
	l.table.unref(l.key, e)
	return nil
}

func (l *lock) push(e *lockEntry) {
	l.mu.Lock()
	l.held = append(l.held, e)
	l.mu.Unlock()
}
