package natskv

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/pkg/retry"
)

var errBusy = stderrors.New("lease held")

// leaseDoc is the stored state of one key's read/write lock. WriterWaiting
// is the unix-nano time until which a blocked writer keeps new readers
// out; waiters renew it on every attempt so an abandoned mark decays.
type leaseDoc struct {
	Writer        string         `json:"writer,omitempty"`
	Readers       map[string]int `json:"readers,omitempty"`
	WriterWaiting int64          `json:"writer_waiting,omitempty"`
}

func (d *leaseDoc) empty() bool {
	return d.Writer == "" && len(d.Readers) == 0 && d.WriterWaiting < time.Now().UnixNano()
}

// lease is a Locker over one key. A read handle may be held several times.
type lease struct {
	cache  *Cache
	key    string
	write  bool
	holder string

	mu   sync.Mutex
	held int
}

func (c *Cache) newLease(t *pipeline.DataType, id uuid.UUID, write bool) *lease {
	return &lease{
		cache:  c,
		key:    encodeKey(pipeline.LockKey(t, id)),
		write:  write,
		holder: c.holder + "." + uuid.NewString(),
	}
}

func (l *lease) waitMark() int64 {
	return time.Now().Add(20 * l.cache.config.PollInterval).UnixNano()
}

// acquire makes one attempt; errBusy means another holder is in the way
func (l *lease) acquire(ctx context.Context, waiting bool) error {
	// set by the attempt that commits
	acquired := false
	err := l.cache.locks.UpdateWithRetry(ctx, l.key, func(current []byte) ([]byte, error) {
		var doc leaseDoc
		if current != nil {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("%w: lease %s: %w", errors.ErrCorruptPayload, l.key, err)
			}
		}
		now := time.Now().UnixNano()
		acquired = false

		if l.write {
			if doc.Writer != "" || len(doc.Readers) > 0 {
				if !waiting {
					return nil, errBusy
				}
				// park: mark the writer as waiting, then report busy
				doc.WriterWaiting = l.waitMark()
				return json.Marshal(doc)
			}
			doc.Writer = l.holder
			doc.WriterWaiting = 0
			acquired = true
			return json.Marshal(doc)
		}

		if doc.Writer != "" || doc.WriterWaiting > now {
			return nil, errBusy
		}
		if doc.Readers == nil {
			doc.Readers = make(map[string]int)
		}
		doc.Readers[l.holder]++
		acquired = true
		return json.Marshal(doc)
	})
	if err != nil {
		return err
	}
	if !acquired {
		return errBusy
	}
	return nil
}

func (l *lease) Lock(ctx context.Context) error {
	err := retry.Do(ctx, retry.Poll(l.cache.config.PollInterval), func() error {
		err := l.acquire(ctx, true)
		if err == nil || stderrors.Is(err, errBusy) {
			return err
		}
		return retry.NonRetryable(err)
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return errors.WrapTransient(nre.Err, "natskv", "Lock", l.key)
		}
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrLockBusy, err), "natskv", "Lock", l.key)
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	return nil
}

func (l *lease) TryLock(ctx context.Context) (bool, error) {
	if err := l.acquire(ctx, false); err != nil {
		if stderrors.Is(err, errBusy) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "natskv", "TryLock", l.key)
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()
	return true, nil
}

func (l *lease) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.held == 0 {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidData, "natskv", "Unlock", "unlock of unheld lease "+l.key)
	}
	l.held--
	l.mu.Unlock()

	// a release must not be abandoned because the caller's context ended
	ctx = context.WithoutCancel(ctx)
	err := l.cache.locks.UpdateWithRetry(ctx, l.key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, natsclient.ErrKVDelete
		}
		var doc leaseDoc
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, natsclient.ErrKVDelete
		}
		if l.write {
			if doc.Writer == l.holder {
				doc.Writer = ""
			}
		} else if n := doc.Readers[l.holder]; n > 1 {
			doc.Readers[l.holder] = n - 1
		} else {
			delete(doc.Readers, l.holder)
		}
		if doc.empty() {
			return nil, natsclient.ErrKVDelete
		}
		return json.Marshal(doc)
	})
	if err != nil {
		return errors.WrapTransient(err, "natskv", "Unlock", l.key)
	}
	return nil
}
