package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Future is the pending result of an asynchronous pipeline operation. It
// resolves exactly once: with a value, with an error, or with ErrTimeout
// when its deadline passes first. Work already running is not aborted by
// the timeout.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
	value T
	err   error
}

func newFuture[T any](timeout time.Duration) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	if timeout > 0 {
		f.timer = time.AfterFunc(timeout, func() {
			f.fail(errors.WrapTransient(errors.ErrTimeout, "Future", "Await", fmt.Sprintf("wait %v", timeout)))
		})
	}
	return f
}

// failedFuture returns a future already resolved with err
func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T](0)
	f.fail(err)
	return f
}

func (f *Future[T]) resolve(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.value, f.err = value, err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future[T]) complete(value T) bool {
	return f.resolve(value, nil)
}

func (f *Future[T]) fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

// cancel resolves the future with ErrCancelled wrapping reason
func (f *Future[T]) cancel(reason error) bool {
	return f.fail(fmt.Errorf("%w: %w", errors.ErrCancelled, reason))
}

// Done is closed once the future resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future resolves
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// mapFuture resolves a future of O from f through fn
func mapFuture[T, O any](f *Future[T], fn func(T) O) *Future[O] {
	out := newFuture[O](0)
	go func() {
		v, err := f.Get()
		if err != nil {
			out.fail(err)
			return
		}
		out.complete(fn(v))
	}()
	return out
}
