package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// Typed wrappers resolve the descriptor of T and narrow the results. They
// fail with ErrUnregisteredType when T was never registered.

func typed[T Data](callback func(T)) func(Data) {
	if callback == nil {
		return nil
	}
	return func(d Data) { callback(d.(T)) }
}

// Load is Pipeline.Load for T
func Load[T Data](ctx context.Context, p *Pipeline, id uuid.UUID, callback func(T)) *Future[*PipelineLock[T]] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[*PipelineLock[T]](err)
	}
	return mapFuture(p.Load(ctx, t, id, typed(callback)), asLock[T])
}

// LoadOrCreate is Pipeline.LoadOrCreate for T
func LoadOrCreate[T Data](ctx context.Context, p *Pipeline, id uuid.UUID, callback func(T)) *Future[*PipelineLock[T]] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[*PipelineLock[T]](err)
	}
	return mapFuture(p.LoadOrCreate(ctx, t, id, typed(callback)), asLock[T])
}

// LoadAll is Pipeline.LoadAllData for T
func LoadAll[T Data](ctx context.Context, p *Pipeline) *Future[[]Reference[T]] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[[]Reference[T]](err)
	}
	return mapFuture(p.LoadAllData(ctx, t), func(refs []Reference[Data]) []Reference[T] {
		out := make([]Reference[T], 0, len(refs))
		for _, r := range refs {
			out = append(out, Reference[T]{p: r.p, t: r.t, id: r.id})
		}
		return out
	})
}

// Exist is Pipeline.Exist for T
func Exist[T Data](ctx context.Context, p *Pipeline, id uuid.UUID) *Future[bool] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[bool](err)
	}
	return p.Exist(ctx, t, id)
}

// Delete is Pipeline.Delete for T
func Delete[T Data](ctx context.Context, p *Pipeline, id uuid.UUID) *Future[bool] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[bool](err)
	}
	return p.Delete(ctx, t, id)
}

// SaveAndRemove is Pipeline.SaveAndRemoveFromLocalCache for T
func SaveAndRemove[T Data](ctx context.Context, p *Pipeline, id uuid.UUID) *Future[bool] {
	t, err := TypeFor[T](p)
	if err != nil {
		return failedFuture[bool](err)
	}
	return p.SaveAndRemoveFromLocalCache(ctx, t, id)
}

// LockOf returns a PipelineLock over the T with id
func LockOf[T Data](p *Pipeline, id uuid.UUID) (*PipelineLock[T], error) {
	t, err := TypeFor[T](p)
	if err != nil {
		return nil, err
	}
	return asLock[T](p.CreateLock(t, id)), nil
}

// Ref returns a reference to the T with id
func Ref[T Data](p *Pipeline, id uuid.UUID) (Reference[T], error) {
	t, err := TypeFor[T](p)
	if err != nil {
		return Reference[T]{}, err
	}
	return Reference[T]{p: p, t: t, id: id}, nil
}

// Local returns the T with id when it is held by the local cache
func Local[T Data](p *Pipeline, id uuid.UUID) (T, bool) {
	var zero T
	t, err := TypeFor[T](p)
	if err != nil {
		return zero, false
	}
	d, ok := p.local.Load(t, id).(T)
	if !ok {
		return zero, false
	}
	return d, true
}
