package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Reference points at another entity by type and id. It serializes as
// {"uuid": ..., "type": storageID} and resolves through the pipeline that
// decoded it.
type Reference[T Data] struct {
	p  *Pipeline
	t  *DataType
	id uuid.UUID
}

type referenceJSON struct {
	UUID uuid.UUID `json:"uuid"`
	Type string    `json:"type"`
}

// ID returns the referenced id
func (r Reference[T]) ID() uuid.UUID { return r.id }

// Type returns the referenced type, or nil for a zero reference
func (r Reference[T]) Type() *DataType { return r.t }

// Valid reports whether the reference is bound to a pipeline and type
func (r Reference[T]) Valid() bool {
	return r.p != nil && r.t != nil
}

func (r Reference[T]) check(method string) error {
	if !r.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unbound reference to %s", errors.ErrUnregisteredType, r.id), "Reference", method, "resolve")
	}
	return nil
}

// Exists reports whether any tier holds the referenced object
func (r Reference[T]) Exists(ctx context.Context) *Future[bool] {
	if err := r.check("Exists"); err != nil {
		return failedFuture[bool](err)
	}
	return r.p.Exist(ctx, r.t, r.id)
}

// Delete removes the referenced object from every tier
func (r Reference[T]) Delete(ctx context.Context) *Future[bool] {
	if err := r.check("Delete"); err != nil {
		return failedFuture[bool](err)
	}
	return r.p.Delete(ctx, r.t, r.id)
}

// Load loads the referenced object into the local cache
func (r Reference[T]) Load(ctx context.Context, callback func(T)) *Future[*PipelineLock[T]] {
	if err := r.check("Load"); err != nil {
		return failedFuture[*PipelineLock[T]](err)
	}
	return mapFuture(r.p.Load(ctx, r.t, r.id, typed(callback)), asLock[T])
}

// LoadOrCreate loads the referenced object, creating it if no tier holds it
func (r Reference[T]) LoadOrCreate(ctx context.Context, callback func(T)) *Future[*PipelineLock[T]] {
	if err := r.check("LoadOrCreate"); err != nil {
		return failedFuture[*PipelineLock[T]](err)
	}
	return mapFuture(r.p.LoadOrCreate(ctx, r.t, r.id, typed(callback)), asLock[T])
}

// Lock returns the PipelineLock of the referenced object
func (r Reference[T]) Lock() (*PipelineLock[T], error) {
	if err := r.check("Lock"); err != nil {
		return nil, err
	}
	return asLock[T](r.p.CreateLock(r.t, r.id)), nil
}

// Read passes the referenced object to reader under the read lock
func (r Reference[T]) Read(ctx context.Context, reader func(T) error) error {
	l, err := r.Lock()
	if err != nil {
		return err
	}
	return l.PerformReadOperation(ctx, reader)
}

// Write passes the referenced object to writer under the write lock and
// syncs the result
func (r Reference[T]) Write(ctx context.Context, writer func(T) error, pushToNetwork bool) error {
	l, err := r.Lock()
	if err != nil {
		return err
	}
	return l.PerformWriteOperation(ctx, writer, pushToNetwork)
}

// ReadAsync runs Read on the executor
func (r Reference[T]) ReadAsync(ctx context.Context, reader func(T) error) *Future[bool] {
	if err := r.check("ReadAsync"); err != nil {
		return failedFuture[bool](err)
	}
	return submit(r.p, ctx, r.t, "read", func(ctx context.Context) (bool, error) {
		return true, r.Read(ctx, reader)
	})
}

// WriteAsync runs Write on the executor
func (r Reference[T]) WriteAsync(ctx context.Context, writer func(T) error, pushToNetwork bool) *Future[bool] {
	if err := r.check("WriteAsync"); err != nil {
		return failedFuture[bool](err)
	}
	return submit(r.p, ctx, r.t, "write", func(ctx context.Context) (bool, error) {
		return true, r.Write(ctx, writer, pushToNetwork)
	})
}

// GetUnsafe returns the local instance without locking. On a miss it
// schedules a background load so a later call may hit. The caller must not
// mutate the result.
func (r Reference[T]) GetUnsafe() (T, bool) {
	var zero T
	if !r.Valid() {
		return zero, false
	}
	if d, ok := r.p.local.Load(r.t, r.id).(T); ok {
		return d, true
	}
	r.p.Load(context.Background(), r.t, r.id, nil)
	return zero, false
}

// RefGet projects the referenced object through fn under the read lock
func RefGet[T Data, O any](ctx context.Context, r Reference[T], fn func(T) O) (O, error) {
	var out O
	err := r.Read(ctx, func(d T) error {
		out = fn(d)
		return nil
	})
	return out, err
}

// RefGetAsync runs RefGet on the executor
func RefGetAsync[T Data, O any](ctx context.Context, r Reference[T], fn func(T) O) *Future[O] {
	if err := r.check("GetAsync"); err != nil {
		return failedFuture[O](err)
	}
	return submit(r.p, ctx, r.t, "get", func(ctx context.Context) (O, error) {
		return RefGet(ctx, r, fn)
	})
}

// MarshalJSON implements json.Marshaler
func (r Reference[T]) MarshalJSON() ([]byte, error) {
	out := referenceJSON{UUID: r.id}
	if r.t != nil {
		out.Type = r.t.StorageID()
	}
	return json.Marshal(out)
}

// UnmarshalJSON binds the reference to the pipeline carried by ctx. An
// unknown type yields a zero reference.
func (r *Reference[T]) UnmarshalJSON(ctx context.Context, data []byte) error {
	var in referenceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Reference[T]{id: in.UUID}

	p := pipelineFrom(ctx)
	if p == nil {
		return nil
	}
	t, ok := p.registry.TypeByStorageID(in.Type)
	if want := reflect.TypeFor[T](); !ok || (want.Kind() != reflect.Interface && t.goType != want) {
		p.logger.Warn("Unresolvable reference", "type", in.Type, "id", in.UUID)
		return nil
	}
	r.p, r.t = p, t
	return nil
}
