package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Data is an entity managed by the pipeline. Implementations are pointer
// types that embed Base and are registered with a Factory.
type Data interface {
	ObjectID() uuid.UUID
}

// Lifecycle hooks. Each is optional and fires exactly once per transition.
type (
	// DependencyLoader runs before OnCreate and before OnLoad. It may load
	// other entities through the context it receives.
	DependencyLoader interface {
		LoadDependentData(ctx context.Context) error
	}
	// Creator runs before the first insertion into the local cache.
	Creator interface {
		OnCreate()
	}
	// Loader runs after the entity was copied in from a remote tier.
	Loader interface {
		OnLoad()
	}
	// Syncer runs after a remote update was applied. before is the JSON of
	// the entity prior to the update.
	Syncer interface {
		OnSync(before string)
	}
	// Deleter runs before the entity is removed from the local cache by a delete.
	Deleter interface {
		OnDelete()
	}
	// CleanUpper runs before the entity is saved and evicted from the local cache.
	CleanUpper interface {
		OnCleanUp()
	}
)

// attachable is satisfied by every type embedding Base
type attachable interface {
	attach(s *Synchronizer)
	touch()
}

// Base carries the identity and bookkeeping shared by all entities. Only
// ID is serialized.
type Base struct {
	ID uuid.UUID `json:"objectUUID"`

	lastUsed     atomic.Int64
	synchronizer atomic.Pointer[Synchronizer]
}

// NewBase returns a Base for id
func NewBase(id uuid.UUID) Base {
	return Base{ID: id}
}

// ObjectID returns the entity's identifier
func (b *Base) ObjectID() uuid.UUID { return b.ID }

// LastUsed returns the last time the pipeline handed out the entity
func (b *Base) LastUsed() time.Time {
	n := b.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Synchronizer returns the synchronizer of the entity's type on this node.
// It is nil until the entity enters the local cache.
func (b *Base) Synchronizer() *Synchronizer { return b.synchronizer.Load() }

// Save writes the entity to the global cache and, with pushToStorage, to
// global storage, then publishes an update to the other nodes. It takes the
// entity's write lock and must not be called while that lock is held.
func (b *Base) Save(ctx context.Context, pushToStorage bool) error {
	s := b.Synchronizer()
	if s == nil {
		return errors.Wrap(errors.ErrNotFound, "Base", "Save", "entity "+b.ID.String()+" is not in a local cache")
	}
	return s.p.CreateLock(s.t, b.ID).RunOnWriteLock(ctx, func(ctx context.Context) error {
		if !s.p.local.Exists(s.t, b.ID) {
			return errors.Wrap(errors.ErrNotFound, "Base", "Save", "entity "+b.ID.String()+" was evicted")
		}
		return s.p.tierSync.DoSync(ctx, s.t, b.ID, pushToStorage, true)
	})
}

func (b *Base) attach(s *Synchronizer) { b.synchronizer.Store(s) }

func (b *Base) touch() { b.lastUsed.Store(time.Now().UnixNano()) }

func touch(d Data) {
	if a, ok := d.(attachable); ok {
		a.touch()
	}
}

func loadDependentData(ctx context.Context, d Data) error {
	if h, ok := d.(DependencyLoader); ok {
		return h.LoadDependentData(ctx)
	}
	return nil
}

func fireCreate(d Data) {
	if h, ok := d.(Creator); ok {
		h.OnCreate()
	}
}

func fireLoad(d Data) {
	if h, ok := d.(Loader); ok {
		h.OnLoad()
	}
}

func fireSync(d Data, before string) {
	if h, ok := d.(Syncer); ok {
		h.OnSync(before)
	}
}

func fireDelete(d Data) {
	if h, ok := d.(Deleter); ok {
		h.OnDelete()
	}
}

func fireCleanUp(d Data) {
	if h, ok := d.(CleanUpper); ok {
		h.OnCleanUp()
	}
}
