package pipeline

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Factory builds a blank instance of a registered type for the given id.
// It replaces the two-argument constructor entities are created with.
type Factory func(p *Pipeline, id uuid.UUID) Data

// DataType is the registered descriptor of an entity type
type DataType struct {
	goType  reflect.Type
	meta    TypeMetadata
	factory Factory
}

// StorageID returns the stable identifier used on the wire and in backends
func (t *DataType) StorageID() string { return t.meta.StorageID }

// Classifier returns the optional namespace of the type
func (t *DataType) Classifier() string { return t.meta.Classifier }

// Metadata returns the type's configuration
func (t *DataType) Metadata() TypeMetadata { return t.meta }

// GoType returns the registered Go type, usually a pointer to a struct
func (t *DataType) GoType() reflect.Type { return t.goType }

// String returns the Go type name and storage id
func (t *DataType) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", t.goType, t.meta.StorageID)
}

type registrySnapshot struct {
	byType      map[reflect.Type]*DataType
	byStorageID map[string]*DataType
}

// Registry maps Go types to storage identifiers and back. Writes copy the
// snapshot; lookups never lock.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[registrySnapshot]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	r.snapshot.Store(&registrySnapshot{
		byType:      map[reflect.Type]*DataType{},
		byStorageID: map[string]*DataType{},
	})
	return r
}

// Register adds goType under meta. Registering the same type again with
// identical metadata returns the existing descriptor.
func (r *Registry) Register(goType reflect.Type, meta TypeMetadata, factory Factory) (*DataType, error) {
	if goType == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "nil type")
	}
	if factory == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no factory for %s", errors.ErrInvalidConfig, goType), "Registry", "Register", "check factory")
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	meta = meta.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	if existing, ok := current.byType[goType]; ok {
		if existing.meta == meta {
			return existing, nil
		}
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s already registered as %q", errors.ErrConflictingRegistration, goType, existing.meta.StorageID),
			"Registry", "Register", "register type")
	}
	if existing, ok := current.byStorageID[meta.StorageID]; ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: storage id %q already used by %s", errors.ErrConflictingRegistration, meta.StorageID, existing.goType),
			"Registry", "Register", "register type")
	}

	t := &DataType{goType: goType, meta: meta, factory: factory}
	next := &registrySnapshot{
		byType:      make(map[reflect.Type]*DataType, len(current.byType)+1),
		byStorageID: make(map[string]*DataType, len(current.byStorageID)+1),
	}
	for k, v := range current.byType {
		next.byType[k] = v
	}
	for k, v := range current.byStorageID {
		next.byStorageID[k] = v
	}
	next.byType[goType] = t
	next.byStorageID[meta.StorageID] = t
	r.snapshot.Store(next)
	return t, nil
}

// IsRegistered reports whether goType is known
func (r *Registry) IsRegistered(goType reflect.Type) bool {
	_, ok := r.snapshot.Load().byType[goType]
	return ok
}

// TypeOf returns the descriptor of goType
func (r *Registry) TypeOf(goType reflect.Type) (*DataType, bool) {
	t, ok := r.snapshot.Load().byType[goType]
	return t, ok
}

// TypeByStorageID returns the descriptor registered under id
func (r *Registry) TypeByStorageID(id string) (*DataType, bool) {
	t, ok := r.snapshot.Load().byStorageID[id]
	return t, ok
}

// AllTypes returns every registered type ordered by storage id
func (r *Registry) AllTypes() []*DataType {
	snap := r.snapshot.Load()
	types := make([]*DataType, 0, len(snap.byType))
	for _, t := range snap.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].meta.StorageID < types[j].meta.StorageID })
	return types
}

// contains reports whether t was issued by this registry
func (r *Registry) contains(t *DataType) bool {
	if t == nil {
		return false
	}
	registered, ok := r.snapshot.Load().byType[t.goType]
	return ok && registered == t
}
