// Package memstore is an in-process global storage. Like memcache it is
// shared by every pipeline holding it and outlives their shutdown.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/pkg/cache"
)

// Store keeps one bucket per type collection
type Store struct {
	mu      sync.Mutex
	buckets map[string]cache.Cache[[]byte]
	failure error
}

// New creates an empty store
func New() *Store {
	return &Store{buckets: make(map[string]cache.Cache[[]byte])}
}

// Collection returns the collection name of t: [<classifier>_]<storageId>
func Collection(t *pipeline.DataType) string {
	if t.Classifier() != "" {
		return t.Classifier() + "_" + t.StorageID()
	}
	return t.StorageID()
}

// InjectFailure makes every call fail with err until it is called with nil
func (s *Store) InjectFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *Store) bucket(t *pipeline.DataType) (cache.Cache[[]byte], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, errors.WrapTransient(s.failure, "memstore", "bucket", "resolve "+t.StorageID())
	}
	name := Collection(t)
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := cache.NewSimple[[]byte]()
	if err != nil {
		return nil, err
	}
	s.buckets[name] = b
	return b, nil
}

// Exists reports whether the store holds (t, id)
func (s *Store) Exists(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	b, err := s.bucket(t)
	if err != nil {
		return false, err
	}
	_, ok := b.Get(id.String())
	return ok, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(_ context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	b, err := s.bucket(t)
	if err != nil {
		return nil, err
	}
	payload, ok := b.Get(id.String())
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), payload...), nil
}

// Save upserts payload under (t, id)
func (s *Store) Save(_ context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	b, err := s.bucket(t)
	if err != nil {
		return err
	}
	_, err = b.Set(id.String(), append([]byte(nil), payload...))
	return err
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	b, err := s.bucket(t)
	if err != nil {
		return false, err
	}
	return b.Delete(id.String())
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(_ context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	b, err := s.bucket(t)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, b.Size())
	for _, key := range b.Keys() {
		if id, err := uuid.Parse(key); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close is a no-op; the data stays available to other pipelines
func (s *Store) Close(context.Context) error {
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
