// Package badgerstore is a global storage on an embedded Badger database.
// It suits single-host deployments where every pipeline shares one
// process, or as a durable tier behind a shared global cache.
package badgerstore

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/storage"
)

// Config locates the database
type Config struct {
	Path       string `json:"path" yaml:"path"`
	InMemory   bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`
}

// Store implements pipeline.GlobalStorage. Keys are
// <classifier>/<storageId>/<uuid> with an empty classifier allowed.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens or creates the database
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "badgerstore", "Open", "path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WrapFatal(err, "badgerstore", "Open", "open "+cfg.Path)
	}
	return &Store{db: db, logger: logger.With("component", "badgerstore")}, nil
}

func prefix(t *pipeline.DataType) []byte {
	return []byte(storage.KeyPrefix(t))
}

func key(t *pipeline.DataType, id uuid.UUID) []byte {
	return []byte(storage.Key(t, id))
}

// Exists reports whether the store holds (t, id)
func (s *Store) Exists(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(t, id))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, errors.WrapTransient(err, "badgerstore", "Exists", "get key")
	}
	return found, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(_ context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(t, id))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "badgerstore", "Load", "read value")
	}
	return payload, nil
}

// Save upserts payload under (t, id)
func (s *Store) Save(_ context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(t, id), payload)
	})
	if err != nil {
		return errors.WrapTransient(err, "badgerstore", "Save", "write value")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		k := key(t, id)
		if _, err := txn.Get(k); err != nil {
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		removed = true
		return txn.Delete(k)
	})
	if err != nil {
		return false, errors.WrapTransient(err, "badgerstore", "Remove", "delete key")
	}
	return removed, nil
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(_ context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	p := prefix(t)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id, err := uuid.ParseBytes(it.Item().Key()[len(p):])
			if err != nil {
				s.logger.Debug("Skipping foreign key", "key", string(it.Item().Key()))
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "badgerstore", "SavedIDs", "iterate keys")
	}
	return ids, nil
}

// Close flushes and closes the database
func (s *Store) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "badgerstore", "Close", "close database")
	}
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
