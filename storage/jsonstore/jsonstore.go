// Package jsonstore is a global storage on plain JSON files:
//
//	<root>/[<classifier>/]<storageId>/<uuid>.json
//
// Writes go to a temporary file that is renamed into place, so a reader
// never sees a partial document.
package jsonstore

import (
	"context"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

const ext = ".json"

// Store implements pipeline.GlobalStorage
type Store struct {
	root   string
	logger *slog.Logger
}

// Open uses root, creating it if needed
func Open(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "jsonstore", "Open", "root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "jsonstore", "Open", "create "+root)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger.With("component", "jsonstore", "root", root)}, nil
}

func (s *Store) dir(t *pipeline.DataType) string {
	if t.Classifier() != "" {
		return filepath.Join(s.root, t.Classifier(), t.StorageID())
	}
	return filepath.Join(s.root, t.StorageID())
}

func (s *Store) path(t *pipeline.DataType, id uuid.UUID) string {
	return filepath.Join(s.dir(t), id.String()+ext)
}

// Exists reports whether the store holds (t, id)
func (s *Store) Exists(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	_, err := os.Stat(s.path(t, id))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, errors.WrapTransient(err, "jsonstore", "Exists", "stat file")
	}
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(_ context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	payload, err := os.ReadFile(s.path(t, id))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "jsonstore", "Load", "read file")
	}
	return payload, nil
}

// Save writes payload under (t, id)
func (s *Store) Save(_ context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	dir := s.dir(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapTransient(err, "jsonstore", "Save", "create "+dir)
	}
	tmp, err := os.CreateTemp(dir, "."+id.String()+"-*")
	if err != nil {
		return errors.WrapTransient(err, "jsonstore", "Save", "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return errors.WrapTransient(err, "jsonstore", "Save", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.WrapTransient(err, "jsonstore", "Save", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "jsonstore", "Save", "close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path(t, id)); err != nil {
		return errors.WrapTransient(err, "jsonstore", "Save", "rename temp file")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	err := os.Remove(s.path(t, id))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, errors.WrapTransient(err, "jsonstore", "Remove", "remove file")
	}
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(_ context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.dir(t))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "jsonstore", "SavedIDs", "read dir")
	}
	var ids []uuid.UUID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ext))
		if err != nil {
			s.logger.Debug("Skipping foreign file", "file", name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close does nothing; files are written synchronously
func (s *Store) Close(context.Context) error {
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
