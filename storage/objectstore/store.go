package objectstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/storage"
)

// Store implements pipeline.GlobalStorage on one JetStream object store
// bucket. Object names are <classifier>/<storageId>/<uuid>.
type Store struct {
	bucket  jetstream.ObjectStore
	config  Config
	metrics *storeMetrics
	logger  *slog.Logger
}

// Open opens, creating if needed, the bucket named in cfg. A nil registry
// disables metrics.
func Open(
	ctx context.Context,
	client *natsclient.Client,
	cfg Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "objectstore", "Open", "client is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	bucket, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "VPipeline global storage",
		Replicas:    cfg.Replicas,
		Compression: cfg.Compression,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "Open", "open bucket "+cfg.Bucket)
	}

	metrics, err := newStoreMetrics(registry, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "objectstore", "Open", "register metrics")
	}

	return &Store{
		bucket:  bucket,
		config:  cfg,
		metrics: metrics,
		logger:  logger.With("component", "objectstore", "bucket", cfg.Bucket),
	}, nil
}

// Exists reports whether the bucket holds (t, id)
func (s *Store) Exists(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (found bool, err error) {
	defer func(start time.Time) { s.metrics.observe("exists", start, err) }(time.Now())

	_, err = s.bucket.GetInfo(ctx, storage.Key(t, id))
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "objectstore", "Exists", "get object info")
	}
	return true, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (payload []byte, err error) {
	defer func(start time.Time) { s.metrics.observe("load", start, err) }(time.Now())

	payload, err = s.bucket.GetBytes(ctx, storage.Key(t, id))
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "Load", "get object")
	}
	return payload, nil
}

// Save replaces the object of (t, id) with payload
func (s *Store) Save(ctx context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) (err error) {
	defer func(start time.Time) { s.metrics.observe("save", start, err) }(time.Now())

	if _, err = s.bucket.PutBytes(ctx, storage.Key(t, id), payload); err != nil {
		return errors.WrapTransient(err, "objectstore", "Save", "put object")
	}
	s.refreshSize(ctx)
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (removed bool, err error) {
	defer func(start time.Time) { s.metrics.observe("remove", start, err) }(time.Now())

	// Delete succeeds again on a tombstone
	name := storage.Key(t, id)
	if _, err = s.bucket.GetInfo(ctx, name); err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "objectstore", "Remove", "get object info")
	}
	err = s.bucket.Delete(ctx, name)
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "objectstore", "Remove", "delete object")
	}
	s.refreshSize(ctx)
	return true, nil
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(ctx context.Context, t *pipeline.DataType) (ids []uuid.UUID, err error) {
	defer func(start time.Time) { s.metrics.observe("list", start, err) }(time.Now())

	infos, err := s.bucket.List(ctx)
	if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "SavedIDs", "list objects")
	}
	for _, info := range infos {
		if info.Deleted {
			continue
		}
		if id, ok := storage.ParseKey(t, info.Name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close does nothing; the NATS client is owned by the caller
func (s *Store) Close(context.Context) error {
	return nil
}

func (s *Store) refreshSize(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	status, err := s.bucket.Status(ctx)
	if err != nil {
		s.logger.Debug("Bucket status unavailable", "error", err)
		return
	}
	s.metrics.updateStorageBytes(status.Size())
}

var _ pipeline.GlobalStorage = (*Store)(nil)
