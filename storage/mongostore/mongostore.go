// Package mongostore is a global storage on MongoDB. Each type has its own
// collection; documents are {_id: <uuid>, data: <json string>}.
package mongostore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Config locates the database
type Config struct {
	URL            string        `json:"url" yaml:"url"`
	Database       string        `json:"database" yaml:"database"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// Store implements pipeline.GlobalStorage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	logger   *slog.Logger
}

type document struct {
	ID   string `bson:"_id"`
	Data string `bson:"data"`
}

// Open connects and pings the server
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" || cfg.Database == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "mongostore", "Open", "url and database are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, errors.WrapTransient(err, "mongostore", "Open", "connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WrapTransient(err, "mongostore", "Open", "ping")
	}

	return &Store{
		client:   client,
		database: client.Database(cfg.Database),
		logger:   logger.With("component", "mongostore", "database", cfg.Database),
	}, nil
}

// Collection returns the collection name of t: [<classifier>_]<storageId>
func Collection(t *pipeline.DataType) string {
	if t.Classifier() != "" {
		return t.Classifier() + "_" + t.StorageID()
	}
	return t.StorageID()
}

func (s *Store) collection(t *pipeline.DataType) *mongo.Collection {
	return s.database.Collection(Collection(t))
}

// Exists reports whether the store holds (t, id)
func (s *Store) Exists(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	n, err := s.collection(t).CountDocuments(ctx, bson.D{{Key: "_id", Value: id.String()}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errors.WrapTransient(err, "mongostore", "Exists", "count documents")
	}
	return n > 0, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(ctx context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	var doc document
	err := s.collection(t).FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "mongostore", "Load", "find document")
	}
	return []byte(doc.Data), nil
}

// Save upserts payload under (t, id)
func (s *Store) Save(ctx context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	_, err := s.collection(t).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id.String()}},
		document{ID: id.String(), Data: string(payload)},
		options.Replace().SetUpsert(true))
	if err != nil {
		return errors.WrapTransient(err, "mongostore", "Save", "replace document")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	res, err := s.collection(t).DeleteOne(ctx, bson.D{{Key: "_id", Value: id.String()}})
	if err != nil {
		return false, errors.WrapTransient(err, "mongostore", "Remove", "delete document")
	}
	return res.DeletedCount > 0, nil
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(ctx context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	raw, err := s.collection(t).Distinct(ctx, "_id", bson.D{})
	if err != nil {
		return nil, errors.WrapTransient(err, "mongostore", "SavedIDs", "list ids")
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(str)
		if err != nil {
			s.logger.Debug("Skipping foreign document", "collection", Collection(t), "id", str)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close disconnects from the server
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "mongostore", "Close", "disconnect")
	}
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
