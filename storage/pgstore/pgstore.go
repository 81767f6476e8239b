// Package pgstore is a global storage on PostgreSQL through a pgx pool.
// Tables have the same shape as sqlstore's and are created on first use.
package pgstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Config locates the database
type Config struct {
	URL         string `json:"url" yaml:"url"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
	MaxConns    int32  `json:"max_conns" yaml:"max_conns"`
}

// Store implements pipeline.GlobalStorage
type Store struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// Open creates the pool and pings the server
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "pgstore", "Open", "url is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "pgstore", "Open", "parse url")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.WrapTransient(err, "pgstore", "Open", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "pgstore", "Open", "ping")
	}
	return &Store{
		pool:   pool,
		prefix: cfg.TablePrefix,
		logger: logger.With("component", "pgstore"),
		tables: make(map[string]bool),
	}, nil
}

// TableName returns the unquoted table of t: [<prefix>][<classifier>_]<storageId>
// lowercased
func TableName(prefix string, t *pipeline.DataType) string {
	name := prefix + t.StorageID()
	if t.Classifier() != "" {
		name = prefix + t.Classifier() + "_" + t.StorageID()
	}
	return strings.ToLower(name)
}

func (s *Store) table(ctx context.Context, t *pipeline.DataType) (string, error) {
	name := pgx.Identifier{TableName(s.prefix, t)}.Sanitize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return name, nil
	}
	_, err := s.pool.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+name+
		" (object_uuid VARCHAR(36) PRIMARY KEY, data TEXT NOT NULL)")
	if err != nil {
		return "", errors.WrapTransient(err, "pgstore", "table", "create "+name)
	}
	s.tables[name] = true
	return name, nil
}

// Exists reports whether the store holds (t, id)
func (s *Store) Exists(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE object_uuid = $1)", id.String()).Scan(&exists)
	if err != nil {
		return false, errors.WrapTransient(err, "pgstore", "Exists", "query row")
	}
	return exists, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(ctx context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	var data string
	err = s.pool.QueryRow(ctx, "SELECT data FROM "+table+" WHERE object_uuid = $1", id.String()).Scan(&data)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "pgstore", "Load", "query row")
	}
	return []byte(data), nil
}

// Save upserts payload under (t, id)
func (s *Store) Save(ctx context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	table, err := s.table(ctx, t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, "INSERT INTO "+table+" (object_uuid, data) VALUES ($1, $2)"+
		" ON CONFLICT (object_uuid) DO UPDATE SET data = EXCLUDED.data", id.String(), string(payload))
	if err != nil {
		return errors.WrapTransient(err, "pgstore", "Save", "upsert row")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE object_uuid = $1", id.String())
	if err != nil {
		return false, errors.WrapTransient(err, "pgstore", "Remove", "delete row")
	}
	return tag.RowsAffected() > 0, nil
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(ctx context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT object_uuid FROM "+table)
	if err != nil {
		return nil, errors.WrapTransient(err, "pgstore", "SavedIDs", "query ids")
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.WrapTransient(err, "pgstore", "SavedIDs", "collect ids")
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			s.logger.Debug("Skipping foreign row", "table", table, "id", r)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close closes the pool
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
