// Package sqlstore is a global storage on MySQL. Each type has its own
// table, created on first use:
//
//	object_uuid VARCHAR(36) PRIMARY KEY, data LONGTEXT
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Config locates the database
type Config struct {
	DSN          string        `json:"dsn" yaml:"dsn"`
	TablePrefix  string        `json:"table_prefix" yaml:"table_prefix"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxLifetime  time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
}

// Store implements pipeline.GlobalStorage
type Store struct {
	db     *sql.DB
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// Open connects and pings the server
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil || cfg.DSN == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: dsn: %v", errors.ErrInvalidConfig, err), "sqlstore", "Open", "parse dsn")
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "sqlstore", "Open", "create connector")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "sqlstore", "Open", "ping")
	}
	return &Store{
		db:     db,
		prefix: cfg.TablePrefix,
		logger: logger.With("component", "sqlstore"),
		tables: make(map[string]bool),
	}, nil
}

// TableName returns the table of t: [<prefix>][<classifier>_]<storageId>
// with every character outside [A-Za-z0-9_] replaced by '_'
func TableName(prefix string, t *pipeline.DataType) string {
	name := prefix + t.StorageID()
	if t.Classifier() != "" {
		name = prefix + t.Classifier() + "_" + t.StorageID()
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// table returns the quoted table of t, creating it if needed
func (s *Store) table(ctx context.Context, t *pipeline.DataType) (string, error) {
	name := "`" + TableName(s.prefix, t) + "`"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[name] {
		return name, nil
	}
	_, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+name+
		" (object_uuid VARCHAR(36) NOT NULL PRIMARY KEY, data LONGTEXT NOT NULL)")
	if err != nil {
		return "", errors.WrapTransient(err, "sqlstore", "table", "create "+name)
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
	var one int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE object_uuid = ? LIMIT 1", id.String()).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "sqlstore", "Exists", "query row")
	}
	return true, nil
}

// Load returns the payload of (t, id) or nil
func (s *Store) Load(ctx context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	var data string
	err = s.db.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE object_uuid = ?", id.String()).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "Load", "query row")
	}
	return []byte(data), nil
}

// Save upserts payload under (t, id)
func (s *Store) Save(ctx context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	table, err := s.table(ctx, t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO "+table+" (object_uuid, data) VALUES (?, ?)"+
		" ON DUPLICATE KEY UPDATE data = VALUES(data)", id.String(), string(payload))
	if err != nil {
		return errors.WrapTransient(err, "sqlstore", "Save", "upsert row")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (s *Store) Remove(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE object_uuid = ?", id.String())
	if err != nil {
		return false, errors.WrapTransient(err, "sqlstore", "Remove", "delete row")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "sqlstore", "Remove", "count rows")
	}
	return n > 0, nil
}

// SavedIDs lists the ids of t
func (s *Store) SavedIDs(ctx context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	table, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT object_uuid FROM "+table)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "SavedIDs", "query ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.WrapTransient(err, "sqlstore", "SavedIDs", "scan id")
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			s.logger.Debug("Skipping foreign row", "table", table, "id", raw)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "SavedIDs", "iterate rows")
	}
	return ids, nil
}

// Close closes the connection pool
func (s *Store) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "sqlstore", "Close", "close pool")
	}
	return nil
}

var _ pipeline.GlobalStorage = (*Store)(nil)
