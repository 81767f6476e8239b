// Package natskv is a global cache on NATS JetStream key/value buckets.
// Entries live in one bucket, or in a bucket per TTL for types with
// CleanOnNoUse; distributed locks are JSON leases in a third bucket.
//
// NATS keys cannot contain ':', so the pipeline's key layout is stored with
// '.' as the separator. Storage ids and classifiers must therefore not
// contain '.' either.
package natskv

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Config describes the buckets
type Config struct {
	Bucket       string        `json:"bucket" yaml:"bucket"`
	LockBucket   string        `json:"lock_bucket" yaml:"lock_bucket"`
	Replicas     int           `json:"replicas" yaml:"replicas"`
	LeaseTTL     time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultConfig returns the bucket layout used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Bucket:       "VPIPELINE",
		LockBucket:   "VPIPELINE_LOCKS",
		Replicas:     1,
		LeaseTTL:     2 * time.Minute,
		PollInterval: 5 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.LockBucket == "" {
		c.LockBucket = d.LockBucket
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Cache implements pipeline.GlobalCache. It does not own the client.
type Cache struct {
	client *natsclient.Client
	config Config
	logger *slog.Logger
	holder string

	data  *natsclient.KVStore
	locks *natsclient.KVStore

	mu       sync.Mutex
	expiring map[time.Duration]*natsclient.KVStore
	closed   bool
}

// New opens, creating if needed, the data and lock buckets
func New(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Cache, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natskv", "New", "client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Cache{
		client:   client,
		config:   cfg,
		logger:   logger.With("component", "natskv"),
		holder:   uuid.NewString(),
		expiring: make(map[time.Duration]*natsclient.KVStore),
	}

	data, err := c.open(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "VPipeline global cache",
		History:     1,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, err
	}
	c.data = data

	locks, err := c.open(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.LockBucket,
		Description: "VPipeline lock leases",
		History:     1,
		TTL:         cfg.LeaseTTL,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, err
	}
	c.locks = locks
	return c, nil
}

func (c *Cache) open(ctx context.Context, cfg jetstream.KeyValueConfig) (*natsclient.KVStore, error) {
	bucket, err := c.client.CreateKeyValueBucket(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "open", "open bucket "+cfg.Bucket)
	}
	return c.client.NewKVStore(bucket), nil
}

// bucket returns the store holding entries of t
func (c *Cache) bucket(ctx context.Context, t *pipeline.DataType) (*natsclient.KVStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "natskv", "bucket", "resolve bucket")
	}
	meta := t.Metadata()
	if !meta.CleanOnNoUse {
		return c.data, nil
	}
	ttl := meta.TTL()
	if kv, ok := c.expiring[ttl]; ok {
		return kv, nil
	}
	kv, err := c.open(ctx, jetstream.KeyValueConfig{
		Bucket:      fmt.Sprintf("%s_TTL_%d", c.config.Bucket, int64(ttl.Seconds())),
		Description: "VPipeline expiring entries",
		History:     1,
		TTL:         ttl,
		Replicas:    c.config.Replicas,
	})
	if err != nil {
		return nil, err
	}
	c.expiring[ttl] = kv
	return kv, nil
}

// encodeKey maps a pipeline key onto the NATS key alphabet
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

func checkType(t *pipeline.DataType, method string) error {
	if strings.Contains(t.StorageID(), ".") || strings.Contains(t.Classifier(), ".") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s contains '.'", errors.ErrInvalidConfig, t),
			"natskv", method, "check key")
	}
	return nil
}

func (c *Cache) resolve(ctx context.Context, t *pipeline.DataType, method string) (*natsclient.KVStore, error) {
	if err := checkType(t, method); err != nil {
		return nil, err
	}
	return c.bucket(ctx, t)
}

// Exists reports whether the cache holds (t, id)
func (c *Cache) Exists(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	kv, err := c.resolve(ctx, t, "Exists")
	if err != nil {
		return false, err
	}
	_, err = kv.Get(ctx, encodeKey(pipeline.CacheKey(t, id)))
	switch {
	case err == nil:
		return true, nil
	case natsclient.IsKVNotFoundError(err):
		return false, nil
	default:
		return false, errors.WrapTransient(err, "natskv", "Exists", "get entry")
	}
}

// Load returns the payload of (t, id) or nil. Reading an expiring entry
// rewrites it to restart its TTL. An entry that is not valid JSON is
// deleted.
func (c *Cache) Load(ctx context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	kv, err := c.resolve(ctx, t, "Load")
	if err != nil {
		return nil, err
	}
	key := encodeKey(pipeline.CacheKey(t, id))
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "natskv", "Load", "get entry")
	}
	if !json.Valid(entry.Value) {
		c.logger.Warn("Dropping corrupt entry", "key", key, "error", errors.ErrCorruptPayload)
		if err := kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapTransient(err, "natskv", "Load", "delete corrupt entry")
		}
		return nil, nil
	}
	if t.Metadata().CleanOnNoUse {
		// a concurrent write already restarted the TTL
		if _, err := kv.Update(ctx, key, entry.Value, entry.Revision); err != nil && !natsclient.IsKVConflictError(err) {
			c.logger.Debug("Refreshing entry TTL failed", "key", key, "error", err)
		}
	}
	return entry.Value, nil
}

// Save stores payload under (t, id)
func (c *Cache) Save(ctx context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	kv, err := c.resolve(ctx, t, "Save")
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, encodeKey(pipeline.CacheKey(t, id)), payload); err != nil {
		if stderrors.Is(err, natsclient.ErrKVValueTooLarge) {
			return errors.WrapInvalid(err, "natskv", "Save", "put entry")
		}
		return errors.WrapTransient(err, "natskv", "Save", "put entry")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (c *Cache) Remove(ctx context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	exists, err := c.Exists(ctx, t, id)
	if err != nil || !exists {
		return false, err
	}
	kv, err := c.resolve(ctx, t, "Remove")
	if err != nil {
		return false, err
	}
	if err := kv.Delete(ctx, encodeKey(pipeline.CacheKey(t, id))); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "natskv", "Remove", "delete entry")
	}
	return true, nil
}

// SavedIDs lists the ids of t held by the cache
func (c *Cache) SavedIDs(ctx context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	kv, err := c.resolve(ctx, t, "SavedIDs")
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "SavedIDs", "list keys")
	}
	var ids []uuid.UUID
	for _, key := range keys {
		if id, ok := pipeline.ParseCacheKey(t, decodeKey(key)); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReadLock returns the shared side of the lease on (t, id)
func (c *Cache) ReadLock(t *pipeline.DataType, id uuid.UUID) pipeline.Locker {
	return c.newLease(t, id, false)
}

// WriteLock returns the exclusive side of the lease on (t, id)
func (c *Cache) WriteLock(t *pipeline.DataType, id uuid.UUID) pipeline.Locker {
	return c.newLease(t, id, true)
}

// Close stops using the buckets. The connection belongs to the caller.
func (c *Cache) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

var _ pipeline.GlobalCache = (*Cache)(nil)
