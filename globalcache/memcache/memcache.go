// Package memcache is an in-process global cache. Pipelines in the same
// process that share one Cache behave like nodes sharing a remote cache,
// which makes it the tier of choice for single-process fleets and tests.
package memcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/pkg/cache"
)

// Cache stores payloads in a persistent bucket, or in one expiring bucket
// per TTL for types with CleanOnNoUse.
type Cache struct {
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	persistent cache.Cache[[]byte]
	expiring   map[time.Duration]cache.TTLCache[[]byte]
	locks      *lockTable
	closed     bool
	failure    error
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports bucket statistics to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Cache) { c.metrics = registry }
}

// New creates an empty cache
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		logger:   slog.Default(),
		expiring: make(map[time.Duration]cache.TTLCache[[]byte]),
		locks:    newLockTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "memcache")
	c.ctx, c.cancel = context.WithCancel(context.Background())

	persistent, err := cache.NewSimple(cache.WithMetrics[[]byte](c.metrics, "global_cache"))
	if err != nil {
		c.cancel()
		return nil, errors.Wrap(err, "memcache", "New", "create bucket")
	}
	c.persistent = persistent
	return c, nil
}

func (c *Cache) bucket(t *pipeline.DataType) (cache.Cache[[]byte], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "memcache", "bucket", "resolve bucket")
	}
	if c.failure != nil {
		return nil, errors.WrapTransient(c.failure, "memcache", "bucket", "resolve "+t.StorageID())
	}
	meta := t.Metadata()
	if !meta.CleanOnNoUse {
		return c.persistent, nil
	}

	ttl := meta.TTL()
	if b, ok := c.expiring[ttl]; ok {
		return b, nil
	}
	prefix := ""
	if c.metrics != nil {
		prefix = fmt.Sprintf("global_cache_ttl_%d", int64(ttl.Seconds()))
	}
	b, err := cache.NewTTL(c.ctx, ttl, ttl/2, cache.WithMetrics[[]byte](c.metrics, prefix))
	if err != nil {
		return nil, errors.Wrap(err, "memcache", "bucket", "create ttl bucket")
	}
	c.expiring[ttl] = b
	return b, nil
}

// InjectFailure makes every data call fail with err until it is called
// with nil. Locks keep working.
func (c *Cache) InjectFailure(err error) {
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
}

// Exists reports whether the cache holds (t, id)
func (c *Cache) Exists(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	b, err := c.bucket(t)
	if err != nil {
		return false, err
	}
	_, ok := b.Get(pipeline.CacheKey(t, id))
	return ok, nil
}

// Load returns the payload of (t, id) or nil. Reading an expiring entry
// restarts its TTL. An entry that is not valid JSON is dropped.
func (c *Cache) Load(_ context.Context, t *pipeline.DataType, id uuid.UUID) ([]byte, error) {
	b, err := c.bucket(t)
	if err != nil {
		return nil, err
	}
	key := pipeline.CacheKey(t, id)
	payload, ok := b.Get(key)
	if !ok {
		return nil, nil
	}
	if !json.Valid(payload) {
		c.logger.Warn("Dropping corrupt entry", "key", key, "error", errors.ErrCorruptPayload)
		_, _ = b.Delete(key)
		return nil, nil
	}
	if ttl, ok := b.(cache.TTLCache[[]byte]); ok {
		ttl.Touch(key)
	}
	return append([]byte(nil), payload...), nil
}

// Save stores payload under (t, id)
func (c *Cache) Save(_ context.Context, t *pipeline.DataType, id uuid.UUID, payload []byte) error {
	b, err := c.bucket(t)
	if err != nil {
		return err
	}
	if _, err := b.Set(pipeline.CacheKey(t, id), append([]byte(nil), payload...)); err != nil {
		return errors.Wrap(err, "memcache", "Save", "store entry")
	}
	return nil
}

// Remove deletes (t, id) and reports whether it was present
func (c *Cache) Remove(_ context.Context, t *pipeline.DataType, id uuid.UUID) (bool, error) {
	b, err := c.bucket(t)
	if err != nil {
		return false, err
	}
	return b.Delete(pipeline.CacheKey(t, id))
}

// SavedIDs lists the ids of t held by the cache
func (c *Cache) SavedIDs(_ context.Context, t *pipeline.DataType) ([]uuid.UUID, error) {
	b, err := c.bucket(t)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, key := range b.Keys() {
		if id, ok := pipeline.ParseCacheKey(t, key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReadLock returns the shared side of the lock on (t, id)
func (c *Cache) ReadLock(t *pipeline.DataType, id uuid.UUID) pipeline.Locker {
	return &lock{table: c.locks, key: pipeline.LockKey(t, id), weight: 1}
}

// WriteLock returns the exclusive side of the lock on (t, id)
func (c *Cache) WriteLock(t *pipeline.DataType, id uuid.UUID) pipeline.Locker {
	return &lock{table: c.locks, key: pipeline.LockKey(t, id), weight: maxReaders}
}

// Close is a no-op: like a remote cache, the entries outlive the pipelines
// using them. Use Stop to release the cache.
func (c *Cache) Close(context.Context) error {
	return nil
}

// Stop drops every entry and ends the expiry sweepers
func (c *Cache) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	errs := []error{c.persistent.Close()}
	for _, b := range c.expiring {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

var _ pipeline.GlobalCache = (*Cache)(nil)
