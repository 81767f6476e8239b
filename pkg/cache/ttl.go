package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlCache evicts items a fixed duration after their last Set or Touch.
type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	items   map[string]*ttlEntry[V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTTLCache[V any](
	ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions[V],
) (*ttlCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]*ttlEntry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.cleanup(ctx, cleanupInterval)

	return c, nil
}

// live returns the unexpired entry for key, evicting it if it has expired.
// Callers hold c.mu. The evicted entry is returned for the callback.
func (c *ttlCache[V]) live(key string, now time.Time) (*ttlEntry[V], *ttlEntry[V]) {
	entry, exists := c.items[key]
	if !exists {
		return nil, nil
	}
	if entry.isExpired(now) {
		delete(c.items, key)
		return nil, entry
	}
	return entry, nil
}

func (c *ttlCache[V]) afterEviction(key string, evicted *ttlEntry[V], size int) {
	if evicted == nil {
		return
	}
	if c.evictFn != nil {
		c.evictFn(key, evicted.value)
	}
	c.stats.Eviction()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordEviction()
	c.metrics.updateSize(size)
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	entry, evicted := c.live(key, time.Now())
	size := len(c.items)
	c.mu.Unlock()

	c.afterEviction(key, evicted, size)

	if entry == nil {
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return entry.value, true
}

func (c *ttlCache[V]) Touch(key string) bool {
	now := time.Now()
	c.mu.Lock()
	entry, evicted := c.live(key, now)
	if entry != nil {
		entry.expiresAt = now.Add(c.ttl)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.afterEviction(key, evicted, size)
	return entry != nil
}

func (c *ttlCache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	now := time.Now()

	c.mu.Lock()
	current, _ := c.live(key, now)
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return current == nil, nil
}

func (c *ttlCache[V]) SetIfAbsent(key string, value V) (V, bool, error) {
	if err := validateKey(key); err != nil {
		var zero V
		return zero, false, err
	}
	now := time.Now()

	c.mu.Lock()
	current, evicted := c.live(key, now)
	if current != nil {
		c.mu.Unlock()
		return current.value, false, nil
	}
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.afterEviction(key, evicted, size)
	c.recordSet(size)
	return value, true, nil
}

func (c *ttlCache[V]) recordSet(size int) {
	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet()
	c.metrics.updateSize(size)
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	entry, evicted := c.live(key, time.Now())
	if entry != nil {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.afterEviction(key, evicted, size)
	if entry == nil {
		return false, nil
	}

	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordDelete()
	c.metrics.updateSize(size)
	return true, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for key, entry := range old {
			c.evictFn(key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
	return nil
}

// Size includes entries that expired but were not swept yet.
func (c *ttlCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.isExpired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweeper.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := time.Now()
	expired := make(map[string]V)

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.isExpired(now) {
			expired[key] = entry.value
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for key, value := range expired {
		if c.evictFn != nil {
			c.evictFn(key, value)
		}
		c.stats.Eviction()
		c.metrics.recordEviction()
	}
	c.stats.UpdateSize(int64(size))
	c.metrics.updateSize(size)
}
