// Package cache provides generic, thread-safe in-memory caches.
//
// Two implementations are provided:
//   - NewSimple: no eviction, entries live until deleted
//   - NewTTL: entries expire a fixed duration after their last Set or Touch
//
// Every cache keeps Statistics; Prometheus export is enabled with WithMetrics.
package cache

import (
	"context"
	"time"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Cache represents a generic cache keyed by string.
type Cache[V any] interface {
	// Get retrieves a value by key.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// SetIfAbsent stores value only if key has no live entry. It returns the
	// entry now held under key and whether value was stored.
	SetIfAbsent(key string, value V) (V, bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all live keys.
	Keys() []string

	// Stats returns the cache statistics.
	Stats() *Statistics

	// Close releases background resources.
	Close() error
}

// TTLCache is a Cache whose entries expire.
type TTLCache[V any] interface {
	Cache[V]

	// Touch restarts the expiry of a live entry. Returns false if the key
	// is absent or already expired.
	Touch(key string) bool

	// TTL returns the lifetime granted by Set and Touch.
	TTL() time.Duration
}

// EvictCallback is called when an entry is removed from the cache.
type EvictCallback[V any] func(key string, value V)

// NewSimple creates a cache with no eviction policy.
func NewSimple[V any](options ...Option[V]) (Cache[V], error) {
	return newSimpleCache(applyOptions(options...))
}

// NewTTL creates a cache whose entries expire ttl after their last write or
// touch. Expired entries are swept every cleanupInterval until ctx ends or
// Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (TTLCache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	return newTTLCache(ctx, ttl, cleanupInterval, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
