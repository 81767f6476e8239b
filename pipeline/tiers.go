package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Tier names one of the three places an entity can live
type Tier int

// Tiers, ordered from nearest to farthest
const (
	TierLocal Tier = iota
	TierGlobalCache
	TierGlobalStorage
)

// String returns the tier name used in logs and metrics
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierGlobalCache:
		return "global_cache"
	case TierGlobalStorage:
		return "global_storage"
	default:
		return "unknown"
	}
}

// DataProvider is the capability shared by the global cache and global
// storage. Payloads are JSON documents. Load returns nil without error when
// the object is absent. Callers hold the PipelineLock for (t, id).
type DataProvider interface {
	Exists(ctx context.Context, t *DataType, id uuid.UUID) (bool, error)
	Load(ctx context.Context, t *DataType, id uuid.UUID) ([]byte, error)
	Save(ctx context.Context, t *DataType, id uuid.UUID, payload []byte) error
	Remove(ctx context.Context, t *DataType, id uuid.UUID) (bool, error)
	SavedIDs(ctx context.Context, t *DataType) ([]uuid.UUID, error)
	Close(ctx context.Context) error
}

// GlobalStorage is the durable tier
type GlobalStorage interface {
	DataProvider
}

// GlobalCache is the shared key/value tier. It also hands out the
// distributed locks for the objects it stores.
type GlobalCache interface {
	DataProvider
	LockingService
}

// Locker is one side of a read/write lock on a single object
type Locker interface {
	Lock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LockingService produces distributed lock handles keyed by (storage id, id)
type LockingService interface {
	ReadLock(t *DataType, id uuid.UUID) Locker
	WriteLock(t *DataType, id uuid.UUID) Locker
	Close(ctx context.Context) error
}

// Transport is the pub/sub channel the synchronizers talk over. Publish
// returns the number of receivers that acknowledged the message, or 0 when
// the transport does not report acknowledgements.
type Transport interface {
	Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	Close(ctx context.Context) error
}

// Subscription is an active Transport subscription
type Subscription interface {
	Unsubscribe() error
}

// DummyLockingService grants every lock immediately. It is used on
// single-node deployments without a global cache.
type DummyLockingService struct{}

// ReadLock returns a no-op lock
func (DummyLockingService) ReadLock(*DataType, uuid.UUID) Locker { return dummyLock{} }

// WriteLock returns a no-op lock
func (DummyLockingService) WriteLock(*DataType, uuid.UUID) Locker { return dummyLock{} }

// Close does nothing
func (DummyLockingService) Close(context.Context) error { return nil }

type dummyLock struct{}

func (dummyLock) Lock(context.Context) error { return nil }
func (dummyLock) TryLock(context.Context) (bool, error) { return true, nil }
func (dummyLock) Unlock(context.Context) error { return nil }

// Key layout of the global cache
const (
	KeyPrefix     = "VPipeline"
	lockNamespace = "lock"
)

// CacheKey returns VPipeline:[<classifier>:]<id>:<storageId>
func CacheKey(t *DataType, id uuid.UUID) string {
	return typePrefix(t) + id.String() + ":" + t.StorageID()
}

// LockKey returns the key of the distributed lock guarding (t, id). Lock
// keys live in the reserved lock namespace and never match CacheKey.
func LockKey(t *DataType, id uuid.UUID) string {
	return KeyPrefix + ":" + lockNamespace + ":" + strings.TrimPrefix(CacheKey(t, id), KeyPrefix+":")
}

// ParseCacheKey extracts the id from a key produced by CacheKey for t. Keys
// of other types and lock keys are rejected.
func ParseCacheKey(t *DataType, key string) (uuid.UUID, bool) {
	if strings.HasPrefix(key, KeyPrefix+":"+lockNamespace+":") {
		return uuid.Nil, false
	}
	prefix, suffix := typePrefix(t), ":"+t.StorageID()
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return uuid.Nil, false
	}
	middle := key[len(prefix):]
	if len(middle) < len(suffix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(middle[:len(middle)-len(suffix)])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func typePrefix(t *DataType) string {
	if t.Classifier() != "" {
		return KeyPrefix + ":" + t.Classifier() + ":"
	}
	return KeyPrefix + ":"
}
