package pipeline

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/pkg/cache"
)

// LocalCache holds the live entities of this node, one bucket per type.
// Per-object serialization is the caller's PipelineLock.
type LocalCache struct {
	p        *Pipeline
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	buckets map[*DataType]cache.Cache[Data]
	closed  atomic.Bool
}

func newLocalCache(p *Pipeline, registry *metric.MetricsRegistry, logger *slog.Logger) *LocalCache {
	lc := &LocalCache{
		p:        p,
		registry: registry,
		logger:   logger,
		buckets:  make(map[*DataType]cache.Cache[Data]),
	}
	if registry != nil {
		lc.metrics = registry.CoreMetrics()
	}
	return lc
}

func (c *LocalCache) bucket(t *DataType) cache.Cache[Data] {
	c.mu.RLock()
	b, ok := c.buckets[t]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[t]; ok {
		return b
	}
	b, err := cache.NewSimple[Data](cache.WithMetrics[Data](c.registry, "local_"+t.StorageID()))
	if err != nil {
		// metrics already registered by another pipeline sharing the registry
		c.logger.Debug("Local cache bucket without metrics", "type", t.StorageID(), "error", err)
		b, _ = cache.NewSimple[Data]()
	}
	c.buckets[t] = b
	return b
}

// Exists reports whether (t, id) is live on this node
func (c *LocalCache) Exists(t *DataType, id uuid.UUID) bool {
	_, ok := c.bucket(t).Get(id.String())
	return ok
}

// Load returns the live instance of (t, id) or nil
func (c *LocalCache) Load(t *DataType, id uuid.UUID) Data {
	d, ok := c.bucket(t).Get(id.String())
	if !ok {
		return nil
	}
	touch(d)
	return d
}

// Save inserts d, replacing any instance with the same id
func (c *LocalCache) Save(t *DataType, d Data) error {
	if c.closed.Load() {
		return errors.WrapTransient(errors.ErrShuttingDown, "LocalCache", "Save", "insert object")
	}
	if err := checkInstance(t, d); err != nil {
		return err
	}
	if a, ok := d.(attachable); ok && c.p != nil {
		a.attach(c.p.synchronizer(t))
	}
	touch(d)
	b := c.bucket(t)
	if _, err := b.Set(d.ObjectID().String(), d); err != nil {
		return errors.Wrap(err, "LocalCache", "Save", "insert object")
	}
	c.metrics.RecordLocalObjects(t.StorageID(), b.Size())
	return nil
}

// insertIfAbsent inserts d unless an instance with the same id is live,
// in which case that instance is returned instead.
func (c *LocalCache) insertIfAbsent(t *DataType, d Data) (Data, bool, error) {
	if c.closed.Load() {
		return nil, false, errors.WrapTransient(errors.ErrShuttingDown, "LocalCache", "insertIfAbsent", "insert object")
	}
	if a, ok := d.(attachable); ok && c.p != nil {
		a.attach(c.p.synchronizer(t))
	}
	touch(d)
	b := c.bucket(t)
	current, inserted, err := b.SetIfAbsent(d.ObjectID().String(), d)
	if err != nil {
		return nil, false, errors.Wrap(err, "LocalCache", "insertIfAbsent", "insert object")
	}
	if inserted {
		c.metrics.RecordLocalObjects(t.StorageID(), b.Size())
	}
	return current, inserted, nil
}

// Remove drops (t, id) and reports whether it was present
func (c *LocalCache) Remove(t *DataType, id uuid.UUID) bool {
	b := c.bucket(t)
	removed, _ := b.Delete(id.String())
	c.metrics.RecordLocalObjects(t.StorageID(), b.Size())
	return removed
}

// SavedIDs lists the ids of t that are live, sorted
func (c *LocalCache) SavedIDs(t *DataType) []uuid.UUID {
	keys := c.bucket(t).Keys()
	ids := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		if id, err := uuid.Parse(k); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Instantiate builds a blank (t, id) through the registered factory. The
// instance is not inserted.
func (c *LocalCache) Instantiate(t *DataType, id uuid.UUID) (Data, error) {
	d, err := safeFactory(t, c.p, id)
	if err != nil {
		return nil, err
	}
	if err := checkInstance(t, d); err != nil {
		return nil, err
	}
	if d.ObjectID() != id {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: factory for %s returned id %s, want %s", errors.ErrInstantiation, t, d.ObjectID(), id),
			"LocalCache", "Instantiate", "check id")
	}
	touch(d)
	return d, nil
}

// Shutdown drops every bucket
func (c *LocalCache) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for t, b := range c.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "LocalCache", "Shutdown", "close bucket "+t.StorageID()))
		}
	}
	c.buckets = make(map[*DataType]cache.Cache[Data])
	return errors.Join(errs...)
}

func safeFactory(t *DataType, p *Pipeline, id uuid.UUID) (d Data, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("%w: factory for %s panicked: %v", errors.ErrInstantiation, t, r),
				"LocalCache", "Instantiate", "call factory")
		}
	}()
	return t.factory(p, id), nil
}

func checkInstance(t *DataType, d Data) error {
	if d == nil {
		return errors.WrapFatal(fmt.Errorf("%w: nil instance of %s", errors.ErrInstantiation, t),
			"LocalCache", "checkInstance", "check instance")
	}
	v := reflect.ValueOf(d)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return errors.WrapFatal(fmt.Errorf("%w: nil instance of %s", errors.ErrInstantiation, t),
			"LocalCache", "checkInstance", "check instance")
	}
	if v.Type() != t.goType {
		return errors.WrapFatal(fmt.Errorf("%w: got %s, want %s", errors.ErrInstantiation, v.Type(), t.goType),
			"LocalCache", "checkInstance", "check type")
	}
	return nil
}
