package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/pkg/worker"
)

type task func(context.Context)

type inlineKey struct{}

// Pipeline moves entities between the local cache, the global cache and
// global storage, keeping other nodes informed through the synchronizers.
type Pipeline struct {
	registry *Registry
	local    *LocalCache
	tierSync *PipelineSynchronizer
	codec    *Codec
	locks    *localLocks

	globalCache   GlobalCache
	globalStorage GlobalStorage
	transport     Transport
	lockService   LockingService

	session         uuid.UUID
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	metrics         *metric.Metrics

	workers     int
	queueSize   int
	timeout     time.Duration
	lockTimeout time.Duration
	dedupWindow time.Duration

	pool   *worker.Pool[task]
	ctx    context.Context
	cancel context.CancelFunc

	syncMu        sync.RWMutex
	synchronizers map[*DataType]*Synchronizer

	interestMu sync.RWMutex
	interests  map[*DataType][]func(Data)

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts a pipeline. Adapters passed as options are shared:
// the pipeline closes them on Shutdown but never owns their construction.
func New(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		registry:      NewRegistry(),
		locks:         newLocalLocks(),
		session:       uuid.New(),
		logger:        slog.Default(),
		workers:       DefaultWorkers(),
		queueSize:     DefaultQueueSize,
		timeout:       DefaultOperationTimeout,
		lockTimeout:   DefaultLockTimeout,
		dedupWindow:   DefaultDedupWindow,
		synchronizers: make(map[*DataType]*Synchronizer),
		interests:     make(map[*DataType][]func(Data)),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	p.logger = p.logger.With("component", "pipeline", "session", p.session.String())
	if p.metricsRegistry != nil {
		p.metrics = p.metricsRegistry.CoreMetrics()
	}
	switch {
	case p.globalCache != nil:
		p.lockService = p.globalCache
	case p.lockService == nil:
		p.lockService = DummyLockingService{}
	}

	p.codec = NewCodec(p)
	p.local = newLocalCache(p, p.metricsRegistry, p.logger)
	p.tierSync = &PipelineSynchronizer{p: p}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	poolOpts := []worker.Option[task]{worker.WithLogger[task](p.logger)}
	if p.metricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[task](p.metricsRegistry, "pipeline_executor"))
	}
	p.pool = worker.NewPool(p.workers, p.queueSize, func(_ context.Context, t task) error {
		t(p.ctx)
		return nil
	}, poolOpts...)
	if err := p.pool.Start(p.ctx); err != nil {
		p.cancel()
		return nil, errors.WrapFatal(err, "Pipeline", "New", "start executor")
	}

	p.ready.Store(true)
	p.logger.Info("Pipeline started", "workers", p.workers,
		"global_cache", p.globalCache != nil, "global_storage", p.globalStorage != nil, "transport", p.transport != nil)
	return p, nil
}

// SessionID identifies this node on the synchronization bus
func (p *Pipeline) SessionID() uuid.UUID { return p.session }

// Registry returns the type registry
func (p *Pipeline) Registry() *Registry { return p.registry }

// LocalCache returns the node's local cache
func (p *Pipeline) LocalCache() *LocalCache { return p.local }

// GlobalCache returns the shared cache tier, or nil
func (p *Pipeline) GlobalCache() GlobalCache { return p.globalCache }

// GlobalStorage returns the durable tier, or nil
func (p *Pipeline) GlobalStorage() GlobalStorage { return p.globalStorage }

// PipelineSynchronizer returns the tier copier
func (p *Pipeline) PipelineSynchronizer() *PipelineSynchronizer { return p.tierSync }

// Codec returns the entity codec
func (p *Pipeline) Codec() *Codec { return p.codec }

// IsReady reports whether the pipeline accepts operations
func (p *Pipeline) IsReady() bool { return p.ready.Load() }

// Register adds a type and subscribes its synchronizer
func (p *Pipeline) Register(goType reflect.Type, meta TypeMetadata, factory Factory) (*DataType, error) {
	t, err := p.registry.Register(goType, meta, factory)
	if err != nil {
		return nil, err
	}

	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if _, ok := p.synchronizers[t]; ok {
		return t, nil
	}
	s, err := newSynchronizer(p.ctx, p, t)
	if err != nil {
		return nil, err
	}
	p.synchronizers[t] = s
	p.logger.Debug("Registered type", "type", t.StorageID(), "go_type", t.goType.String(),
		"context", t.meta.Context.String(), "preload", t.meta.Preload.String())
	return t, nil
}

// Register adds T to p. factory builds blank instances for an id.
func Register[T Data](p *Pipeline, meta TypeMetadata, factory func(p *Pipeline, id uuid.UUID) T) (*DataType, error) {
	if factory == nil {
		return p.Register(reflect.TypeFor[T](), meta, nil)
	}
	return p.Register(reflect.TypeFor[T](), meta, func(p *Pipeline, id uuid.UUID) Data {
		return factory(p, id)
	})
}

// TypeFor returns the descriptor registered for T
func TypeFor[T Data](p *Pipeline) (*DataType, error) {
	t, ok := p.registry.TypeOf(reflect.TypeFor[T]())
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnregisteredType, reflect.TypeFor[T]()), "Pipeline", "TypeFor", "resolve type")
	}
	return t, nil
}

// synchronizer returns the synchronizer of t
func (p *Pipeline) synchronizer(t *DataType) *Synchronizer {
	p.syncMu.RLock()
	s := p.synchronizers[t]
	p.syncMu.RUnlock()
	return s
}

// Synchronizer returns the synchronizer of t, or nil when t is unknown
func (p *Pipeline) Synchronizer(t *DataType) *Synchronizer {
	return p.synchronizer(t)
}

// TrackCreations materializes objects of t announced by other nodes and
// passes each to fn, which may be nil.
func (p *Pipeline) TrackCreations(t *DataType, fn func(Data)) {
	p.interestMu.Lock()
	defer p.interestMu.Unlock()
	if fn == nil {
		fn = func(Data) {}
	}
	p.interests[t] = append(p.interests[t], fn)
}

func (p *Pipeline) hasCreationInterest(t *DataType) bool {
	p.interestMu.RLock()
	defer p.interestMu.RUnlock()
	return len(p.interests[t]) > 0
}

func (p *Pipeline) notifyCreation(t *DataType, d Data) {
	p.interestMu.RLock()
	fns := append([]func(Data){}, p.interests[t]...)
	p.interestMu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
}

// CreateLock returns a PipelineLock for (t, id), acquiring the distributed
// lock handles now
func (p *Pipeline) CreateLock(t *DataType, id uuid.UUID) *PipelineLock[Data] {
	return &PipelineLock[Data]{
		p:     p,
		t:     t,
		id:    id,
		read:  p.lockService.ReadLock(t, id),
		write: p.lockService.WriteLock(t, id),
	}
}

// submit runs fn on the executor and resolves the returned future with its
// result. ErrNotFound results cancel the future. Calls made from inside a
// pipeline operation, such as LoadDependentData, run inline so nested loads
// cannot exhaust the executor.
func submit[T any](p *Pipeline, ctx context.Context, t *DataType, op string,
	fn func(ctx context.Context) (T, error)) *Future[T] {

	if !p.registry.contains(t) {
		return failedFuture[T](errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnregisteredType, t), "Pipeline", op, "check type"))
	}
	if !p.pool.Running() {
		return failedFuture[T](errors.Wrap(errors.ErrServiceStopped, "Pipeline", op, "submit"))
	}
	f := newFuture[T](p.timeout)
	if !p.ready.Load() {
		f.cancel(errors.ErrNotReady)
		return f
	}

	run := func(ctx context.Context) {
		start := time.Now()
		status := "success"
		defer func() {
			if r := recover(); r != nil {
				status = "error"
				f.fail(errors.WrapFatal(fmt.Errorf("%w: %v", worker.ErrTaskPanic, r), "Pipeline", op, "run"))
				p.logger.Error("Pipeline operation panicked", "operation", op, "type", t.StorageID(), "panic", r)
			}
			p.metrics.RecordOperation(t.StorageID(), op, status, time.Since(start))
		}()

		v, err := fn(ctx)
		switch {
		case err == nil:
			f.complete(v)
		case errors.Is(err, errors.ErrNotFound):
			status = "not_found"
			f.cancel(err)
		default:
			status = "error"
			p.logger.Warn("Pipeline operation failed", "operation", op, "type", t.StorageID(), "error", err)
			// partial results, such as a delete that reached some tiers, stay readable
			f.resolve(v, err)
		}
	}

	if ctx.Value(inlineKey{}) != nil {
		run(ctx)
		return f
	}

	workCtx := context.WithValue(context.WithoutCancel(ctx), inlineKey{}, true)
	// never blocks the caller; a full queue fails the future instead
	if err := p.pool.Submit(func(context.Context) { run(workCtx) }); err != nil {
		if errors.Is(err, worker.ErrPoolStopped) || errors.Is(err, worker.ErrPoolNotStarted) {
			f.fail(errors.Wrap(errors.ErrServiceStopped, "Pipeline", op, "submit"))
		} else {
			p.logger.Warn("Pipeline executor queue full", "operation", op, "type", t.StorageID())
			f.fail(errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrResourceExhausted, err), "Pipeline", op, "submit"))
		}
	}
	return f
}

func notFound(t *DataType, id uuid.UUID) error {
	return fmt.Errorf("%w: %s %s", errors.ErrNotFound, t.StorageID(), id)
}

// Load resolves to a lock over (t, id) once the object is in the local
// cache. With a callback the object is loaded under the write lock, passed
// to callback and written back to every tier. The future is cancelled with
// ErrNotFound when no tier holds the object.
func (p *Pipeline) Load(ctx context.Context, t *DataType, id uuid.UUID, callback func(Data)) *Future[*PipelineLock[Data]] {
	return submit(p, ctx, t, "load", func(ctx context.Context) (*PipelineLock[Data], error) {
		lock := p.CreateLock(t, id)
		mode := modeRead
		if callback != nil {
			mode = modeWrite
		}
		err := lock.run(ctx, mode, func(ctx context.Context) error {
			d, err := p.loadInternal(ctx, t, id, false)
			if err != nil {
				return err
			}
			if d == nil {
				return notFound(t, id)
			}
			if callback == nil {
				return nil
			}
			callback(d)
			return p.tierSync.DoSync(ctx, t, id, true, true)
		})
		if err != nil {
			return nil, err
		}
		return lock, nil
	})
}

// LoadOrCreate is Load, creating the object when no tier holds it
func (p *Pipeline) LoadOrCreate(ctx context.Context, t *DataType, id uuid.UUID, callback func(Data)) *Future[*PipelineLock[Data]] {
	return submit(p, ctx, t, "load_or_create", func(ctx context.Context) (*PipelineLock[Data], error) {
		lock := p.CreateLock(t, id)
		err := lock.RunOnWriteLock(ctx, func(ctx context.Context) error {
			d, err := p.loadInternal(ctx, t, id, true)
			if err != nil {
				return err
			}
			if callback == nil {
				return nil
			}
			callback(d)
			return p.tierSync.DoSync(ctx, t, id, true, true)
		})
		if err != nil {
			return nil, err
		}
		return lock, nil
	})
}

// LoadAllData pulls every object of t found in global storage and the
// global cache into the local cache and returns references to every object
// of t now held locally.
func (p *Pipeline) LoadAllData(ctx context.Context, t *DataType) *Future[[]Reference[Data]] {
	return submit(p, ctx, t, "load_all", func(ctx context.Context) ([]Reference[Data], error) {
		for _, tier := range []Tier{TierGlobalStorage, TierGlobalCache} {
			if err := p.pullAll(ctx, tier, t, nil); err != nil {
				return nil, err
			}
		}
		ids := p.local.SavedIDs(t)
		refs := make([]Reference[Data], 0, len(ids))
		for _, id := range ids {
			refs = append(refs, Reference[Data]{p: p, t: t, id: id})
		}
		return refs, nil
	})
}

// pullAll copies every id of t in tier that is not local yet. Pulled ids
// are added to loaded when it is not nil.
func (p *Pipeline) pullAll(ctx context.Context, tier Tier, t *DataType, loaded *sync.Map) error {
	provider, ok := p.tierSync.provider(tier, t)
	if !ok {
		return nil
	}
	ids, err := provider.SavedIDs(ctx, t)
	if err != nil {
		return errors.Tier(err, "Pipeline", "pullAll")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, id := range ids {
		if loaded != nil {
			if _, done := loaded.Load(id); done {
				continue
			}
		}
		g.Go(func() error {
			err := p.CreateLock(t, id).RunOnWriteLock(gctx, func(ctx context.Context) error {
				if p.local.Exists(t, id) {
					return nil
				}
				ok, err := p.tierSync.DoSynchronize(ctx, tier, TierLocal, t, id, nil)
				if ok && loaded != nil {
					loaded.Store(id, struct{}{})
				}
				return err
			})
			if err != nil {
				p.logger.Warn("Failed to pull object", "type", t.StorageID(), "id", id, "tier", tier.String(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Exist reports whether any tier holds (t, id)
func (p *Pipeline) Exist(ctx context.Context, t *DataType, id uuid.UUID) *Future[bool] {
	return submit(p, ctx, t, "exist", func(ctx context.Context) (bool, error) {
		var exists bool
		err := p.CreateLock(t, id).RunOnReadLock(ctx, func(ctx context.Context) error {
			var err error
			exists, err = p.checkExistence(ctx, t, id)
			return err
		})
		return exists, err
	})
}

func (p *Pipeline) checkExistence(ctx context.Context, t *DataType, id uuid.UUID) (bool, error) {
	if p.local.Exists(t, id) {
		return true, nil
	}
	var errs []error
	for _, tier := range []Tier{TierGlobalCache, TierGlobalStorage} {
		provider, ok := p.tierSync.provider(tier, t)
		if !ok {
			continue
		}
		exists, err := provider.Exists(ctx, t, id)
		if err != nil {
			errs = append(errs, errors.Tier(err, "Pipeline", "checkExistence"))
			continue
		}
		if exists {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// Delete removes (t, id) from every tier and from the other nodes. The
// result is true when every tier that held the object removed it, and
// false when no tier held it. Tier and bus failures are joined into the
// error, which resolves together with the result.
func (p *Pipeline) Delete(ctx context.Context, t *DataType, id uuid.UUID) *Future[bool] {
	return submit(p, ctx, t, "delete", func(ctx context.Context) (bool, error) {
		var deleted bool
		err := p.CreateLock(t, id).RunOnWriteLock(ctx, func(ctx context.Context) error {
			var err error
			deleted, err = p.deleteInternal(ctx, t, id)
			return err
		})
		return deleted, err
	})
}

func (p *Pipeline) deleteInternal(ctx context.Context, t *DataType, id uuid.UUID) (bool, error) {
	held, deleted := false, true
	if d := p.local.Load(t, id); d != nil {
		held = true
		fireDelete(d)
		deleted = p.local.Remove(t, id)
	}

	var errs []error
	if _, err := p.synchronizer(t).PushRemove(ctx, id); err != nil {
		errs = append(errs, err)
	}

	for _, tier := range []Tier{TierGlobalCache, TierGlobalStorage} {
		provider, ok := p.tierSync.provider(tier, t)
		if !ok {
			continue
		}
		exists, err := provider.Exists(ctx, t, id)
		if err != nil {
			errs = append(errs, errors.Tier(err, "Pipeline", "deleteInternal"))
			deleted = false
			continue
		}
		if !exists {
			continue
		}
		held = true
		removed, err := provider.Remove(ctx, t, id)
		if err != nil {
			errs = append(errs, errors.Tier(err, "Pipeline", "deleteInternal"))
		}
		deleted = deleted && removed && err == nil
	}

	if t.meta.DebugMode {
		p.logger.Debug("Deleted object", "type", t.StorageID(), "id", id, "held", held, "deleted", deleted)
	}
	if len(errs) > 0 {
		p.logger.Warn("Delete incomplete", "type", t.StorageID(), "id", id, "error", errors.Join(errs...))
	}
	return held && deleted, errors.Join(errs...)
}

// SaveAndRemoveFromLocalCache writes (t, id) to every tier, publishes an
// update and evicts it. It reports whether the object was evicted.
func (p *Pipeline) SaveAndRemoveFromLocalCache(ctx context.Context, t *DataType, id uuid.UUID) *Future[bool] {
	return submit(p, ctx, t, "save_and_remove", func(ctx context.Context) (bool, error) {
		var removed bool
		err := p.CreateLock(t, id).RunOnWriteLock(ctx, func(ctx context.Context) error {
			var err error
			removed, err = p.evict(ctx, t, id, true)
			return err
		})
		return removed, err
	})
}

// evict writes the object to the remote tiers, runs OnCleanUp and drops it
// from the local cache. The object stays local, without OnCleanUp, when a
// write fails.
func (p *Pipeline) evict(ctx context.Context, t *DataType, id uuid.UUID, pushToNetwork bool) (bool, error) {
	d := p.local.Load(t, id)
	if d == nil {
		return false, nil
	}
	if err := p.tierSync.DoSync(ctx, t, id, true, pushToNetwork); err != nil {
		return false, err
	}
	fireCleanUp(d)
	return p.local.Remove(t, id), nil
}

// SaveAll evicts every local object of every type to the remote tiers
func (p *Pipeline) SaveAll(ctx context.Context) error {
	var errs []error
	for _, t := range p.registry.AllTypes() {
		for _, id := range p.local.SavedIDs(t) {
			err := p.CreateLock(t, id).RunOnWriteLock(ctx, func(ctx context.Context) error {
				_, err := p.evict(ctx, t, id, false)
				return err
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// PreloadAll pulls every object of the LOAD_BEFORE types into the local
// cache, first from the global cache and then the remainder from storage.
func (p *Pipeline) PreloadAll(ctx context.Context) error {
	var errs []error
	for _, t := range p.registry.AllTypes() {
		if t.meta.Preload != PreloadLoadBefore {
			continue
		}
		var loaded sync.Map
		for _, tier := range []Tier{TierGlobalCache, TierGlobalStorage} {
			if err := p.pullAll(ctx, tier, t, &loaded); err != nil {
				errs = append(errs, err)
			}
		}
		p.logger.Info("Preloaded type", "type", t.StorageID(), "objects", len(p.local.SavedIDs(t)))
	}
	return errors.Join(errs...)
}

// loadInternal returns the local instance of (t, id), pulling it from the
// global cache or global storage. With create it builds a new object when
// no tier holds it. Callers hold the PipelineLock.
func (p *Pipeline) loadInternal(ctx context.Context, t *DataType, id uuid.UUID, create bool) (Data, error) {
	if d := p.local.Load(t, id); d != nil {
		return d, nil
	}

	var errs []error
	for _, tier := range []Tier{TierGlobalCache, TierGlobalStorage} {
		if !p.tierSync.Available(tier, t) {
			continue
		}
		ok, err := p.tierSync.DoSynchronize(ctx, tier, TierLocal, t, id, nil)
		if err != nil {
			p.logger.Warn("Tier read failed", "type", t.StorageID(), "id", id, "tier", tier.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			return p.local.Load(t, id), nil
		}
	}

	if len(errs) > 0 {
		// a failed tier may hold the object, so creating it could fork its state
		return nil, errors.Join(errs...)
	}
	if !create {
		return nil, nil
	}
	return p.createNewData(ctx, t, id)
}

// createNewData builds (t, id), fans it out to every allowed tier and
// announces it. On a failed fan-out the object is withdrawn everywhere.
func (p *Pipeline) createNewData(ctx context.Context, t *DataType, id uuid.UUID) (Data, error) {
	if t.meta.DebugMode {
		p.logger.Debug("Creating object", "type", t.StorageID(), "id", id)
	}
	d, err := p.local.Instantiate(t, id)
	if err != nil {
		return nil, err
	}
	if err := loadDependentData(ctx, d); err != nil {
		return nil, errors.Wrap(err, "Pipeline", "createNewData", "load dependent data")
	}
	fireCreate(d)
	if err := p.local.Save(t, d); err != nil {
		return nil, err
	}

	var written []Tier
	for _, tier := range []Tier{TierGlobalCache, TierGlobalStorage} {
		ok, err := p.tierSync.DoSynchronize(ctx, TierLocal, tier, t, id, nil)
		if err != nil {
			p.rollbackCreate(ctx, t, id, written)
			return nil, err
		}
		if ok {
			written = append(written, tier)
		}
	}

	if _, err := p.synchronizer(t).PushCreate(ctx, d); err != nil {
		p.logger.Warn("Failed to announce object", "type", t.StorageID(), "id", id, "error", err)
	}
	return d, nil
}

func (p *Pipeline) rollbackCreate(ctx context.Context, t *DataType, id uuid.UUID, written []Tier) {
	p.local.Remove(t, id)
	for _, tier := range written {
		provider, _ := p.tierSync.provider(tier, t)
		if _, err := provider.Remove(ctx, t, id); err != nil {
			p.logger.Error("Failed to roll back created object",
				"type", t.StorageID(), "id", id, "tier", tier.String(), "error", err)
		}
	}
}

// Shutdown stops accepting work, drains the executor, saves every local
// object and closes the synchronizers, storage, cache, transport and local
// cache in that order.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.ready.Store(false)
		p.logger.Info("Pipeline shutting down")

		var errs []error
		stopTimeout := p.timeout
		if deadline, ok := ctx.Deadline(); ok {
			stopTimeout = time.Until(deadline)
		}
		if err := p.pool.Stop(stopTimeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "stop executor"))
		}

		p.logger.Info("Saving all data")
		if err := p.SaveAll(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "save all"))
		}
		if err := p.tierSync.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if p.globalStorage != nil {
			if err := p.globalStorage.Close(ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "close global storage"))
			}
		}
		if p.globalCache != nil {
			if err := p.globalCache.Close(ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "close global cache"))
			}
		}
		if p.transport != nil {
			if err := p.transport.Close(ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "close transport"))
			}
		}
		if p.globalCache == nil {
			if err := p.lockService.Close(ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "Pipeline", "Shutdown", "close locking service"))
			}
		}
		if err := p.local.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		p.cancel()

		p.shutdownErr = errors.Join(errs...)
		p.logger.Info("Pipeline offline")
	})
	return p.shutdownErr
}
