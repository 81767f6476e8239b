package participant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/config"
	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/globalcache/memcache"
	"github.com/VCore-Minecraft/VPipeline/globalcache/natskv"
	"github.com/VCore-Minecraft/VPipeline/health"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/storage/badgerstore"
	"github.com/VCore-Minecraft/VPipeline/storage/jsonstore"
	"github.com/VCore-Minecraft/VPipeline/storage/memstore"
	"github.com/VCore-Minecraft/VPipeline/storage/mongostore"
	"github.com/VCore-Minecraft/VPipeline/storage/objectstore"
	"github.com/VCore-Minecraft/VPipeline/storage/pgstore"
	"github.com/VCore-Minecraft/VPipeline/storage/sqlstore"
	"github.com/VCore-Minecraft/VPipeline/syncbus/membus"
	"github.com/VCore-Minecraft/VPipeline/syncbus/natsbus"
)

const (
	// ConnectTimeout bounds the initial connection to NATS
	ConnectTimeout = 10 * time.Second

	// HealthTimeout bounds each health probe
	HealthTimeout = 2 * time.Second
)

// Participant is one node of the network: a pipeline and the adapters and
// connections built for it
type Participant struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metric.MetricsRegistry
	client   *natsclient.Client
	pipeline *pipeline.Pipeline
	health   *health.Checker

	// released after the pipeline has closed its adapters
	release []func(context.Context) error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures Build
type Option func(*builder)

// WithMetrics reports to registry instead of a fresh one
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *builder) { b.metrics = registry }
}

// WithMemoryCache makes the memory global cache kind use c. Participants
// sharing c share one cache tier.
func WithMemoryCache(c *memcache.Cache) Option {
	return func(b *builder) { b.memCache = c }
}

// WithMemoryStorage makes the memory global storage kind use s
func WithMemoryStorage(s *memstore.Store) Option {
	return func(b *builder) { b.memStore = s }
}

// WithMemoryBus makes the memory messaging kind connect to bus
func WithMemoryBus(bus *membus.Bus) Option {
	return func(b *builder) { b.memBus = bus }
}

// WithPipelineOptions appends options after the ones derived from config
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(b *builder) { b.extra = append(b.extra, opts...) }
}

type builder struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	memCache *memcache.Cache
	memStore *memstore.Store
	memBus   *membus.Bus
	extra    []pipeline.Option

	client  *natsclient.Client
	natsKV  *natskv.Cache
	cache   pipeline.GlobalCache
	storage pipeline.GlobalStorage
	locks   pipeline.LockingService
	bus     pipeline.Transport

	// closes adapters the pipeline does not own yet
	cleanup []func(context.Context) error
	release []func(context.Context) error
}

// Build validates cfg, connects every configured adapter and starts the
// pipeline. Invalid configuration is reported as an invalid error, an
// unreachable dependency as a transient one. On failure everything opened
// so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Participant, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Participant", "Build", "config is required")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &builder{cfg: cfg, logger: logger.With("participant", cfg.Name)}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metric.NewMetricsRegistry()
	}

	p, err := b.build(ctx)
	if err != nil {
		b.abort()
		return nil, err
	}
	return p, nil
}

func (b *builder) build(ctx context.Context) (*Participant, error) {
	steps := []func(context.Context) error{
		b.connectNATS,
		b.buildCache,
		b.buildLocks,
		b.buildStorage,
		b.buildTransport,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	pl, err := pipeline.New(b.pipelineOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "Participant", "Build", "start pipeline")
	}
	// the pipeline closes the tier adapters from here on
	b.cleanup = nil

	b.logger.Info("Participant ready",
		"session", pl.SessionID().String(),
		"global_cache", b.cfg.Pipeline.GlobalCache.Kind,
		"global_storage", b.cfg.Pipeline.GlobalStorage.Kind,
		"locking", b.cfg.Pipeline.Locking.Kind,
		"messaging", b.cfg.Messaging.Kind)

	p := &Participant{
		cfg:      b.cfg,
		logger:   b.logger,
		metrics:  b.metrics,
		client:   b.client,
		pipeline: pl,
		release:  b.release,
	}
	p.health = p.newChecker()
	return p, nil
}

// newChecker probes the pipeline and, when used, NATS. NATS only carrying
// the sync bus degrades the node; NATS backing a tier makes it unhealthy.
func (p *Participant) newChecker() *health.Checker {
	checker := health.NewChecker(p.cfg.Name, HealthTimeout)
	checker.Register("pipeline", true, func(context.Context) error {
		if !p.pipeline.IsReady() {
			return errors.New("pipeline is shut down")
		}
		return nil
	})
	if p.client != nil {
		pl := p.cfg.Pipeline
		critical := pl.GlobalCache.Kind == config.CacheNATS ||
			pl.GlobalStorage.Kind == config.StorageObjectStore ||
			pl.Locking.Kind == config.LockingNATS
		checker.Register("nats", critical, func(context.Context) error {
			if !p.client.IsHealthy() {
				return fmt.Errorf("nats is %s", p.client.Status())
			}
			return nil
		})
	}
	return checker
}

func (b *builder) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		if err := b.cleanup[i](ctx); err != nil {
			b.logger.Warn("Cleanup after failed build", "error", err)
		}
	}
	for i := len(b.release) - 1; i >= 0; i-- {
		if err := b.release[i](ctx); err != nil {
			b.logger.Warn("Cleanup after failed build", "error", err)
		}
	}
}

func (b *builder) connectNATS(ctx context.Context) error {
	if !b.cfg.UsesNATS() {
		return nil
	}
	n := b.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName("vpipeline-" + b.cfg.Name),
		natsclient.WithSlog(b.logger),
		natsclient.WithMetrics(b.metrics),
		natsclient.WithMaxReconnects(n.MaxReconnects),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.Std()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return errors.WrapInvalid(err, "Participant", "Build", "create NATS client")
	}

	b.logger.Info("Connecting to NATS", "urls", n.URLs)
	connCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return errors.WrapTransient(err, "Participant", "Build", "connect to NATS")
	}
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return errors.WrapTransient(err, "Participant", "Build", "wait for NATS connection")
	}
	b.client = client
	b.release = append(b.release, client.Close)
	return nil
}

func (b *builder) natsKVConfig() natskv.Config {
	gc := b.cfg.Pipeline.GlobalCache
	return natskv.Config{
		Bucket:     gc.Bucket,
		LockBucket: gc.LockBucket,
		Replicas:   gc.Replicas,
		LeaseTTL:   b.cfg.Pipeline.Locking.Lease.Std(),
	}
}

func (b *builder) buildCache(ctx context.Context) error {
	switch b.cfg.Pipeline.GlobalCache.Kind {
	case config.CacheMemory:
		if b.memCache == nil {
			c, err := memcache.New(memcache.WithLogger(b.logger), memcache.WithMetrics(b.metrics))
			if err != nil {
				return errors.Wrap(err, "Participant", "Build", "create memory cache")
			}
			b.memCache = c
			b.release = append(b.release, func(context.Context) error { return c.Stop() })
		}
		b.cache = b.memCache
	case config.CacheNATS:
		c, err := natskv.New(ctx, b.client, b.natsKVConfig(), b.logger)
		if err != nil {
			return adapterError(err, "open NATS KV cache")
		}
		b.natsKV = c
		b.cache = c
		b.cleanup = append(b.cleanup, c.Close)
	}
	return nil
}

// buildLocks picks the lock service used when there is no global cache.
// A global cache always hands out its own locks.
func (b *builder) buildLocks(ctx context.Context) error {
	if b.cache != nil {
		if b.cfg.Pipeline.Locking.Kind == config.LockingNATS && b.natsKV == nil {
			b.logger.Warn("NATS locking ignored, the global cache provides the locks")
		}
		return nil
	}
	if b.cfg.Pipeline.Locking.Kind != config.LockingNATS {
		return nil
	}
	c, err := natskv.New(ctx, b.client, b.natsKVConfig(), b.logger)
	if err != nil {
		return adapterError(err, "open NATS KV locks")
	}
	b.locks = c
	b.cleanup = append(b.cleanup, c.Close)
	return nil
}

func (b *builder) buildStorage(ctx context.Context) error {
	s := b.cfg.Pipeline.GlobalStorage
	var (
		storage pipeline.GlobalStorage
		err     error
	)
	switch s.Kind {
	case config.StorageNone:
		return nil
	case config.StorageMemory:
		if b.memStore == nil {
			b.memStore = memstore.New()
		}
		storage = b.memStore
	case config.StorageJSON:
		storage, err = jsonstore.Open(s.Path, b.logger)
	case config.StorageBadger:
		storage, err = badgerstore.Open(badgerstore.Config{Path: s.Path}, b.logger)
	case config.StorageMongo:
		storage, err = mongostore.Open(ctx, mongostore.Config{URL: s.URL, Database: s.Database}, b.logger)
	case config.StorageMySQL:
		storage, err = sqlstore.Open(ctx, sqlstore.Config{DSN: s.URL, TablePrefix: s.TablePrefix}, b.logger)
	case config.StoragePostgres:
		storage, err = pgstore.Open(ctx, pgstore.Config{URL: s.URL, TablePrefix: s.TablePrefix}, b.logger)
	case config.StorageObjectStore:
		storage, err = objectstore.Open(ctx, b.client, objectstore.Config{
			Bucket:   s.Bucket,
			Replicas: s.Replicas,
		}, b.metrics, b.logger)
	}
	if err != nil {
		return adapterError(err, "open "+s.Kind+" storage")
	}
	b.storage = storage
	b.cleanup = append(b.cleanup, storage.Close)
	return nil
}

func (b *builder) buildTransport(context.Context) error {
	switch b.cfg.Messaging.Kind {
	case config.MessagingMemory:
		if b.memBus == nil {
			bus := membus.New(b.logger)
			b.memBus = bus
			b.release = append(b.release, func(context.Context) error {
				bus.Stop()
				return nil
			})
		}
		conn := b.memBus.Connect()
		b.bus = conn
		b.cleanup = append(b.cleanup, conn.Close)
	case config.MessagingNATS:
		bus, err := natsbus.New(b.client, b.cfg.Messaging.SubjectPrefix)
		if err != nil {
			return errors.Wrap(err, "Participant", "Build", "create NATS bus")
		}
		b.bus = bus
		b.cleanup = append(b.cleanup, bus.Close)
	}
	return nil
}

// adapterError keeps configuration problems invalid and reports anything
// else as an unreachable tier
func adapterError(err error, action string) error {
	if errors.IsInvalid(err) {
		return errors.Wrap(err, "Participant", "Build", action)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTierFailure, err), "Participant", "Build", action)
}

func (b *builder) pipelineOptions() []pipeline.Option {
	pc := b.cfg.Pipeline
	opts := []pipeline.Option{
		pipeline.WithLogger(b.logger),
		pipeline.WithMetrics(b.metrics),
	}
	if pc.Workers > 0 {
		opts = append(opts, pipeline.WithWorkers(pc.Workers))
	}
	if pc.QueueSize > 0 {
		opts = append(opts, pipeline.WithQueueSize(pc.QueueSize))
	}
	if pc.OperationTimeout > 0 {
		opts = append(opts, pipeline.WithOperationTimeout(pc.OperationTimeout.Std()))
	}
	if pc.LockTimeout > 0 {
		opts = append(opts, pipeline.WithLockTimeout(pc.LockTimeout.Std()))
	}
	if pc.DedupWindow > 0 {
		opts = append(opts, pipeline.WithDedupWindow(pc.DedupWindow.Std()))
	}
	if session := b.cfg.Session(); session != uuid.Nil {
		opts = append(opts, pipeline.WithSessionID(session))
	}
	if b.cache != nil {
		opts = append(opts, pipeline.WithGlobalCache(b.cache))
	}
	if b.storage != nil {
		opts = append(opts, pipeline.WithGlobalStorage(b.storage))
	}
	if b.locks != nil {
		opts = append(opts, pipeline.WithLockingService(b.locks))
	}
	if b.bus != nil {
		opts = append(opts, pipeline.WithTransport(b.bus))
	}
	return append(opts, b.extra...)
}

// Pipeline returns the node's pipeline
func (p *Participant) Pipeline() *pipeline.Pipeline { return p.pipeline }

// Config returns a copy of the configuration the node was built from
func (p *Participant) Config() *config.Config { return p.cfg.Clone() }

// Metrics returns the registry the node reports to
func (p *Participant) Metrics() *metric.MetricsRegistry { return p.metrics }

// NATS returns the shared NATS client, or nil when no adapter uses NATS
func (p *Participant) NATS() *natsclient.Client { return p.client }

// Health runs the node's probes
func (p *Participant) Health(ctx context.Context) health.Status {
	return p.health.Check(ctx)
}

// Healthy reports whether the node is at least degraded, i.e. it still
// serves local operations
func (p *Participant) Healthy() bool {
	return !p.Health(context.Background()).IsUnhealthy()
}

// Shutdown stops the pipeline, which saves every local object and closes
// its adapters, then releases the connections built for it
func (p *Participant) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		errs := []error{p.pipeline.Shutdown(ctx)}
		for i := len(p.release) - 1; i >= 0; i-- {
			if err := p.release[i](ctx); err != nil {
				errs = append(errs, errors.Wrap(err, "Participant", "Shutdown", "release connection"))
			}
		}
		p.shutdownErr = errors.Join(errs...)
		p.logger.Info("Participant stopped")
	})
	return p.shutdownErr
}
