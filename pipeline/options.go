package pipeline

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
)

// Defaults applied by New
const (
	DefaultOperationTimeout = 10 * time.Second
	DefaultLockTimeout      = 30 * time.Second
	DefaultQueueSize        = 1024
	MinWorkers              = 2
)

// DefaultWorkers is the executor size when none is configured
func DefaultWorkers() int {
	return max(MinWorkers, runtime.NumCPU())
}

// Option configures a Pipeline
type Option func(*Pipeline) error

// WithGlobalCache sets the shared cache tier. Its locks replace the
// locking service.
func WithGlobalCache(gc GlobalCache) Option {
	return func(p *Pipeline) error {
		p.globalCache = gc
		return nil
	}
}

// WithGlobalStorage sets the durable tier
func WithGlobalStorage(gs GlobalStorage) Option {
	return func(p *Pipeline) error {
		p.globalStorage = gs
		return nil
	}
}

// WithTransport sets the bus the synchronizers publish on
func WithTransport(t Transport) Option {
	return func(p *Pipeline) error {
		p.transport = t
		return nil
	}
}

// WithLockingService sets the distributed locks used when there is no
// global cache
func WithLockingService(ls LockingService) Option {
	return func(p *Pipeline) error {
		p.lockService = ls
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithMetrics reports pipeline, executor and local cache metrics to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Pipeline) error {
		p.metricsRegistry = registry
		return nil
	}
}

// WithWorkers sets the executor size. Values below MinWorkers are raised.
func WithWorkers(n int) Option {
	return func(p *Pipeline) error {
		p.workers = max(n, MinWorkers)
		return nil
	}
}

// WithQueueSize sets the executor queue length
func WithQueueSize(n int) Option {
	return func(p *Pipeline) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithQueueSize", "queue size must be positive")
		}
		p.queueSize = n
		return nil
	}
}

// WithOperationTimeout sets the deadline of every returned Future
func WithOperationTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithOperationTimeout", "timeout must be positive")
		}
		p.timeout = d
		return nil
	}
}

// WithLockTimeout bounds how long an operation waits for a lock. Zero
// waits without limit.
func WithLockTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.lockTimeout = d
		return nil
	}
}

// WithSessionID fixes the node's session id instead of generating one
func WithSessionID(id uuid.UUID) Option {
	return func(p *Pipeline) error {
		if id == uuid.Nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithSessionID", "session id must not be nil")
		}
		p.session = id
		return nil
	}
}

// WithDedupWindow sets how long received message ids are remembered
func WithDedupWindow(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithDedupWindow", "window must be positive")
		}
		p.dedupWindow = d
		return nil
	}
}
