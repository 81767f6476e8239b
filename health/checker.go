package health

import (
	"context"
	"sync"
	"time"
)

// Probe checks one dependency. It returns nil when the dependency works.
type Probe func(ctx context.Context) error

type registration struct {
	name     string
	critical bool
	probe    Probe
}

// Checker runs registered probes and aggregates their statuses. It is safe
// for concurrent use.
type Checker struct {
	name    string
	timeout time.Duration

	mu     sync.RWMutex
	probes []registration
}

// NewChecker creates a checker for the node called name. Each probe gets at
// most timeout; zero means no limit beyond the caller's context.
func NewChecker(name string, timeout time.Duration) *Checker {
	return &Checker{name: name, timeout: timeout}
}

// Register adds or replaces the probe called name
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg := registration{name: name, critical: critical, probe: probe}
	for i := range c.probes {
		if c.probes[i].name == name {
			c.probes[i] = reg
			return
		}
	}
	c.probes = append(c.probes, reg)
}

// Check runs every probe concurrently and returns the aggregate in
// registration order
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	probes := append([]registration(nil), c.probes...)
	c.mu.RUnlock()

	statuses := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, reg := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = c.run(ctx, reg)
		}()
	}
	wg.Wait()

	return Aggregate(c.name, statuses)
}

func (c *Checker) run(ctx context.Context, reg registration) Status {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	status := FromError(reg.name, reg.probe(ctx), reg.critical)
	status.Latency = time.Since(start)
	return status
}
