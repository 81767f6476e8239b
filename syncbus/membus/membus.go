// Package membus is an in-process synchronization transport. Every node
// connects its own Conn to a shared Bus.
package membus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Bus routes payloads between the subscriptions of all its connections
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

// New creates a bus. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "membus"),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Connect returns a new node connection
func (b *Bus) Connect() *Conn {
	return &Conn{bus: b, subs: make(map[*subscription]struct{})}
}

// Stop closes every subscription of every connection
func (b *Bus) Stop() {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

func (b *Bus) add(s *subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Wrap(errors.ErrShuttingDown, "membus", "Subscribe", "add subscription")
	}
	subs, ok := b.subs[s.channel]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.subs[s.channel] = subs
	}
	subs[s] = struct{}{}
	return nil
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[s.channel], s)
	if len(b.subs[s.channel]) == 0 {
		delete(b.subs, s.channel)
	}
}

func (b *Bus) publish(channel string, payload []byte) int {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(append([]byte(nil), payload...)) {
			delivered++
		}
	}
	return delivered
}

// Conn is one node's view of the bus
type Conn struct {
	bus *Bus

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Subscribe delivers every payload published on channel to handler. Each
// subscription has its own delivery goroutine and an unbounded queue, so
// Publish never waits for a handler.
func (c *Conn) Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) (pipeline.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "membus", "Subscribe", "subscribe "+channel)
	}

	s := &subscription{
		conn:    c,
		channel: channel,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := c.bus.add(s); err != nil {
		return nil, err
	}
	c.subs[s] = struct{}{}
	go s.deliver(context.WithoutCancel(ctx))
	return s, nil
}

// Publish queues payload for every subscriber of channel and returns how
// many received it
func (c *Conn) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, errors.Wrap(errors.ErrShuttingDown, "membus", "Publish", "publish "+channel)
	}
	return c.bus.publish(channel, payload), nil
}

// Close ends the connection's subscriptions
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

type subscription struct {
	conn    *Conn
	channel string
	handler func(context.Context, []byte)

	mu      sync.Mutex
	queue   [][]byte
	stopped bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) enqueue(payload []byte) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) deliver(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			payload := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handle(ctx, payload)
		}
	}
}

func (s *subscription) handle(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.bus.logger.Error("Subscriber panicked", "channel", s.channel, "panic", r)
		}
	}()
	s.handler(ctx, payload)
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		s.conn.bus.remove(s)
		close(s.done)
	})
}

// Unsubscribe implements pipeline.Subscription
func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	s.stop()
	return nil
}

var _ pipeline.Transport = (*Conn)(nil)
