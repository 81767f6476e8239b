// Package natsbus carries synchronizer traffic over NATS core pub/sub. Each
// type publishes on <prefix>.<storageId>; delivery is at most once, which
// the synchronizers tolerate because every block is a full snapshot.
package natsbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// DefaultPrefix is the subject prefix when none is configured
const DefaultPrefix = "vpipeline.sync"

// Bus implements pipeline.Transport. It does not own the client.
type Bus struct {
	client *natsclient.Client
	prefix string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New creates a bus publishing under prefix
func New(client *natsclient.Client, prefix string) (*Bus, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsbus", "New", "client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{client: client, prefix: prefix, subs: make(map[*subscription]struct{})}, nil
}

// Subject returns the subject of channel. Characters NATS treats as
// separators or wildcards are replaced by '_'.
func (b *Bus) Subject(channel string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, channel)
	return b.prefix + "." + token
}

// Subscribe delivers every payload published on channel to handler
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) (pipeline.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "natsbus", "Subscribe", "subscribe "+channel)
	}

	s := &subscription{bus: b}
	sub, err := b.client.Subscribe(context.WithoutCancel(ctx), b.Subject(channel), func(ctx context.Context, data []byte) {
		if s.stopped.Load() {
			return
		}
		handler(ctx, data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsbus", "Subscribe", "subscribe "+channel)
	}
	s.sub = sub
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish sends payload on channel. NATS core reports no receivers, so
// the count is always 0.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, errors.Wrap(errors.ErrShuttingDown, "natsbus", "Publish", "publish "+channel)
	}
	if err := b.client.Publish(ctx, b.Subject(channel), payload); err != nil {
		return 0, errors.WrapTransient(err, "natsbus", "Publish", "publish "+channel)
	}
	return 0, nil
}

// Close ends every subscription. The connection belongs to the caller.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	var errs []error
	for s := range subs {
		if err := s.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	bus     *Bus
	sub     *natsclient.Subscription
	stopped atomic.Bool
}

func (s *subscription) stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Unsubscribe implements pipeline.Subscription
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.stop()
}

var _ pipeline.Transport = (*Bus)(nil)
