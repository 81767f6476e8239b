package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Inbox collects the payloads delivered to a subscription
type Inbox struct {
	mu       sync.Mutex
	messages [][]byte
}

// Handle is the subscription handler
func (i *Inbox) Handle(_ context.Context, payload []byte) {
	i.mu.Lock()
	i.messages = append(i.messages, append([]byte(nil), payload...))
	i.mu.Unlock()
}

// Messages returns a copy of what was delivered so far
func (i *Inbox) Messages() [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([][]byte(nil), i.messages...)
}

// Count returns how many payloads were delivered
func (i *Inbox) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.messages)
}

// WaitForCount fails t unless the inbox holds n payloads within timeout
func (i *Inbox) WaitForCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return i.Count() >= n }, timeout, 5*time.Millisecond,
		"waiting for %d messages", n)
}

// RunTransportContract checks delivery between two connections of the
// same bus. newPair returns two fresh connections; the contract closes
// them.
func RunTransportContract(t *testing.T, newPair func(t *testing.T) (pipeline.Transport, pipeline.Transport), timeout time.Duration) {
	open := func(t *testing.T) (pipeline.Transport, pipeline.Transport) {
		a, b := newPair(t)
		t.Cleanup(func() {
			assert.NoError(t, a.Close(context.Background()))
			assert.NoError(t, b.Close(context.Background()))
		})
		return a, b
	}

	t.Run("delivers to every subscriber", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		var onA, onB Inbox
		_, err := a.Subscribe(ctx, "players", onA.Handle)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "players", onB.Handle)
		require.NoError(t, err)

		_, err = a.Publish(ctx, "players", []byte(`{"n":1}`))
		require.NoError(t, err)

		onA.WaitForCount(t, 1, timeout)
		onB.WaitForCount(t, 1, timeout)
		assert.Equal(t, []byte(`{"n":1}`), onB.Messages()[0])
	})

	t.Run("channels are separate", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		var players, guilds Inbox
		_, err := b.Subscribe(ctx, "players", players.Handle)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, "guilds", guilds.Handle)
		require.NoError(t, err)

		_, err = a.Publish(ctx, "guilds", []byte(`{}`))
		require.NoError(t, err)

		guilds.WaitForCount(t, 1, timeout)
		time.Sleep(timeout / 10)
		assert.Zero(t, players.Count())
	})

	t.Run("order per publisher", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		var inbox Inbox
		_, err := b.Subscribe(ctx, "players", inbox.Handle)
		require.NoError(t, err)

		for _, msg := range []string{"1", "2", "3", "4", "5"} {
			_, err := a.Publish(ctx, "players", []byte(msg))
			require.NoError(t, err)
		}

		inbox.WaitForCount(t, 5, timeout)
		var got []string
		for _, m := range inbox.Messages() {
			got = append(got, string(m))
		}
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		var inbox Inbox
		sub, err := b.Subscribe(ctx, "players", inbox.Handle)
		require.NoError(t, err)

		_, err = a.Publish(ctx, "players", []byte("before"))
		require.NoError(t, err)
		inbox.WaitForCount(t, 1, timeout)

		require.NoError(t, sub.Unsubscribe())
		_, err = a.Publish(ctx, "players", []byte("after"))
		require.NoError(t, err)
		time.Sleep(timeout / 10)
		assert.Equal(t, 1, inbox.Count())
	})
}
