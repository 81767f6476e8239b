package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// RunProviderContract checks the DataProvider behaviour the pipeline
// relies on. newProvider must return an empty provider; it is called once
// per subtest and closed by the contract.
func RunProviderContract(t *testing.T, newProvider func(t *testing.T) pipeline.DataProvider) {
	ctx := context.Background()
	players := NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	lobbyPlayers := NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})
	guilds := NewType(t, pipeline.TypeMetadata{StorageID: "guilds"})

	open := func(t *testing.T) pipeline.DataProvider {
		p := newProvider(t)
		t.Cleanup(func() { assert.NoError(t, p.Close(context.Background())) })
		return p
	}

	t.Run("absent object", func(t *testing.T) {
		p := open(t)
		id := uuid.New()

		exists, err := p.Exists(ctx, players, id)
		require.NoError(t, err)
		assert.False(t, exists)

		payload, err := p.Load(ctx, players, id)
		require.NoError(t, err)
		assert.Nil(t, payload)

		removed, err := p.Remove(ctx, players, id)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("save load remove", func(t *testing.T) {
		p := open(t)
		id := uuid.New()

		require.NoError(t, p.Save(ctx, players, id, Payload(id, "alice")))
		exists, err := p.Exists(ctx, players, id)
		require.NoError(t, err)
		assert.True(t, exists)

		payload, err := p.Load(ctx, players, id)
		require.NoError(t, err)
		assert.JSONEq(t, string(Payload(id, "alice")), string(payload))

		removed, err := p.Remove(ctx, players, id)
		require.NoError(t, err)
		assert.True(t, removed)
		exists, err = p.Exists(ctx, players, id)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("save replaces", func(t *testing.T) {
		p := open(t)
		id := uuid.New()

		require.NoError(t, p.Save(ctx, players, id, Payload(id, "alice")))
		require.NoError(t, p.Save(ctx, players, id, Payload(id, "bob")))

		payload, err := p.Load(ctx, players, id)
		require.NoError(t, err)
		assert.JSONEq(t, string(Payload(id, "bob")), string(payload))

		ids, err := p.SavedIDs(ctx, players)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{id}, ids)
	})

	t.Run("loaded payload is a copy", func(t *testing.T) {
		p := open(t)
		id := uuid.New()
		require.NoError(t, p.Save(ctx, players, id, Payload(id, "alice")))

		payload, err := p.Load(ctx, players, id)
		require.NoError(t, err)
		for i := range payload {
			payload[i] = ' '
		}

		again, err := p.Load(ctx, players, id)
		require.NoError(t, err)
		assert.JSONEq(t, string(Payload(id, "alice")), string(again))
	})

	t.Run("types are isolated", func(t *testing.T) {
		p := open(t)
		shared := uuid.New()
		onlyGuild := uuid.New()

		require.NoError(t, p.Save(ctx, players, shared, Payload(shared, "player")))
		require.NoError(t, p.Save(ctx, lobbyPlayers, shared, Payload(shared, "lobby")))
		require.NoError(t, p.Save(ctx, guilds, onlyGuild, Payload(onlyGuild, "guild")))

		payload, err := p.Load(ctx, lobbyPlayers, shared)
		require.NoError(t, err)
		assert.JSONEq(t, string(Payload(shared, "lobby")), string(payload))

		ids, err := p.SavedIDs(ctx, players)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{shared}, ids)
		ids, err = p.SavedIDs(ctx, guilds)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{onlyGuild}, ids)

		exists, err := p.Exists(ctx, guilds, shared)
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = p.Remove(ctx, players, shared)
		require.NoError(t, err)
		exists, err = p.Exists(ctx, lobbyPlayers, shared)
		require.NoError(t, err)
		assert.True(t, exists, "removing one classifier keeps the other")
	})

	t.Run("saved ids", func(t *testing.T) {
		p := open(t)
		want := make([]uuid.UUID, 0, 25)
		for i := 0; i < 25; i++ {
			id := uuid.New()
			want = append(want, id)
			require.NoError(t, p.Save(ctx, guilds, id, Payload(id, "g")))
		}

		ids, err := p.SavedIDs(ctx, guilds)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, ids)

		ids, err = p.SavedIDs(ctx, players)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
