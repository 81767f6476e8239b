package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vperrors "github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestProviderContract(t *testing.T) {
	testutil.RunProviderContract(t, func(*testing.T) pipeline.DataProvider { return New() })
}

func TestCollection(t *testing.T) {
	assert.Equal(t, "players", Collection(testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})))
	assert.Equal(t, "lobby_players",
		Collection(testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})))
}

func TestInjectFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	boom := errors.New("disk full")

	s.InjectFailure(boom)
	err := s.Save(ctx, dt, uuid.New(), []byte(`{}`))
	require.ErrorIs(t, err, boom)
	assert.True(t, vperrors.IsTransient(err))

	s.InjectFailure(nil)
	assert.NoError(t, s.Save(ctx, dt, uuid.New(), []byte(`{}`)))
}

func TestSharedAcrossClose(t *testing.T) {
	ctx := context.Background()
	s := New()
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	require.NoError(t, s.Save(ctx, dt, id, testutil.Payload(id, "alice")))
	require.NoError(t, s.Close(ctx))
	payload, err := s.Load(ctx, dt, id)
	require.NoError(t, err)
	assert.NotNil(t, payload)
}
