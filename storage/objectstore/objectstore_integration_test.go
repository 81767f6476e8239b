//go:build integration

package objectstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/storage"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

var sharedClient *natsclient.TestClient

func TestMain(m *testing.M) {
	tc, err := natsclient.NewSharedTestClient(natsclient.WithJetStream(), natsclient.WithFastStartup())
	if err != nil {
		fmt.Fprintf(os.Stderr, "NATS test client: %v\n", err)
		os.Exit(1)
	}
	sharedClient = tc
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func openStore(t *testing.T, registry *metric.MetricsRegistry) *Store {
	t.Helper()
	s, err := Open(context.Background(), sharedClient.Client, Config{
		Bucket: "OBJECTS_" + uuid.NewString()[:8],
	}, registry, nil)
	require.NoError(t, err)
	return s
}

func TestIntegration_ProviderContract(t *testing.T) {
	testutil.RunProviderContract(t, func(t *testing.T) pipeline.DataProvider {
		return openStore(t, nil)
	})
}

func TestIntegration_ForeignObjectsIgnored(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, metric.NewMetricsRegistry())
	players := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})

	id := uuid.New()
	require.NoError(t, s.Save(ctx, players, id, testutil.Payload(id, "alice")))
	_, err := s.bucket.PutBytes(ctx, storage.KeyPrefix(players)+"not-a-uuid", []byte("{}"))
	require.NoError(t, err)

	ids, err := s.SavedIDs(ctx, players)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
}

func TestIntegration_RemoveTwice(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, nil)
	players := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	require.NoError(t, s.Save(ctx, players, id, testutil.Payload(id, "bob")))
	removed, err := s.Remove(ctx, players, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(ctx, players, id)
	require.NoError(t, err)
	assert.False(t, removed)

	ids, err := s.SavedIDs(ctx, players)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
