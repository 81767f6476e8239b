package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestProviderContract(t *testing.T) {
	testutil.RunProviderContract(t, func(t *testing.T) pipeline.DataProvider {
		s, err := Open(t.TempDir(), nil)
		require.NoError(t, err)
		return s
	})
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(root, nil)
	require.NoError(t, err)
	id := uuid.New()

	plain := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	lobby := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})
	require.NoError(t, s.Save(ctx, plain, id, testutil.Payload(id, "a")))
	require.NoError(t, s.Save(ctx, lobby, id, testutil.Payload(id, "b")))

	assert.FileExists(t, filepath.Join(root, "players", id.String()+".json"))
	assert.FileExists(t, filepath.Join(root, "lobby", "players", id.String()+".json"))

	entries, err := os.ReadDir(filepath.Join(root, "players"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestForeignFilesIgnored(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(root, nil)
	require.NoError(t, err)
	dt := testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})
	id := uuid.New()

	require.NoError(t, s.Save(ctx, dt, id, testutil.Payload(id, "a")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "players", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "players", "backup.json"), []byte("{}"), 0o644))

	ids, err := s.SavedIDs(ctx, dt)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
}

func TestOpenRequiresRoot(t *testing.T) {
	_, err := Open("", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
