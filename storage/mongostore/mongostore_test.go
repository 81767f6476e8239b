package mongostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestCollection(t *testing.T) {
	assert.Equal(t, "players", Collection(testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players"})))
	assert.Equal(t, "lobby_players",
		Collection(testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})))
}

func TestOpenValidatesConfig(t *testing.T) {
	for _, cfg := range []Config{{}, {URL: "mongodb://localhost"}, {Database: "vpipeline"}} {
		_, err := Open(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	}
}
