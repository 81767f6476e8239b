package pgstore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestTableName(t *testing.T) {
	assert.Equal(t, "players", TableName("", testutil.NewType(t, pipeline.TypeMetadata{StorageID: "Players"})))
	assert.Equal(t, "vp_lobby_players",
		TableName("vp_", testutil.NewType(t, pipeline.TypeMetadata{StorageID: "players", Classifier: "lobby"})))

	quoted := pgx.Identifier{TableName("", testutil.NewType(t, pipeline.TypeMetadata{StorageID: `a"b`}))}.Sanitize()
	assert.Equal(t, `"a""b"`, quoted)
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = Open(context.Background(), Config{URL: "postgres://%zz"}, nil)
	assert.True(t, errors.IsInvalid(err))
}
