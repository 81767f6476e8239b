package natsbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/natsclient"
)

func TestSubject(t *testing.T) {
	b, err := New(&natsclient.Client{}, "")
	require.NoError(t, err)

	tests := map[string]string{
		"players":      "vpipeline.sync.players",
		"players.v2":   "vpipeline.sync.players_v2",
		"stats>*":      "vpipeline.sync.stats__",
		"with space\t": "vpipeline.sync.with_space_",
	}
	for channel, want := range tests {
		assert.Equal(t, want, b.Subject(channel), channel)
	}

	custom, err := New(&natsclient.Client{}, "lobby.sync")
	require.NoError(t, err)
	assert.Equal(t, "lobby.sync.players", custom.Subject("players"))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, "")
	assert.True(t, errors.IsInvalid(err))
}
