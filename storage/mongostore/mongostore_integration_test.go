//go:build integration

package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
	"github.com/VCore-Minecraft/VPipeline/testutil"
)

func TestIntegration_ProviderContract(t *testing.T) {
	mongo := testutil.StartContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(time.Minute),
	}, "27017/tcp")
	url := fmt.Sprintf("mongodb://%s", mongo.Addr())

	testutil.RunProviderContract(t, func(t *testing.T) pipeline.DataProvider {
		s, err := Open(context.Background(), Config{
			URL:      url,
			Database: "vpipeline_" + uuid.NewString()[:8],
		}, nil)
		require.NoError(t, err)
		return s
	})
}
