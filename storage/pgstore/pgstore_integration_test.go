//go:build integration

package pgstore

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
	pg := testutil.StartContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vpipeline",
			"POSTGRES_PASSWORD": "vpipeline",
			"POSTGRES_DB":       "vpipeline",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute),
	}, "5432/tcp")
	url := fmt.Sprintf("postgres://vpipeline:vpipeline@%s/vpipeline?sslmode=disable", pg.Addr())

	testutil.RunProviderContract(t, func(t *testing.T) pipeline.DataProvider {
		s, err := Open(context.Background(), Config{
			URL:         url,
			TablePrefix: "t" + uuid.NewString()[:8] + "_",
		}, nil)
		require.NoError(t, err)
		return s
	})
}
