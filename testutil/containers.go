package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// Container is a started test container reachable at Host:Port
type Container struct {
	Host string
	Port string
}

// StartContainer starts req and terminates it when the test ends. port is
// the container port whose mapping is returned, e.g. "5432/tcp".
func StartContainer(t testing.TB, req testcontainers.ContainerRequest, port string) Container {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("mapped port %s: %v", port, err)
	}
	return Container{Host: host, Port: mapped.Port()}
}

// Addr returns host:port
func (c Container) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
