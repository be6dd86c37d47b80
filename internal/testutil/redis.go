package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hollowpoint/blastarena/internal/config"
	"github.com/hollowpoint/blastarena/internal/storage/redis"
)

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container testcontainers.Container
	Store     *redis.Store
	Config    config.RedisConfig
}

// NewRedisContainer starts a Redis test container and returns a connected Store.
//
// Precondition: Docker must be available.
// Postcondition: Returns a running container with a connected store,
// or fails the test.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v [%s]", err, time.Since(start))
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}

	mappedPort, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	cfg := config.RedisConfig{
		Host: host,
		Port: mappedPort.Int(),
	}

	store, err := redis.NewStore(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to test redis: %v [%s]", err, time.Since(start))
	}

	t.Logf("redis container started [%s]", time.Since(start))

	rc := &RedisContainer{
		container: container,
		Store:     store,
		Config:    cfg,
	}

	t.Cleanup(func() {
		_ = store.Close()
		_ = container.Terminate(ctx)
	})

	return rc
}
