// Package testutil starts throwaway Postgres and Redis containers for
// integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerConfig holds configuration for test containers.
type ContainerConfig struct {
	PostgresImage  string
	PostgresDB     string
	PostgresUser   string
	PostgresPass   string
	RedisImage     string
	StartupTimeout time.Duration
}

// DefaultContainerConfig returns a default container configuration.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage:  "postgres:16-alpine",
		PostgresDB:     "harvester",
		PostgresUser:   "harvester",
		PostgresPass:   "harvester",
		RedisImage:     "redis:7-alpine",
		StartupTimeout: 60 * time.Second,
	}
}

// Postgres starts a PostgreSQL container and returns its DSN. The container
// is terminated when the test ends. The test is skipped in -short mode or
// when no container runtime is available.
func Postgres(t *testing.T, cfg ContainerConfig) string {
	t.Helper()
	skipUnlessDocker(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		cfg.PostgresImage,
		postgres.WithDatabase(cfg.PostgresDB),
		postgres.WithUsername(cfg.PostgresUser),
		postgres.WithPassword(cfg.PostgresPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(cfg.StartupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	return dsn
}

// Redis starts a Redis container and returns its redis:// URL.
func Redis(t *testing.T, cfg ContainerConfig) string {
	t.Helper()
	skipUnlessDocker(t)
	ctx := context.Background()

	container, err := redis.Run(ctx,
		cfg.RedisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(cfg.StartupTimeout),
		),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}
	return url
}

func skipUnlessDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
