// Package testhelpers starts throwaway Postgres and Redis containers for
// integration tests.
//
// Callers should skip in short mode:
//
//	if testing.Short() {
//	    t.Skip("skipping container-based test in short mode")
//	}
//	pool := testhelpers.StartPostgres(t)
package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"careers/jobboard/internal/db"
)

const (
	postgresImage = "postgres:16-alpine"
	redisImage    = "redis:7-alpine"
	startTimeout  = 2 * time.Minute
)

// StartPostgres runs a Postgres container, applies the schema and returns a
// connected pool. The container is terminated via t.Cleanup.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "jobboard",
			"POSTGRES_PASSWORD": "jobboard",
			"POSTGRES_DB":       "jobboard",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(startTimeout),
	}
	container := start(t, ctx, req)

	host, port := endpoint(t, ctx, container, "5432/tcp")
	url := fmt.Sprintf("postgres://jobboard:jobboard@%s:%s/jobboard?sslmode=disable", host, port)

	pool, err := db.NewPostgresPool(ctx, url)
	if err != nil {
		t.Fatalf("connect to postgres container: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// StartRedis runs a Redis container and returns a connected client.
func StartRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(startTimeout),
	}
	container := start(t, ctx, req)

	host, port := endpoint(t, ctx, container, "6379/tcp")
	rdb, err := db.NewRedisClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port))
	if err != nil {
		t.Fatalf("connect to redis container: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func start(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable, skipping %s container test: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate %s container: %v", req.Image, err)
		}
	})
	return container
}

func endpoint(t *testing.T, ctx context.Context, c testcontainers.Container, port nat.Port) (string, string) {
	t.Helper()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("container port %s: %v", port, err)
	}
	return host, mapped.Port()
}
