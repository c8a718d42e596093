// Package testutil starts throwaway backing services for store tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// container is a lazily started, process-wide test container.
type container struct {
	once     sync.Once
	c        testcontainers.Container
	endpoint string
	err      error
}

func (c *container) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := start(ctx)
		if err != nil {
			c.err = err
			return
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		c.c = ctr
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}

var (
	postgres container
	redis    container
	mongo    container
)

// PostgresDSN returns a DSN for a PostgreSQL 16 container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgres.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://stageflow:stageflow@%s:%s/stageflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "stageflow",
				"POSTGRES_PASSWORD": "stageflow",
				"POSTGRES_DB":       "stageflow_test",
			}),
		)
	})
	return fmt.Sprintf("postgres://stageflow:stageflow@%s/stageflow_test?sslmode=disable", endpoint)
}

// RedisAddress returns host:port of a Redis container.
func RedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
	})
}

// MongoURI returns a connection URI for a MongoDB 7 container.
func MongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongo.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
	})
	return fmt.Sprintf("mongodb://%s", endpoint)
}
