package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresC = &shared{name: "postgres"}

const (
	pgUser     = "runflow"
	pgPassword = "runflow"
	pgDatabase = "runflow_test"
)

func pgURL(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

// GetPostgresDSN returns a pgx DSN for a PostgreSQL container shared by the
// test binary.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresC.get(t, func(ctx context.Context) (testcontainers.Container, string, error) {
		c, err := testcontainers.Run(ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// Listening alone is not enough while initdb restarts the server.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return pgURL(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
		)
		if err != nil {
			return c, "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			return c, "", err
		}
		return c, pgURL(endpoint), nil
	})
}
