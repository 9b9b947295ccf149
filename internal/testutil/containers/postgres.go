// Package containers starts disposable service containers for integration tests.
package containers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultPostgresImage = "postgres:16-alpine"
	// DCC_TEST_POSTGRES_IMAGE pins another image, e.g. the production major version
	postgresImageEnv = "DCC_TEST_POSTGRES_IMAGE"
)

// Postgres is a running audit-log database
type Postgres struct {
	container *postgres.PostgresContainer
	// URL uses the postgres:// scheme; database.MigrateURL converts it for golang-migrate
	URL string
}

// StartPostgres runs a throwaway PostgreSQL for the audit and contact-event
// stores. The server is started with UTC as its zone so timestamp round trips
// are comparable with the Go side.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	image := os.Getenv(postgresImageEnv)
	if image == "" {
		image = defaultPostgresImage
	}

	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase("dcc_test"),
		postgres.WithUsername("dcc"),
		postgres.WithPassword("dcc"),
		testcontainers.WithEnv(map[string]string{"TZ": "UTC", "PGTZ": "UTC"}),
		testcontainers.WithWaitStrategy(
			// the server logs readiness twice: once for the init run, once for real
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres %s: %w", image, err)
	}

	url, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &Postgres{container: c, URL: url}, nil
}

// Stop terminates the container; it is safe to call on a nil Postgres
func (p *Postgres) Stop(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
