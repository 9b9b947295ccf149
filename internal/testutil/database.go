package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/database"
	"github.com/davidleathers/debt-comms-compliance/internal/testutil/containers"
)

// TestDB is a migrated PostgreSQL database running in a container
type TestDB struct {
	t    *testing.T
	URL  string
	Pool *pgxpool.Pool
}

// NewTestDB starts a container, applies the migrations and opens a pool.
// Everything is torn down when the test ends.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := TestContext(t)

	pg, err := containers.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.Stop(context.Background())
	})

	logger := zaptest.NewLogger(t)
	require.NoError(t, database.Migrate(pg.URL, logger))

	cfg := config.Default().Database
	cfg.URL = pg.URL
	pool, err := database.NewPool(ctx, &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &TestDB{t: t, URL: pg.URL, Pool: pool}
}

// TruncateTables empties every table for test isolation
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()

	// the append-only trigger fires on DELETE, not TRUNCATE
	_, err := tdb.Pool.Exec(TestContext(tdb.t),
		"TRUNCATE TABLE compliance_flags, communication_records, cease_desist_records, contact_events CASCADE")
	require.NoError(tdb.t, err)
}

// AssertRowCount asserts the number of rows in a table
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()

	var count int
	err := tdb.Pool.QueryRow(TestContext(tdb.t), fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "expected %d rows in %s, got %d", expected, table, count)
}
