package postgres

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testPool        *pgxpool.Pool
	testDatabaseURL string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	os.Exit(runWithContainer(m))
}

func runWithContainer(m *testing.M) int {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("eggstream"),
		postgres.WithUsername("egg"),
		postgres.WithPassword("egg"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to terminate postgres container: %v\n", err)
		}
	}()

	testDatabaseURL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get connection string: %v\n", err)
		return 1
	}

	testPool, err = Connect(ctx, testDatabaseURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrationsWithLock(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to migrate: %v\n", err)
		return 1
	}

	return m.Run()
}

// setupTestDB skips under -short and truncates the catalog after the test.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Cleanup(func() {
		if _, err := testPool.Exec(context.Background(), "TRUNCATE sensors RESTART IDENTITY"); err != nil {
			t.Logf("Failed to truncate sensors: %v", err)
		}
	})
	return testPool
}

func TestConnect_RecordsQueryMetrics(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	m := metrics.NewDBMetrics(prometheus.NewRegistry())
	pool, err := Connect(ctx, testDatabaseURL, m)
	require.NoError(t, err)
	defer pool.Close()

	var one int
	require.NoError(t, pool.QueryRow(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
	assert.Equal(t, 1, testutil.CollectAndCount(m.QueryDuration))

	_, err = pool.Exec(ctx, "SELECT * FROM missing_table")
	require.Error(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.QueryErrors.WithLabelValues("select")), 0)
}

func TestConnect_GivesUpOnBadCredentials(t *testing.T) {
	setupTestDB(t)

	cfg, err := pgxpool.ParseConfig(testDatabaseURL)
	require.NoError(t, err)
	badURL := fmt.Sprintf("postgres://egg:wrong@%s:%d/eggstream?sslmode=disable", cfg.ConnConfig.Host, cfg.ConnConfig.Port)

	start := time.Now()
	pool, err := Connect(context.Background(), badURL, nil)
	assert.Error(t, err)
	assert.Nil(t, pool)
	assert.Less(t, time.Since(start), 5*time.Second, "authentication errors are not retried")
}

func TestRunMigrationsWithLock_Idempotent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RunMigrationsWithLock(ctx, pool))
	require.NoError(t, RunMigrationsWithLock(ctx, pool))

	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'sensors')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunMigrationsWithLock_Concurrent(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	errs := make(chan error, 3)
	for range 3 {
		go func() { errs <- RunMigrationsWithLock(ctx, pool) }()
	}
	for range 3 {
		assert.NoError(t, <-errs)
	}
}
