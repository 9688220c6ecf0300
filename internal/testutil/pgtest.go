// Package testutil provides shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/riskwatch/migrations"
)

// fraudTables are emptied after each test, children first.
var fraudTables = []string{"activity_events", "fraud_alerts", "fraud_profiles"}

// PGTest returns a PostgreSQL connection with the embedded schema applied.
//
//	db := testutil.PGTest(t)
//
// POSTGRES_URL is used when set. Otherwise a throwaway postgres container is
// started; the test is skipped under -short or when Docker is unavailable.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = startPostgres(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: load migrations: %v", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range fraudTables {
			// #nosec G202 -- fixed table names
			_, _ = db.Exec("DELETE FROM " + table)
		}
		_ = db.Close()
	})
	return db
}

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("pgtest: POSTGRES_URL unset and -short given")
	}

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("riskwatch_test"),
		tcpostgres.WithUsername("riskwatch"),
		tcpostgres.WithPassword("riskwatch"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("pgtest: postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}
