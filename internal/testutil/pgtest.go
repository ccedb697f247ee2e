// Package testutil holds the database and cache fixtures used by the
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest returns a migrated PostgreSQL database and a function that empties
// it and releases the connection.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing server. Without it the test is skipped
// unless DEVICETRUST_TESTCONTAINERS=1, which starts a disposable container.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dsn, release := postgresDSN(ctx, t)
	fail := func(step string, err error) {
		release()
		t.Fatalf("pgtest: %s: %v", step, err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fail("open", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		fail("ping", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir()))
	if err != nil {
		_ = db.Close()
		fail("load migrations", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		fail("apply migrations", err)
	}

	return db, func() {
		if err := emptyTables(ctx, db); err != nil {
			t.Logf("pgtest: empty tables: %v", err)
		}
		_ = db.Close()
		release()
	}
}

func postgresDSN(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()
	if dsn := os.Getenv("POSTGRES_URL"); dsn != "" {
		return dsn, func() {}
	}
	if os.Getenv("DEVICETRUST_TESTCONTAINERS") != "1" {
		t.Skip("no POSTGRES_URL and DEVICETRUST_TESTCONTAINERS unset")
	}

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("devicetrust"),
		postgres.WithUsername("devicetrust"),
		postgres.WithPassword("devicetrust"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}
	release := func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	}
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		release()
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn, release
}

// migrationsDir resolves <repo>/migrations from this file's location, so
// tests find it regardless of the package they run in.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// emptyTables truncates every table in the public schema except goose's
// version table.
func emptyTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		DO $$
		DECLARE names text;
		BEGIN
			SELECT string_agg(quote_ident(tablename), ', ') INTO names
			FROM pg_tables
			WHERE schemaname = 'public' AND tablename <> 'goose_db_version';
			IF names IS NOT NULL THEN
				EXECUTE 'TRUNCATE ' || names || ' CASCADE';
			END IF;
		END $$`)
	return err
}
