//go:build integration

package integration

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"

	"github.com/getpup/buildcoord/store/sqlstore"
)

var tableConfig = sqlstore.TableConfig{Prefix: "itest_"}

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// setupStore creates the record store tables and returns a store over them.
func setupStore(t *testing.T, db *sql.DB) *sqlstore.Store {
	t.Helper()

	s, err := sqlstore.NewWithConfig(db, sqlstore.Postgres, tableConfig)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return s
}

// cleanupTables truncates every record store table.
// Errors are logged but don't fail the test (cleanup is best-effort).
func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, table := range tableNames() {
		if _, err := db.Exec("TRUNCATE " + table + " RESTART IDENTITY CASCADE"); err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	}
}

// teardownTables drops the record store tables.
// Errors are logged but don't fail the test.
func teardownTables(t *testing.T, db *sql.DB) {
	t.Helper()

	down, err := sqlstore.MigrationDown(tableConfig)
	if err != nil {
		t.Fatalf("failed to build rollback: %v", err)
	}
	for _, stmt := range strings.Split(down, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			t.Logf("warning: failed to drop table: %v", err)
		}
	}
}

func tableNames() []string {
	var names []string
	for _, suffix := range []string{
		"logchunks", "logs", "steps", "builds", "buildrequest_claims", "buildrequests",
		"changesources", "schedulers", "builder_masters", "builders", "masters",
	} {
		names = append(names, tableConfig.Prefix+suffix)
	}
	return names
}
