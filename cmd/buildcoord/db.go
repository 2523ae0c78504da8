package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/getpup/buildcoord/config"
	"github.com/getpup/buildcoord/store/sqlstore"
)

// openStore connects to the configured database and returns the store over it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (*sqlstore.Store, *sql.DB, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}

	dsn, err := normalizeDSN(dialect, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == sqlstore.SQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := sqlstore.NewWithConfig(db, dialect, sqlstore.TableConfig{Prefix: cfg.TablePrefix})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return s, db, nil
}

// normalizeDSN turns off MySQL time parsing: the store keeps timestamps as
// unix seconds and scans integers.
func normalizeDSN(d sqlstore.Dialect, dsn string) (string, error) {
	if d != sqlstore.MySQL {
		return dsn, nil
	}

	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	parsed.ParseTime = false
	return parsed.FormatDSN(), nil
}
