package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour spoken to the database.
type Dialect string

const (
	// Postgres targets PostgreSQL through github.com/lib/pq.
	Postgres Dialect = "postgres"
	// MySQL targets MySQL/MariaDB through github.com/go-sql-driver/mysql.
	MySQL Dialect = "mysql"
	// SQLite targets SQLite through github.com/mattn/go-sqlite3.
	SQLite Dialect = "sqlite3"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q: supported dialects are postgres, mysql, sqlite3", name)
	}
}

// DriverName is the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// insertIgnore returns an INSERT statement that silently skips rows
// violating a unique constraint.
func (d Dialect) insertIgnore(table, columns, values string) string {
	switch d {
	case MySQL:
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
	default:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, values)
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertID runs an INSERT and returns the generated id.
// PostgreSQL has no LastInsertId support in lib/pq, so it uses RETURNING.
func (d Dialect) insertID(ctx context.Context, db execer, query string, args ...any) (int64, error) {
	if d == Postgres {
		var id int64
		if err := db.QueryRowContext(ctx, d.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// column types used by the DDL.
type columnTypes struct {
	id      string
	name    string
	text    string
	integer string
	bigint  string
	suffix  string
}

func (d Dialect) columnTypes() columnTypes {
	switch d {
	case Postgres:
		return columnTypes{
			id:      "BIGSERIAL PRIMARY KEY",
			name:    "TEXT",
			text:    "TEXT",
			integer: "INTEGER",
			bigint:  "BIGINT",
		}
	case MySQL:
		return columnTypes{
			id:      "BIGINT AUTO_INCREMENT PRIMARY KEY",
			name:    "VARCHAR(255)",
			text:    "MEDIUMTEXT",
			integer: "INT",
			bigint:  "BIGINT",
			suffix:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
		}
	default:
		return columnTypes{
			id:      "INTEGER PRIMARY KEY AUTOINCREMENT",
			name:    "TEXT",
			text:    "TEXT",
			integer: "INTEGER",
			bigint:  "BIGINT",
		}
	}
}
