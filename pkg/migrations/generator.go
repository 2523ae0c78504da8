package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getpup/buildcoord/store/sqlstore"
)

// Config configures migration generation for the record store tables.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// TablePrefix is prepended to every table name
	TablePrefix string

	// WithDown also writes a matching rollback file, named after
	// OutputFilename with a .down.sql suffix
	WithDown bool
}

// DefaultConfig returns the default configuration for record store migrations.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_buildcoord.sql", timestamp),
		TablePrefix:    sqlstore.DefaultTableConfig().Prefix,
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(sqlstore.Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(sqlstore.MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(sqlstore.SQLite, config)
}

// Generate writes the migration for dialect d.
func Generate(d sqlstore.Dialect, config *Config) error {
	if config.OutputFilename == "" {
		return fmt.Errorf("invalid configuration: OutputFilename cannot be empty")
	}

	tables := sqlstore.TableConfig{Prefix: config.TablePrefix}
	up, err := sqlstore.MigrationUp(d, tables)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(header(d, "schema")+up), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	if !config.WithDown {
		return nil
	}

	down, err := sqlstore.MigrationDown(tables)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.WriteFile(DownPath(config), []byte(header(d, "rollback")+down), 0o600); err != nil {
		return fmt.Errorf("failed to write rollback file: %w", err)
	}
	return nil
}

// DownPath returns where Generate writes the rollback file.
func DownPath(config *Config) string {
	base := strings.TrimSuffix(config.OutputFilename, ".sql")
	return filepath.Join(config.OutputFolder, base+".down.sql")
}

func header(d sqlstore.Dialect, kind string) string {
	var name string
	switch d {
	case sqlstore.Postgres:
		name = "PostgreSQL"
	case sqlstore.MySQL:
		name = "MySQL/MariaDB"
	default:
		name = "SQLite"
	}
	return fmt.Sprintf("-- Build Coordination Record Store Migration (%s)\n-- Generated: %s\n-- Database: %s\n\n",
		kind, time.Now().Format(time.RFC3339), name)
}
