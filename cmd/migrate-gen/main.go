// Command migrate-gen generates SQL migration files for the buildcoord record store.
//
// Usage:
//
//	go run github.com/getpup/buildcoord/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/buildcoord/cmd/migrate-gen -output migrations
//
// Generate migrations for different databases:
//
//	go run github.com/getpup/buildcoord/cmd/migrate-gen -dialect postgres -output migrations
//	go run github.com/getpup/buildcoord/cmd/migrate-gen -dialect mysql -output migrations
//	go run github.com/getpup/buildcoord/cmd/migrate-gen -dialect sqlite3 -output migrations
//
// Customize table names:
//
//	go run github.com/getpup/buildcoord/cmd/migrate-gen -table-prefix ci_ -output migrations
//
// The buildcoord binary exposes the same generator as "buildcoord migrate".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getpup/buildcoord/pkg/migrations"
	"github.com/getpup/buildcoord/store/sqlstore"
)

func main() {
	var (
		dialect        = flag.String("dialect", "postgres", "Database dialect: postgres, mysql, or sqlite3")
		outputFolder   = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename = flag.String("filename", "", "Output filename (default: timestamp-based)")
		tablePrefix    = flag.String("table-prefix", sqlstore.DefaultTableConfig().Prefix, "Prefix prepended to every table name")
		withDown       = flag.Bool("with-down", false, "Also write a rollback migration")
	)

	flag.Parse()

	d, err := sqlstore.ParseDialect(*dialect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.TablePrefix = *tablePrefix
	config.WithDown = *withDown
	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if err := migrations.Generate(d, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", d, config.OutputFolder, config.OutputFilename)
	if config.WithDown {
		fmt.Printf("Generated %s rollback: %s\n", d, migrations.DownPath(&config))
	}
}
