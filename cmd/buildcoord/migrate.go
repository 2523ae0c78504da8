package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/buildcoord/pkg/migrations"
	"github.com/getpup/buildcoord/store/sqlstore"
)

func newMigrateCmd() *cobra.Command {
	config := migrations.DefaultConfig()
	var dialect string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Generate SQL migration files for the record store",
		Example: `  buildcoord migrate --dialect postgres --output migrations
  buildcoord migrate --dialect mysql --output migrations --filename 001_init.sql --with-down
  buildcoord migrate --dialect sqlite3 --table-prefix ci_`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := sqlstore.ParseDialect(dialect)
			if err != nil {
				return err
			}
			if err := migrations.Generate(d, &config); err != nil {
				return fmt.Errorf("failed to generate migration: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", d, config.OutputFolder, config.OutputFilename)
			if config.WithDown {
				fmt.Fprintf(cmd.OutOrStdout(), "Generated %s rollback: %s\n", d, migrations.DownPath(&config))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dialect, "dialect", "postgres", "database dialect: postgres, mysql, or sqlite3")
	cmd.Flags().StringVar(&config.OutputFolder, "output", config.OutputFolder, "output folder for migration files")
	cmd.Flags().StringVar(&config.OutputFilename, "filename", config.OutputFilename, "output filename")
	cmd.Flags().StringVar(&config.TablePrefix, "table-prefix", config.TablePrefix, "prefix for every table name")
	cmd.Flags().BoolVar(&config.WithDown, "with-down", false, "also write a rollback file")
	return cmd
}
