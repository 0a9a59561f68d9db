package cli

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/lingomarket/internal/shared/infrastructure/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply, roll back or inspect PostgreSQL schema migrations.

SQLite databases used in local mode are migrated automatically when they
are opened.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := postgresTarget(cmd)
		if err != nil || url == "" {
			return err
		}
		if err := migrations.RunPostgresMigrations(url); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := postgresTarget(cmd)
		if err != nil || url == "" {
			return err
		}
		if err := migrations.RollbackPostgresMigration(url); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration.")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := postgresTarget(cmd)
		if err != nil || url == "" {
			return err
		}
		status, err := migrations.PostgresStatus(url)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("Schema version: %d", status.Version)
		if status.Dirty {
			line += " (dirty)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	},
}

// postgresTarget returns the database URL, or "" after telling the user
// that the SQLite schema needs no manual migration.
func postgresTarget(cmd *cobra.Command) (string, error) {
	app := GetApp()
	if app == nil {
		return "", errors.New("migrate requires configuration")
	}
	if app.DatabaseDriver == "sqlite" {
		fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema is migrated automatically in local mode.")
		return "", nil
	}
	if app.DatabaseURL == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	return app.DatabaseURL, nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
