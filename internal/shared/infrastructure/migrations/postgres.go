package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// Status describes the schema version of a PostgreSQL database.
type Status struct {
	Version uint
	Dirty   bool
}

func newPostgresMigrator(databaseURL string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrate driver: %w", err)
	}

	src, err := iofs.New(postgresFS, "postgres")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, db, nil
}

// RunPostgresMigrations applies all pending up migrations.
func RunPostgresMigrations(databaseURL string) error {
	m, db, err := newPostgresMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RollbackPostgresMigration reverts the most recent migration.
func RollbackPostgresMigration(databaseURL string) error {
	m, db, err := newPostgresMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// PostgresStatus reports the applied schema version. A fresh database
// reports version 0.
func PostgresStatus(databaseURL string) (Status, error) {
	m, db, err := newPostgresMigrator(databaseURL)
	if err != nil {
		return Status{}, err
	}
	defer db.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read version: %w", err)
	}
	return Status{Version: version, Dirty: dirty}, nil
}
