// Package migrate runs embedded SQL migrations against postgres. It wraps
// golang-migrate with the small surface the sandbox host needs: apply
// everything on deploy, step or roll back by hand, and force the version
// when recovering a dirty database.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Runner applies migrations from an embedded filesystem.
type Runner struct {
	db         *sql.DB
	migrations embed.FS
	migrateDir string
}

// NewRunner creates a runner over db. migrateDir is the subdirectory within
// the embedded FS holding the .sql files (e.g. "migrations"). The runner
// never closes db; the caller owns it.
func NewRunner(db *sql.DB, migrations embed.FS, migrateDir string) *Runner {
	return &Runner{
		db:         db,
		migrations: migrations,
		migrateDir: migrateDir,
	}
}

// Up applies all pending migrations. Already being at the latest version is
// not an error.
func (r *Runner) Up() error {
	m, err := r.createMigrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back all migrations.
func (r *Runner) Down() error {
	m, err := r.createMigrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Steps runs n migrations: positive is up, negative is down.
func (r *Runner) Steps(n int) error {
	m, err := r.createMigrator()
	if err != nil {
		return err
	}
	if err := m.Steps(n); err != nil {
		return fmt.Errorf("failed to run %d steps: %w", n, err)
	}
	return nil
}

// Version returns the current migration version and dirty state. A database
// with no applied migrations reports version 0, clean.
func (r *Runner) Version() (version uint, dirty bool, err error) {
	m, err := r.createMigrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Force sets the recorded version without running migrations. Used to
// recover from a dirty state after a failed migration was cleaned up by
// hand.
func (r *Runner) Force(version int) error {
	m, err := r.createMigrator()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

func (r *Runner) createMigrator() (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(r.migrations, r.migrateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	// WithInstance does not own the DB, so the migrator is never closed here.
	dbDriver, err := postgres.WithInstance(r.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}
