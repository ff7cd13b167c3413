package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsFS should be set by the migrations package to embed migration files.
// This allows the migrations to be compiled into the binary.
//
// Usage in a migrations package:
//
//	//go:embed *.sql
//	var migrationsFS embed.FS
//
//	func init() {
//	    database.MigrationsFS = migrationsFS
//	}
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS containing migration files.
var MigrationsDir = "."

// ErrNoMigrations is returned when MigrationsFS has not been registered.
var ErrNoMigrations = errors.New("database: no migrations registered")

// migrationLogger adapts Logger to the golang-migrate logging interface.
type migrationLogger struct {
	logger Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Debug("migration", "detail", fmt.Sprintf(format, v...))
}

func (l migrationLogger) Verbose() bool {
	return false
}

// newMigrator builds a golang-migrate instance over the embedded files and
// the live connection.
//
// The returned instance must not be closed: closing it closes the shared
// *sql.DB as well.
func (db *DB) newMigrator() (*migrate.Migrate, error) {
	if MigrationsFS == nil {
		return nil, ErrNoMigrations
	}

	src, err := iofs.New(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, DriverName, driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	m.Log = migrationLogger{logger: db.logger}
	return m, nil
}

// Migrate applies all pending migrations to the database.
//
// Each migration file runs in its own transaction. If a migration fails the
// schema is left at the last good version and marked dirty; fix the file and
// force the version before re-running.
//
// Parameters:
//   - ctx: Context checked before work starts
//
// Returns:
//   - error: If any migration fails
func (db *DB) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := db.newMigrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			db.logger.Debug("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck // informational only
	db.logger.Info("database migrations applied", "version", version)
	return nil
}

// MigrateDown rolls back the most recent migration.
// This is primarily for development and testing.
func (db *DB) MigrateDown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := db.newMigrator()
	if err != nil {
		return err
	}

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rolling back migration: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version and whether the last
// migration left the schema dirty. Version 0 means nothing is applied.
func (db *DB) MigrationVersion() (uint, bool, error) {
	m, err := db.newMigrator()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading migration version: %w", err)
	}
	return version, dirty, nil
}
