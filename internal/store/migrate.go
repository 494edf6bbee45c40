package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFS embed.FS

// schemaVersion is the newest migration this binary knows about. A database
// reporting a higher version was written by a newer release; refusing to run
// beats corrupting it.
const schemaVersion = 2

// runMigrations applies all pending forward migrations for the dialect.
func runMigrations(db *sql.DB, d dialect) error {
	src, err := iofs.New(migrationFS, "migrations/"+d.name)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var driver database.Driver
	switch d.name {
	case "sqlite":
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case "postgres":
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	case "mysql":
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	default:
		return fmt.Errorf("no migration driver for dialect %q", d.name)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.name, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w: migration %d left dirty", ErrSchemaMismatch, version)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: database schema v%d is newer than supported v%d",
			ErrSchemaMismatch, version, schemaVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
