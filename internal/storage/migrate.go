package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "taskd/pkg/logx"
)

//go:embed migrations
var migrationFS embed.FS

// runMigrations applies pending migrations for dialect ("sqlite" or
// "postgres") and returns the resulting schema version.
//
// The migrate instance is not closed: closing it would close db.
func runMigrations(db *sql.DB, dialect string, log logx.Logger) (uint, error) {
	var (
		drv database.Driver
		err error
	)
	switch dialect {
	case "sqlite":
		drv, err = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	case "postgres":
		drv, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	default:
		return 0, fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
	if err != nil {
		return 0, fmt.Errorf("migrate: %s driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationFS, "migrations/"+dialect)
	if err != nil {
		return 0, fmt.Errorf("migrate: iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, drv)
	if err != nil {
		return 0, fmt.Errorf("migrate: instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate: up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migrate: version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("migrate: schema version %d is dirty", version)
	}
	log.Debug("schema migrated", logx.String("dialect", dialect), logx.Int64("version", int64(version)))
	return version, nil
}
