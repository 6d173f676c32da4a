package dbutil

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/psdigitalweb/wb-automation-sub000/internal/config"
)

func sqlOpen(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("dbutil: opening migration connection: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations from migrationsDir. Safe to
// call on every process start; golang-migrate tracks applied versions in its
// own schema_migrations table.
func Migrate(cfg config.DatabaseConfig, migrationsDir string) error {
	db, err := sqlOpen(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("dbutil: building migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("dbutil: building migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("dbutil: applying migrations: %w", err)
	}
	return nil
}
