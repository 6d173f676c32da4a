// Package dbutil builds the shared database handles: a *sqlx.DB used
// directly by the orchestrator and snapshot repositories (raw SQL, CAS
// semantics), and a *gorm.DB wrapping the same underlying *sql.DB used by
// the simpler CRUD entity repositories. One pool, two access styles,
// grounded on how the teacher splits sqlx (order service) from gorm
// (product service) rather than forcing one ORM onto everything.
package dbutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/psdigitalweb/wb-automation-sub000/internal/config"
)

// Handles bundles both access styles over one connection pool.
type Handles struct {
	SQLX *sqlx.DB
	GORM *gorm.DB
}

func Open(cfg config.DatabaseConfig) (*Handles, error) {
	sqlxDB, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("dbutil: connecting: %w", err)
	}

	sqlxDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlxDB.DB,
	}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("dbutil: wrapping gorm over existing pool: %w", err)
	}

	return &Handles{SQLX: sqlxDB, GORM: gormDB}, nil
}

func (h *Handles) Close() error {
	return h.SQLX.Close()
}
