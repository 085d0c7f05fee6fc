package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Database drivers accepted by OpenDatabase.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DatabaseConfig holds the run log connection configuration.
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// OpenDatabase opens and pings the run log database.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func schema(driver string) []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS crawl_runs (
			id TEXT PRIMARY KEY,
			site TEXT NOT NULL,
			status TEXT NOT NULL,
			saved INTEGER NOT NULL DEFAULT 0,
			duplicates INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			pages INTEGER NOT NULL DEFAULT 0,
			last_page INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at ` + ts + ` NOT NULL,
			finished_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_runs_site ON crawl_runs (site, finished_at)`,
		`CREATE TABLE IF NOT EXISTS crawl_failures (
			id ` + id + `,
			run_id TEXT NOT NULL,
			site TEXT NOT NULL,
			title TEXT,
			url TEXT,
			error_type TEXT NOT NULL,
			message TEXT NOT NULL,
			occurred_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_failures_run ON crawl_failures (run_id)`,
	}
}
