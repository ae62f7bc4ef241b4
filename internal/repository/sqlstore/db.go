// Package sqlstore implements the repository interfaces on sqlx. The same
// queries run on Postgres (lib/pq) and SQLite (modernc.org/sqlite); queries
// are written with ? placeholders and rebound for the driver. Instants are
// stored as unix milliseconds so due-ness comparisons are plain integer
// comparisons on both dialects.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is a sqlx handle that knows its dialect.
type DB struct {
	*sqlx.DB
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == DriverSQLite {
		// sqlite allows one writer; serialising here avoids SQLITE_BUSY
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

func (db *DB) Postgres() bool {
	return db.DriverName() == DriverPostgres
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id                    TEXT PRIMARY KEY,
		title                 TEXT NOT NULL,
		body                  TEXT NOT NULL,
		audience              TEXT NOT NULL,
		scheduled_for         BIGINT,
		is_scheduled          BOOLEAN NOT NULL DEFAULT FALSE,
		issued_by             TEXT NOT NULL DEFAULT '',
		additional_data       TEXT,
		status                TEXT NOT NULL,
		total_recipients      INTEGER NOT NULL DEFAULT 0,
		successful_deliveries INTEGER NOT NULL DEFAULT 0,
		failed_deliveries     INTEGER NOT NULL DEFAULT 0,
		delivery_details      TEXT NOT NULL DEFAULT '[]',
		error_message         TEXT NOT NULL DEFAULT '',
		dispatch_attempts     INTEGER NOT NULL DEFAULT 0,
		due_at                BIGINT NOT NULL,
		lease_token           TEXT,
		lease_owner           TEXT,
		lease_expires_at      BIGINT,
		created_at            BIGINT NOT NULL,
		updated_at            BIGINT NOT NULL,
		completed_at          BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications (status, due_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications (created_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		id       TEXT PRIMARY KEY,
		active   BOOLEAN NOT NULL DEFAULT TRUE,
		opted_in BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		address TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_user ON devices (user_id)`,
	`CREATE TABLE IF NOT EXISTS brands (
		id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS brand_subscriptions (
		brand_id TEXT NOT NULL REFERENCES brands (id) ON DELETE CASCADE,
		user_id  TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		PRIMARY KEY (brand_id, user_id)
	)`,
}

// Migrate creates the ledger and audience tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
