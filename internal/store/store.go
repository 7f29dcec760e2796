// Package store owns the Zuri SQLite database: opening it, the schema,
// the shared error taxonomy and retention cleanup.
//
// Devices and commands are the durable source of truth for the fleet core;
// content and usage_analytics back the peripheral catalog and analytics
// endpoints.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)
)

// Open opens a SQLite database at path and runs migrations.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; a single connection keeps transactions
	// from failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id        TEXT PRIMARY KEY,
		device_name      TEXT NOT NULL,
		user_id          TEXT,
		online           INTEGER NOT NULL DEFAULT 0,
		last_seen        INTEGER NOT NULL,
		battery_level    INTEGER NOT NULL DEFAULT 100,
		settings         TEXT,
		ip_address       TEXT,
		firmware_version TEXT NOT NULL DEFAULT '1.0.0',
		wifi_provisioned INTEGER NOT NULL DEFAULT 0,
		wifi_ssid        TEXT,
		provisioned_at   INTEGER,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online, last_seen);
	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

	-- Commands are owned by exactly one device; status only moves forward:
	-- pending -> sent -> completed|failed
	CREATE TABLE IF NOT EXISTS commands (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		command     TEXT NOT NULL,
		params      TEXT,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		sent_at     INTEGER,
		executed_at INTEGER,
		FOREIGN KEY (device_id) REFERENCES devices(device_id)
	);
	CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status, seq);

	CREATE TABLE IF NOT EXISTS content (
		content_id    TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		type          TEXT NOT NULL,
		age_range_min INTEGER NOT NULL DEFAULT 3,
		age_range_max INTEGER NOT NULL DEFAULT 7,
		duration      INTEGER NOT NULL,
		file_url      TEXT NOT NULL,
		thumbnail_url TEXT,
		file_size     INTEGER NOT NULL DEFAULT 0,
		checksum      TEXT,
		description   TEXT,
		tags          TEXT,
		is_premium    INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_content_type ON content(type);

	-- Append-only usage events
	CREATE TABLE IF NOT EXISTS usage_analytics (
		id         TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL,
		content_id TEXT NOT NULL,
		action     TEXT NOT NULL,
		duration   INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_device_time ON usage_analytics(device_id, timestamp);
	`

	_, err := db.Exec(schema)
	return err
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise, so callers never observe a
// partially applied state transition.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

// Millis converts t to the unix-millisecond form stored in the database.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored unix-millisecond value back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts t to a nullable timestamp column value.
func NullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// TimePtr converts a nullable timestamp column to *time.Time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullString converts s to a nullable text column value.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Bool converts a stored INTEGER flag.
func Bool(v int64) bool {
	return v != 0
}

// Flag converts b to the INTEGER flag stored in the database.
func Flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
