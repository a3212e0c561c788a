// Package store implements the embedded relational store for jobs,
// sessions, timers, and the message log (spec §6), grounded on
// jaakkos-stringwork's internal/repository/sqlite/store.go: modernc.org/sqlite
// opened with WAL mode, schema applied via CREATE TABLE IF NOT EXISTS.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_npub TEXT NOT NULL,
	service_id TEXT NOT NULL,
	action TEXT NOT NULL,
	trigger TEXT NOT NULL,
	status TEXT NOT NULL,
	billing_date TEXT,
	access_end_date TEXT,
	outreach_count INTEGER NOT NULL DEFAULT 0,
	next_outreach_at TEXT,
	amount_sats INTEGER,
	invoice_id TEXT,
	plan_id TEXT,
	plan_display_name TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_npub);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS sessions (
	user_npub TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	otp_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS timers (
	timer_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	fire_at TEXT NOT NULL,
	fired INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (timer_type, target_id)
);
CREATE INDEX IF NOT EXISTS idx_timers_fired_fire_at ON timers(fired, fire_at);

CREATE TABLE IF NOT EXISTS message_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_npub TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_log_user ON message_log(user_npub);
`

// Store wraps the database handle; all package queries hang off it.
type Store struct {
	DB *sql.DB
}

// Open creates (or reuses) the sqlite file at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}
