// Package sqlite implements store.Gateway on an embedded SQLite database
// via modernc.org/sqlite (pure Go, no cgo), for local/dev-mode runs that
// don't have a Postgres instance handy. Schema and query shapes mirror
// store/pg as closely as SQLite's dialect allows; JSON columns are stored
// as TEXT rather than jsonb and merged in Go instead of via the database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if absent) a SQLite database at path, applying
// schema migrations before returning.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid "database is locked"

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'active',
	assigned_agent  TEXT NOT NULL DEFAULT '',
	ai_paused       INTEGER NOT NULL DEFAULT 0,
	start_time      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	user_meta       TEXT NOT NULL DEFAULT '{}',
	theme           TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_last_seen ON sessions (status, last_seen DESC);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
	sender             TEXT NOT NULL,
	text               TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	confidence         REAL,
	metadata           TEXT NOT NULL DEFAULT '{}',
	encrypted          BLOB,
	encrypted_metadata BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS ai_accuracy (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	ai_text        TEXT NOT NULL,
	confidence     REAL,
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	tokens         INTEGER NOT NULL DEFAULT 0,
	response_type  TEXT NOT NULL,
	human_mark     TEXT NOT NULL DEFAULT '',
	evaluation     TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accuracy_session ON ai_accuracy (session_id);

CREATE TABLE IF NOT EXISTS accuracy_audit (
	accuracy_id TEXT NOT NULL,
	admin_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	ts          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS canned_responses (
	pattern    TEXT PRIMARY KEY,
	match_type TEXT NOT NULL,
	content    TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	content        TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	target_user_id TEXT NOT NULL DEFAULT '',
	is_read        INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_settings (
	provider          TEXT PRIMARY KEY,
	model             TEXT NOT NULL,
	encrypted_api_key BLOB NOT NULL,
	base_url          TEXT NOT NULL DEFAULT '',
	is_active         INTEGER NOT NULL DEFAULT 0,
	health_status     TEXT NOT NULL DEFAULT 'healthy',
	last_error        TEXT NOT NULL DEFAULT ''
);
`

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
