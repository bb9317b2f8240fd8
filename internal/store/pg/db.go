// Package pg implements store.Gateway on PostgreSQL, with every document
// column stored as jsonb (sessions.user_meta, messages.metadata,
// ai_accuracy.metadata).
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a pooled *sql.DB against dsn using the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// schema is applied idempotently on startup (CREATE TABLE IF NOT EXISTS
// plus additive ALTER TABLE), a migration-free bootstrap for
// single-binary deploys.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'active',
	assigned_agent  TEXT NOT NULL DEFAULT '',
	ai_paused       BOOLEAN NOT NULL DEFAULT FALSE,
	start_time      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	user_meta       JSONB NOT NULL DEFAULT '{}',
	theme           JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_last_seen ON sessions (status, last_seen DESC);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
	sender             TEXT NOT NULL,
	text               TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	confidence         DOUBLE PRECISION,
	metadata           JSONB NOT NULL DEFAULT '{}',
	encrypted          BYTEA,
	encrypted_metadata BYTEA
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS ai_accuracy (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	ai_text        TEXT NOT NULL,
	confidence     DOUBLE PRECISION,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	tokens         INTEGER NOT NULL DEFAULT 0,
	response_type  TEXT NOT NULL,
	human_mark     TEXT NOT NULL DEFAULT '',
	evaluation     TEXT NOT NULL DEFAULT '',
	metadata       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_accuracy_session ON ai_accuracy (session_id);

CREATE TABLE IF NOT EXISTS accuracy_audit (
	accuracy_id TEXT NOT NULL,
	admin_id    TEXT NOT NULL,
	action      TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canned_responses (
	pattern    TEXT PRIMARY KEY,
	match_type TEXT NOT NULL,
	content    TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	content        TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	target_user_id TEXT NOT NULL DEFAULT '',
	is_read        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Columns added after the original rollout; IF NOT EXISTS keeps the boot
-- idempotent against databases created by an earlier binary.
ALTER TABLE sessions ADD COLUMN IF NOT EXISTS assigned_agent TEXT NOT NULL DEFAULT '';
ALTER TABLE sessions ADD COLUMN IF NOT EXISTS ai_paused BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE messages ADD COLUMN IF NOT EXISTS encrypted BYTEA;
ALTER TABLE messages ADD COLUMN IF NOT EXISTS encrypted_metadata BYTEA;

CREATE TABLE IF NOT EXISTS llm_settings (
	provider          TEXT PRIMARY KEY,
	model             TEXT NOT NULL,
	encrypted_api_key BYTEA NOT NULL,
	base_url          TEXT NOT NULL DEFAULT '',
	is_active         BOOLEAN NOT NULL DEFAULT FALSE,
	health_status     TEXT NOT NULL DEFAULT 'healthy',
	last_error        TEXT NOT NULL DEFAULT ''
);
`

// Migrate applies schema. Safe to call on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
