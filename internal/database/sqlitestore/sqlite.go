// Package sqlitestore provides SQLite-backed store implementations.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rollout_overrides (
	deployment TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_counters (
	user_id           TEXT PRIMARY KEY,
	post_strikes      INTEGER NOT NULL DEFAULT 0,
	comment_strikes   INTEGER NOT NULL DEFAULT 0,
	dm_strikes        INTEGER NOT NULL DEFAULT 0,
	global_strikes    INTEGER NOT NULL DEFAULT 0,
	last_violation_at TEXT,
	risk_score        REAL    NOT NULL DEFAULT 0,
	risk_level        TEXT    NOT NULL DEFAULT 'low',
	probation_until   TEXT,
	muted             INTEGER NOT NULL DEFAULT 0,
	mute_expires      TEXT,
	mute_reason       TEXT    NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS moderation_audit_log (
	id              TEXT PRIMARY KEY,
	action          TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	subject_user_id TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	data            TEXT NOT NULL,
	timestamp       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_subject ON moderation_audit_log(subject_user_id, id);
`

// Open opens (creating if needed) the database at path, instrumented with
// OpenTelemetry, and applies the schema. Transactions take the write lock
// when they begin, so a counter update's read and write cannot interleave
// with another writer, including one in a different process. The pool is
// limited to one connection since SQLite has a single writer anyway.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
