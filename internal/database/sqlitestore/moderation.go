package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/moderation"
	"tangled.org/arabica.social/modgate/internal/tracing"
)

// ErrVersionConflict is returned when a counter row changed between the
// read and the write of UpdateCounters.
var ErrVersionConflict = errors.New("counter version conflict")

// ModerationStore implements database.Store using SQLite.
type ModerationStore struct {
	db *sql.DB
}

// NewModerationStore creates a ModerationStore backed by the given database.
// The database must already have the schema applied (see Open).
func NewModerationStore(db *sql.DB) *ModerationStore {
	return &ModerationStore{db: db}
}

// Ensure ModerationStore implements the interface at compile time.
var _ database.Store = (*ModerationStore)(nil)

// ========== Rollout overrides ==========

func (s *ModerationStore) LoadRolloutOverrides(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rollout_overrides WHERE deployment = ?`, deployment).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rollout overrides: %w", err)
	}

	var o moderation.RolloutOverrides
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollout overrides: %w", err)
	}
	return &o, nil
}

func (s *ModerationStore) SaveRolloutOverrides(ctx context.Context, deployment string, o moderation.RolloutOverrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollout_overrides (deployment, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(deployment) DO UPDATE SET
			data       = excluded.data,
			updated_at = excluded.updated_at
	`, deployment, string(data), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save rollout overrides: %w", err)
	}
	return nil
}

// ========== Counters ==========

const counterColumns = `user_id, post_strikes, comment_strikes, dm_strikes, global_strikes,
	last_violation_at, risk_score, risk_level, probation_until, muted, mute_expires, mute_reason, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounters(row rowScanner) (*moderation.UserCounters, error) {
	var c moderation.UserCounters
	var lastViolation, probation, muteExpires sql.NullString
	var muted int
	err := row.Scan(&c.UserID, &c.PostStrikes, &c.CommentStrikes, &c.DMStrikes, &c.GlobalStrikes,
		&lastViolation, &c.RiskScore, &c.RiskLevel, &probation, &muted, &muteExpires, &c.MuteReason, &c.Version)
	if err == sql.ErrNoRows {
		return nil, moderation.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastViolationAt = parseTime(lastViolation)
	c.ProbationUntil = parseTime(probation)
	c.MuteExpires = parseTime(muteExpires)
	c.Muted = muted == 1
	return &c, nil
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func (s *ModerationStore) GetCounters(ctx context.Context, userID string) (*moderation.UserCounters, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+counterColumns+` FROM user_counters WHERE user_id = ?`, userID)
	return scanCounters(row)
}

func (s *ModerationStore) CreateCounters(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_counters (user_id, risk_level, version) VALUES (?, ?, 1)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, string(moderation.RiskLow))
	if err != nil {
		return fmt.Errorf("create counters: %w", err)
	}
	return nil
}

// UpdateCounters reads and rewrites the row inside one immediate
// transaction. The write is additionally guarded by the version it read.
func (s *ModerationStore) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	ctx, span := tracing.StoreSpan(ctx, "sqlite", "update_counters")
	defer span.End()

	c, err := s.updateCounters(ctx, userID, fn)
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}
	return c, nil
}

func (s *ModerationStore) updateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := scanCounters(tx.QueryRowContext(ctx, `SELECT `+counterColumns+` FROM user_counters WHERE user_id = ?`, userID))
	if err != nil {
		return nil, err
	}

	next := *current
	if err := fn(&next); err != nil {
		if errors.Is(err, moderation.ErrSkipWrite) {
			return current, nil
		}
		return nil, err
	}
	next.UserID = userID
	next.Version = current.Version + 1

	muted := 0
	if next.Muted {
		muted = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE user_counters SET
			post_strikes = ?, comment_strikes = ?, dm_strikes = ?, global_strikes = ?,
			last_violation_at = ?, risk_score = ?, risk_level = ?, probation_until = ?,
			muted = ?, mute_expires = ?, mute_reason = ?, version = ?
		WHERE user_id = ? AND version = ?
	`, next.PostStrikes, next.CommentStrikes, next.DMStrikes, next.GlobalStrikes,
		formatTime(next.LastViolationAt), next.RiskScore, string(next.RiskLevel), formatTime(next.ProbationUntil),
		muted, formatTime(next.MuteExpires), next.MuteReason, next.Version,
		userID, current.Version)
	if err != nil {
		return nil, fmt.Errorf("update counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update counters for %s: %w", userID, ErrVersionConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &next, nil
}

// ========== Audit Log ==========

func (s *ModerationStore) AppendAudit(ctx context.Context, entry moderation.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO moderation_audit_log (id, action, actor_id, subject_user_id, reason, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Action), entry.ActorID, entry.SubjectUserID, entry.Reason,
		string(data), entry.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

// ListAudit orders by id, which is a TID and therefore creation order.
func (s *ModerationStore) ListAudit(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(ctx, `ORDER BY id DESC LIMIT ?`, sqlLimit(limit))
}

func (s *ModerationStore) ListAuditForUser(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(ctx, `WHERE subject_user_id = ? ORDER BY id DESC LIMIT ?`, userID, sqlLimit(limit))
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *ModerationStore) listAudit(ctx context.Context, clause string, args ...any) ([]moderation.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM moderation_audit_log `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []moderation.AuditEntry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var e moderation.AuditEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ========== Housekeeping ==========

func (s *ModerationStore) Stats(ctx context.Context) (database.Stats, error) {
	var st database.Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(muted), 0) FROM user_counters`).
		Scan(&st.TrackedUsers, &st.MutedUsers)
	if err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM moderation_audit_log`).Scan(&st.AuditEntries)
	return st, err
}

func (s *ModerationStore) Close() error {
	return s.db.Close()
}
