package moderation

import "context"

// SettingsStore persists the rollout override record, one per deployment.
type SettingsStore interface {
	// LoadRolloutOverrides returns nil, nil when the deployment has no overrides.
	LoadRolloutOverrides(ctx context.Context, deployment string) (*RolloutOverrides, error)
	SaveRolloutOverrides(ctx context.Context, deployment string, o RolloutOverrides) error
}

// CounterStore persists per-user moderation counters.
type CounterStore interface {
	// GetCounters returns ErrUserNotFound for unknown users.
	GetCounters(ctx context.Context, userID string) (*UserCounters, error)
	// CreateCounters creates a zeroed record; it is a no-op if one exists.
	CreateCounters(ctx context.Context, userID string) error
	// UpdateCounters runs fn against the latest record as one atomic
	// read-modify-write and bumps Version. fn may return ErrSkipWrite to
	// leave the record untouched. Returns ErrUserNotFound for unknown users.
	UpdateCounters(ctx context.Context, userID string, fn func(c *UserCounters) error) (*UserCounters, error)
}

// AuditLog is the append-only record of every decision and suppressed penalty.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// ListAudit returns the newest entries first.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	ListAuditForUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error)
}

// Store defines the persistence the engine depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	SettingsStore
	CounterStore
	AuditLog
}
