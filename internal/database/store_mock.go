package database

import (
	"context"

	"tangled.org/arabica.social/modgate/internal/moderation"
)

// MockStore is a mock implementation of the Store interface for testing.
// Uses function fields to allow tests to inject custom behavior.
type MockStore struct {
	// Settings operations
	LoadRolloutOverridesFunc func(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error)
	SaveRolloutOverridesFunc func(ctx context.Context, deployment string, o moderation.RolloutOverrides) error

	// Counter operations
	GetCountersFunc    func(ctx context.Context, userID string) (*moderation.UserCounters, error)
	CreateCountersFunc func(ctx context.Context, userID string) error
	UpdateCountersFunc func(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error)

	// Audit operations
	AppendAuditFunc      func(ctx context.Context, entry moderation.AuditEntry) error
	ListAuditFunc        func(ctx context.Context, limit int) ([]moderation.AuditEntry, error)
	ListAuditForUserFunc func(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error)

	StatsFunc func(ctx context.Context) (Stats, error)
	CloseFunc func() error
}

var _ Store = (*MockStore)(nil)

// LoadRolloutOverrides calls the mock function or returns no overrides if not set
func (m *MockStore) LoadRolloutOverrides(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error) {
	if m.LoadRolloutOverridesFunc != nil {
		return m.LoadRolloutOverridesFunc(ctx, deployment)
	}
	return nil, nil
}

// SaveRolloutOverrides calls the mock function or returns nil if not set
func (m *MockStore) SaveRolloutOverrides(ctx context.Context, deployment string, o moderation.RolloutOverrides) error {
	if m.SaveRolloutOverridesFunc != nil {
		return m.SaveRolloutOverridesFunc(ctx, deployment, o)
	}
	return nil
}

// GetCounters calls the mock function or returns ErrUserNotFound if not set
func (m *MockStore) GetCounters(ctx context.Context, userID string) (*moderation.UserCounters, error) {
	if m.GetCountersFunc != nil {
		return m.GetCountersFunc(ctx, userID)
	}
	return nil, moderation.ErrUserNotFound
}

// CreateCounters calls the mock function or returns nil if not set
func (m *MockStore) CreateCounters(ctx context.Context, userID string) error {
	if m.CreateCountersFunc != nil {
		return m.CreateCountersFunc(ctx, userID)
	}
	return nil
}

// UpdateCounters calls the mock function or returns ErrUserNotFound if not set
func (m *MockStore) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	if m.UpdateCountersFunc != nil {
		return m.UpdateCountersFunc(ctx, userID, fn)
	}
	return nil, moderation.ErrUserNotFound
}

// AppendAudit calls the mock function or returns nil if not set
func (m *MockStore) AppendAudit(ctx context.Context, entry moderation.AuditEntry) error {
	if m.AppendAuditFunc != nil {
		return m.AppendAuditFunc(ctx, entry)
	}
	return nil
}

// ListAudit calls the mock function or returns empty slice if not set
func (m *MockStore) ListAudit(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	if m.ListAuditFunc != nil {
		return m.ListAuditFunc(ctx, limit)
	}
	return []moderation.AuditEntry{}, nil
}

// ListAuditForUser calls the mock function or returns empty slice if not set
func (m *MockStore) ListAuditForUser(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error) {
	if m.ListAuditForUserFunc != nil {
		return m.ListAuditForUserFunc(ctx, userID, limit)
	}
	return []moderation.AuditEntry{}, nil
}

// Stats calls the mock function or returns zero stats if not set
func (m *MockStore) Stats(ctx context.Context) (Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return Stats{}, nil
}

// Close calls the mock function or returns nil if not set
func (m *MockStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
