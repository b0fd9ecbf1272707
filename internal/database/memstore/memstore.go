// Package memstore is an in-process Store for tests and single-node
// development. Nothing survives a restart.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/moderation"
)

// Store keeps everything in maps behind one mutex.
type Store struct {
	mu        sync.Mutex
	overrides map[string][]byte
	counters  map[string]moderation.UserCounters
	audit     []moderation.AuditEntry
}

var _ database.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		overrides: make(map[string][]byte),
		counters:  make(map[string]moderation.UserCounters),
	}
}

// LoadRolloutOverrides implements moderation.SettingsStore.
func (s *Store) LoadRolloutOverrides(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error) {
	s.mu.Lock()
	data, ok := s.overrides[deployment]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var o moderation.RolloutOverrides
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollout overrides: %w", err)
	}
	return &o, nil
}

// SaveRolloutOverrides implements moderation.SettingsStore. The record is
// stored serialized so callers never share maps with the store.
func (s *Store) SaveRolloutOverrides(ctx context.Context, deployment string, o moderation.RolloutOverrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout overrides: %w", err)
	}
	s.mu.Lock()
	s.overrides[deployment] = data
	s.mu.Unlock()
	return nil
}

// GetCounters implements moderation.CounterStore.
func (s *Store) GetCounters(ctx context.Context, userID string) (*moderation.UserCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[userID]
	if !ok {
		return nil, moderation.ErrUserNotFound
	}
	return &c, nil
}

// CreateCounters implements moderation.CounterStore.
func (s *Store) CreateCounters(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[userID]; ok {
		return nil
	}
	s.counters[userID] = moderation.UserCounters{UserID: userID, RiskLevel: moderation.RiskLow, Version: 1}
	return nil
}

// UpdateCounters implements moderation.CounterStore. fn runs under the store lock.
func (s *Store) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.counters[userID]
	if !ok {
		return nil, moderation.ErrUserNotFound
	}

	next := current
	if err := fn(&next); err != nil {
		if errors.Is(err, moderation.ErrSkipWrite) {
			return &current, nil
		}
		return nil, err
	}
	next.UserID = userID
	next.Version = current.Version + 1
	s.counters[userID] = next
	return &next, nil
}

// AppendAudit implements moderation.AuditLog.
func (s *Store) AppendAudit(ctx context.Context, entry moderation.AuditEntry) error {
	s.mu.Lock()
	s.audit = append(s.audit, entry)
	s.mu.Unlock()
	return nil
}

// ListAudit implements moderation.AuditLog.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(limit, func(moderation.AuditEntry) bool { return true }), nil
}

// ListAuditForUser implements moderation.AuditLog.
func (s *Store) ListAuditForUser(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(limit, func(e moderation.AuditEntry) bool { return e.SubjectUserID == userID }), nil
}

func (s *Store) listAudit(limit int, match func(moderation.AuditEntry) bool) []moderation.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []moderation.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(s.audit[i]) {
			out = append(out, s.audit[i])
		}
	}
	return out
}

// Stats implements database.Store.
func (s *Store) Stats(ctx context.Context) (database.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := database.Stats{TrackedUsers: len(s.counters), AuditEntries: len(s.audit)}
	for _, c := range s.counters {
		if c.Muted {
			st.MutedUsers++
		}
	}
	return st, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
