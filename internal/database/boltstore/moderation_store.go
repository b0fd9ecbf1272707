package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/moderation"
	"tangled.org/arabica.social/modgate/internal/tracing"

	bolt "go.etcd.io/bbolt"
)

// ModerationStore provides persistent storage for rollout settings,
// user counters and the audit log.
type ModerationStore struct {
	db *bolt.DB
}

var _ database.Store = (*ModerationStore)(nil)

// LoadRolloutOverrides returns the override record for deployment, or nil.
func (s *ModerationStore) LoadRolloutOverrides(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error) {
	_, span := tracing.StoreSpan(ctx, "bolt", "load_overrides")
	defer span.End()

	var o *moderation.RolloutOverrides
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketRolloutOverrides)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(deployment))
		if data == nil {
			return nil
		}

		o = &moderation.RolloutOverrides{}
		if err := json.Unmarshal(data, o); err != nil {
			return fmt.Errorf("failed to unmarshal rollout overrides: %w", err)
		}
		return nil
	})
	tracing.EndWithError(span, err)
	return o, err
}

// SaveRolloutOverrides replaces the override record for deployment.
func (s *ModerationStore) SaveRolloutOverrides(ctx context.Context, deployment string, o moderation.RolloutOverrides) error {
	_, span := tracing.StoreSpan(ctx, "bolt", "save_overrides")
	defer span.End()

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketRolloutOverrides)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketRolloutOverrides)
		}

		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal rollout overrides: %w", err)
		}

		return bucket.Put([]byte(deployment), data)
	})
	tracing.EndWithError(span, err)
	return err
}

// GetCounters returns the counters for userID or moderation.ErrUserNotFound.
func (s *ModerationStore) GetCounters(ctx context.Context, userID string) (*moderation.UserCounters, error) {
	var c *moderation.UserCounters

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCounters)
		if bucket == nil {
			return moderation.ErrUserNotFound
		}

		var err error
		c, err = getCounters(bucket, userID)
		return err
	})

	return c, err
}

// CreateCounters stores a zeroed record unless one exists.
func (s *ModerationStore) CreateCounters(ctx context.Context, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCounters)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketCounters)
		}

		if bucket.Get([]byte(userID)) != nil {
			return nil
		}

		return putCounters(bucket, moderation.UserCounters{
			UserID:    userID,
			RiskLevel: moderation.RiskLow,
			Version:   1,
		})
	})
}

// UpdateCounters runs fn inside a single write transaction. bbolt allows
// one writer at a time, so the read-modify-write is atomic.
func (s *ModerationStore) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	_, span := tracing.StoreSpan(ctx, "bolt", "update_counters")
	defer span.End()

	var result *moderation.UserCounters
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketCounters)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketCounters)
		}

		current, err := getCounters(bucket, userID)
		if err != nil {
			return err
		}

		next := *current
		if err := fn(&next); err != nil {
			if errors.Is(err, moderation.ErrSkipWrite) {
				result = current
				return nil
			}
			return err
		}
		next.UserID = userID
		next.Version = current.Version + 1

		if err := putCounters(bucket, next); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}
	return result, nil
}

func getCounters(bucket *bolt.Bucket, userID string) (*moderation.UserCounters, error) {
	data := bucket.Get([]byte(userID))
	if data == nil {
		return nil, moderation.ErrUserNotFound
	}

	var c moderation.UserCounters
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters for %s: %w", userID, err)
	}
	return &c, nil
}

func putCounters(bucket *bolt.Bucket, c moderation.UserCounters) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}
	return bucket.Put([]byte(c.UserID), data)
}

// AppendAudit stores entry under its ID. IDs are TIDs, so key order is
// creation order.
func (s *ModerationStore) AppendAudit(ctx context.Context, entry moderation.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAuditLog)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAuditLog)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}

		if err := bucket.Put([]byte(entry.ID), data); err != nil {
			return err
		}

		if entry.SubjectUserID == "" {
			return nil
		}
		index := tx.Bucket(BucketAuditByUser)
		if index == nil {
			return fmt.Errorf("bucket not found: %s", BucketAuditByUser)
		}
		return index.Put(userIndexKey(entry.SubjectUserID, entry.ID), []byte(entry.ID))
	})
}

// ListAudit returns the most recent audit log entries.
// Entries are returned in reverse chronological order (newest first).
func (s *ModerationStore) ListAudit(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	entries := []moderation.AuditEntry{}

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAuditLog)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry moderation.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip malformed entries
			}
			entries = append(entries, entry)
		}
		return nil
	})

	return entries, err
}

// ListAuditForUser walks the per-user index backwards.
func (s *ModerationStore) ListAuditForUser(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error) {
	entries := []moderation.AuditEntry{}

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketAuditByUser)
		bucket := tx.Bucket(BucketAuditLog)
		if index == nil || bucket == nil {
			return nil
		}

		prefix := userIndexKey(userID, "")
		cursor := index.Cursor()

		// Position on the last key carrying prefix.
		k, v := cursor.Seek(append(bytes.Clone(prefix), 0xff))
		if k == nil {
			k, v = cursor.Last()
		} else {
			k, v = cursor.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			data := bucket.Get(v)
			if data == nil {
				continue
			}
			var entry moderation.AuditEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})

	return entries, err
}

// userIndexKey separates user and TID with a NUL so one user id can never
// be a prefix match for another.
func userIndexKey(userID, id string) []byte {
	key := make([]byte, 0, len(userID)+1+len(id))
	key = append(key, userID...)
	key = append(key, 0)
	return append(key, id...)
}

// Stats counts tracked and muted users and audit entries.
func (s *ModerationStore) Stats(ctx context.Context) (database.Stats, error) {
	var st database.Stats

	err := s.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(BucketAuditLog); bucket != nil {
			st.AuditEntries = bucket.Stats().KeyN
		}

		bucket := tx.Bucket(BucketCounters)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			st.TrackedUsers++
			var c moderation.UserCounters
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.Muted {
				st.MutedUsers++
			}
			return nil
		})
	})

	return st, err
}

// Close closes the underlying database.
func (s *ModerationStore) Close() error {
	return s.db.Close()
}
