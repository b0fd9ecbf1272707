// Package redisstore keeps rollout settings, counters and the audit log in
// Redis so several engine replicas share one view of every user.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/moderation"
	"tangled.org/arabica.social/modgate/internal/tracing"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key this store writes.
const DefaultPrefix = "modgate/"

// maxWatchRetries bounds the optimistic WATCH loop in UpdateCounters.
const maxWatchRetries = 100

// ErrContention is returned when UpdateCounters lost the WATCH race
// maxWatchRetries times in a row.
var ErrContention = errors.New("redis: counter update contention")

// Store implements database.Store on a Redis client.
type Store struct {
	Client *redis.Client
	prefix string
}

var _ database.Store = (*Store)(nil)

// New connects to redisURL and checks the connection.
func New(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(rdb, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{Client: rdb, prefix: prefix}
}

func (s *Store) overridesKey(deployment string) string { return s.prefix + "overrides/" + deployment }
func (s *Store) countersKey(userID string) string      { return s.prefix + "counters/" + userID }
func (s *Store) usersKey() string                      { return s.prefix + "users" }
func (s *Store) mutedKey() string                      { return s.prefix + "muted" }
func (s *Store) auditKey() string                      { return s.prefix + "audit" }
func (s *Store) userAuditKey(userID string) string     { return s.prefix + "audit/user/" + userID }

// LoadRolloutOverrides implements moderation.SettingsStore.
func (s *Store) LoadRolloutOverrides(ctx context.Context, deployment string) (*moderation.RolloutOverrides, error) {
	ctx, span := tracing.StoreSpan(ctx, "redis", "load_overrides")
	defer span.End()

	data, err := s.Client.Get(ctx, s.overridesKey(deployment)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}

	var o moderation.RolloutOverrides
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollout overrides: %w", err)
	}
	return &o, nil
}

// SaveRolloutOverrides implements moderation.SettingsStore.
func (s *Store) SaveRolloutOverrides(ctx context.Context, deployment string, o moderation.RolloutOverrides) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout overrides: %w", err)
	}
	return s.Client.Set(ctx, s.overridesKey(deployment), data, 0).Err()
}

// GetCounters implements moderation.CounterStore.
func (s *Store) GetCounters(ctx context.Context, userID string) (*moderation.UserCounters, error) {
	data, err := s.Client.Get(ctx, s.countersKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, moderation.ErrUserNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeCounters(data)
}

func decodeCounters(data []byte) (*moderation.UserCounters, error) {
	var c moderation.UserCounters
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
	}
	return &c, nil
}

// CreateCounters implements moderation.CounterStore.
func (s *Store) CreateCounters(ctx context.Context, userID string) error {
	data, err := json.Marshal(moderation.UserCounters{
		UserID:    userID,
		RiskLevel: moderation.RiskLow,
		Version:   1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	created, err := s.Client.SetNX(ctx, s.countersKey(userID), data, 0).Result()
	if err != nil {
		return err
	}
	if created {
		return s.Client.SAdd(ctx, s.usersKey(), userID).Err()
	}
	return nil
}

// UpdateCounters implements moderation.CounterStore with WATCH/MULTI: the
// write is discarded if any replica touched the key in between, and the
// whole read-modify-write is repeated.
func (s *Store) UpdateCounters(ctx context.Context, userID string, fn func(c *moderation.UserCounters) error) (*moderation.UserCounters, error) {
	ctx, span := tracing.StoreSpan(ctx, "redis", "update_counters")
	defer span.End()

	key := s.countersKey(userID)
	var result *moderation.UserCounters

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return moderation.ErrUserNotFound
		} else if err != nil {
			return err
		}
		current, err := decodeCounters(data)
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

		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal counters: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if next.Muted {
				pipe.SAdd(ctx, s.mutedKey(), userID)
			} else {
				pipe.SRem(ctx, s.mutedKey(), userID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &next
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.Client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		tracing.EndWithError(span, err)
		return nil, err
	}
	err := fmt.Errorf("update counters for %s: %w", userID, ErrContention)
	tracing.EndWithError(span, err)
	return nil, err
}

// AppendAudit implements moderation.AuditLog. Entries are pushed to the head
// of a global list and, for entries about a user, of that user's list.
func (s *Store) AppendAudit(ctx context.Context, entry moderation.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.auditKey(), data)
		if entry.SubjectUserID != "" {
			pipe.LPush(ctx, s.userAuditKey(entry.SubjectUserID), data)
		}
		return nil
	})
	return err
}

// ListAudit implements moderation.AuditLog.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(ctx, s.auditKey(), limit)
}

// ListAuditForUser implements moderation.AuditLog.
func (s *Store) ListAuditForUser(ctx context.Context, userID string, limit int) ([]moderation.AuditEntry, error) {
	return s.listAudit(ctx, s.userAuditKey(userID), limit)
}

func (s *Store) listAudit(ctx context.Context, key string, limit int) ([]moderation.AuditEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.Client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]moderation.AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e moderation.AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue // Skip malformed entries
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats implements database.Store.
func (s *Store) Stats(ctx context.Context) (database.Stats, error) {
	pipe := s.Client.Pipeline()
	users := pipe.SCard(ctx, s.usersKey())
	muted := pipe.SCard(ctx, s.mutedKey())
	audit := pipe.LLen(ctx, s.auditKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return database.Stats{}, err
	}
	return database.Stats{
		TrackedUsers: int(users.Val()),
		MutedUsers:   int(muted.Val()),
		AuditEntries: int(audit.Val()),
	}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.Client.Close()
}
