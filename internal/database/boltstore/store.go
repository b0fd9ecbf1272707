// Package boltstore provides persistent storage using BoltDB (bbolt).
// It implements database.Store for single-node deployments and the modctl
// admin tool.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketRolloutOverrides stores one JSON override record per deployment
	BucketRolloutOverrides = []byte("rollout_overrides")

	// BucketCounters stores per-user moderation counters keyed by user id
	BucketCounters = []byte("user_counters")

	// BucketAuditLog stores audit entries keyed by their TID
	BucketAuditLog = []byte("audit_log")

	// BucketAuditByUser indexes audit entries as "userID\x00TID"
	BucketAuditByUser = []byte("audit_log_by_user")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode

	// ReadOnly opens the file with a shared lock. Used by modctl for
	// read-only commands so it can run next to a live server.
	ReadOnly bool
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "modgate.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "modgate.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." && !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.ReadOnly {
		return &Store{db: db}, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketRolloutOverrides,
			BucketCounters,
			BucketAuditLog,
			BucketAuditByUser,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// ModerationStore returns a moderation store backed by this database.
// Closing it closes the database.
func (s *Store) ModerationStore() *ModerationStore {
	return &ModerationStore{db: s.db}
}

// BoltStats returns low-level database statistics.
func (s *Store) BoltStats() bolt.Stats {
	return s.db.Stats()
}
