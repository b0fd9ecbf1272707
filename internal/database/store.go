package database

import (
	"context"

	"tangled.org/arabica.social/modgate/internal/moderation"
)

// Stats is a point-in-time summary used by the metrics collector.
type Stats struct {
	TrackedUsers int
	MutedUsers   int
	AuditEntries int
}

// Store is what every storage backend provides: the engine's persistence
// plus housekeeping. All methods accept a context.Context as the first
// parameter to support cancellation, timeouts, and request-scoped values.
type Store interface {
	moderation.Store

	// Stats counts users and audit entries.
	Stats(ctx context.Context) (Stats, error)

	// Close the database connection
	Close() error
}
