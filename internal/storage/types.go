package storage

import (
	"context"
	"time"

	"courier/internal/message"
)

// Config configures storage.
//
// Driver values:
//   - "memory" (also "" and "none")
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres only; 0 means pgx default

	// Clock supplies "now" for creation checks and bookkeeping timestamps.
	Clock message.Clock
}

// DefaultDueLimit caps FindDue when the caller passes a non-positive limit.
const DefaultDueLimit = 10

// Store persists scheduled messages.
type Store interface {
	// Create persists a new PENDING record. It fails with message.ErrInvalidArgument
	// unless ScheduledFor is strictly after now. An empty ID is assigned.
	Create(ctx context.Context, m *message.ScheduledMessage) (*message.ScheduledMessage, error)

	// FindByID returns message.ErrNotFound when the record is absent or owned by someone else.
	FindByID(ctx context.Context, id, ownerID string) (*message.ScheduledMessage, error)

	// List returns the owner's records ordered by scheduled_for, then id.
	List(ctx context.Context, ownerID string, filter message.ListFilter) ([]*message.ScheduledMessage, error)

	// FindDue returns at most limit PENDING records with scheduled_for <= now, oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*message.ScheduledMessage, error)

	// UpdateStatus writes status and the set fields of upd unconditionally.
	UpdateStatus(ctx context.Context, id string, status message.Status, upd message.StatusUpdate) error

	// TransitionStatus writes only if the current status is from. It reports whether it did.
	TransitionStatus(ctx context.Context, id string, from, to message.Status, upd message.StatusUpdate) (bool, error)

	// UpdateContent applies patch while the record is PENDING, otherwise message.ErrInvalidState.
	UpdateContent(ctx context.Context, id string, patch message.ContentPatch) (*message.ScheduledMessage, error)

	// DeleteAged removes records in a terminal status created before olderThan.
	// Non-terminal statuses in statuses are ignored.
	DeleteAged(ctx context.Context, statuses []message.Status, olderThan time.Time) (int64, error)

	// AcquireLease takes the named lease when it is free, expired or already held by holder.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	Close() error
}
