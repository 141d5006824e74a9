package storage

import (
	"context"
	"database/sql"
	"time"
)

// PendingCleanup records a relocation whose copy succeeded but whose source
// could not be deleted. It survives restarts so the deletion can be retried.
type PendingCleanup struct {
	ID          int64
	Source      Ref
	Destination Ref
	Reason      string
	Attempts    int
	CreatedAt   time.Time
	LastAttempt sql.NullTime
}

// CleanupRepository stores pending cleanups.
type CleanupRepository interface {
	// Enqueue is idempotent per (source, destination) pair.
	Enqueue(ctx context.Context, source, destination Ref, reason string) error
	ListOpen(ctx context.Context, limit int) ([]*PendingCleanup, error)
	MarkAttempt(ctx context.Context, id int64, reason string) error
	Resolve(ctx context.Context, id int64) error
}
