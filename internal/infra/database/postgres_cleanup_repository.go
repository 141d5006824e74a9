package database

import (
	"context"
	"database/sql"
	"fmt"

	"uci_middleware/internal/domain/storage"
)

// PostgresCleanupRepository persists relocation cleanups. It writes through
// the pool directly, outside of any submission unit of work.
type PostgresCleanupRepository struct {
	db *sql.DB
}

func NewPostgresCleanupRepository(db *sql.DB) *PostgresCleanupRepository {
	return &PostgresCleanupRepository{db: db}
}

func (r *PostgresCleanupRepository) Enqueue(ctx context.Context, source, destination storage.Ref, reason string) error {
	query := `INSERT INTO relocation_cleanups (source_area, source_name, dest_area, dest_name, reason)
               VALUES ($1, $2, $3, $4, $5)
               ON CONFLICT (source_area, source_name, dest_area, dest_name) WHERE resolved_at IS NULL
               DO UPDATE SET reason = EXCLUDED.reason`
	_, err := r.db.ExecContext(ctx, query, source.Area, source.Name, destination.Area, destination.Name, reason)
	if err != nil {
		return fmt.Errorf("error enqueueing relocation cleanup for %s: %w", source, err)
	}
	return nil
}

func (r *PostgresCleanupRepository) ListOpen(ctx context.Context, limit int) ([]*storage.PendingCleanup, error) {
	query := `SELECT id, source_area, source_name, dest_area, dest_name, reason, attempts, created_at, last_attempt_at
               FROM relocation_cleanups
               WHERE resolved_at IS NULL
               ORDER BY created_at ASC
               LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing relocation cleanups: %w", err)
	}
	defer rows.Close()

	out := make([]*storage.PendingCleanup, 0)
	for rows.Next() {
		c := storage.PendingCleanup{}
		if err := rows.Scan(&c.ID, &c.Source.Area, &c.Source.Name, &c.Destination.Area, &c.Destination.Name,
			&c.Reason, &c.Attempts, &c.CreatedAt, &c.LastAttempt); err != nil {
			return nil, fmt.Errorf("error scanning relocation cleanup: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relocation cleanups: %w", err)
	}
	return out, nil
}

func (r *PostgresCleanupRepository) MarkAttempt(ctx context.Context, id int64, reason string) error {
	query := `UPDATE relocation_cleanups SET attempts = attempts + 1, last_attempt_at = NOW(), reason = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("error recording cleanup attempt %d: %w", id, err)
	}
	return nil
}

func (r *PostgresCleanupRepository) Resolve(ctx context.Context, id int64) error {
	query := `UPDATE relocation_cleanups SET attempts = attempts + 1, last_attempt_at = NOW(), resolved_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("error resolving cleanup %d: %w", id, err)
	}
	return nil
}
