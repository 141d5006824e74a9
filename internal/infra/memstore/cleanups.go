package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"uci_middleware/internal/domain/storage"
)

// CleanupRepository keeps relocation cleanup markers in memory.
type CleanupRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*cleanupEntry
	now     func() time.Time
}

type cleanupEntry struct {
	storage.PendingCleanup
	resolved bool
}

func NewCleanupRepository() *CleanupRepository {
	return &CleanupRepository{entries: make(map[int64]*cleanupEntry), now: time.Now}
}

func (r *CleanupRepository) Enqueue(ctx context.Context, source, destination storage.Ref, reason string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.resolved && e.Source == source && e.Destination == destination {
			e.Reason = reason
			return nil
		}
	}
	r.nextID++
	r.entries[r.nextID] = &cleanupEntry{PendingCleanup: storage.PendingCleanup{
		ID:          r.nextID,
		Source:      source,
		Destination: destination,
		Reason:      reason,
		CreatedAt:   r.now().UTC(),
	}}
	return nil
}

func (r *CleanupRepository) ListOpen(ctx context.Context, limit int) ([]*storage.PendingCleanup, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*storage.PendingCleanup, 0)
	for _, e := range r.entries {
		if !e.resolved {
			cp := e.PendingCleanup
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CleanupRepository) MarkAttempt(ctx context.Context, id int64, reason string) error {
	return r.update(ctx, id, func(e *cleanupEntry) {
		e.Reason = reason
	})
}

func (r *CleanupRepository) Resolve(ctx context.Context, id int64) error {
	return r.update(ctx, id, func(e *cleanupEntry) {
		e.resolved = true
	})
}

func (r *CleanupRepository) update(ctx context.Context, id int64, fn func(e *cleanupEntry)) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("relocation cleanup %d not found", id)
	}
	e.Attempts++
	e.LastAttempt = sql.NullTime{Time: r.now().UTC(), Valid: true}
	fn(e)
	return nil
}
