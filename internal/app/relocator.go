package app

import (
	"context"
	"errors"
	"fmt"

	"uci_middleware/internal/domain/storage"

	"github.com/sirupsen/logrus"
)

var (
	ErrSourceNotFound = errors.New("relocation source not found")
	ErrCopyFailed     = errors.New("relocation copy failed")
	ErrSameLocation   = errors.New("relocation source and destination are the same object")
	// ErrSourceNotCleaned is never returned as an error. It is attached to a
	// successful MoveResult when the destination holds the data but the source
	// could not be removed.
	ErrSourceNotCleaned = errors.New("relocation source not cleaned")
)

// RelocationState tracks how far a move got.
type RelocationState int

const (
	CopyPending RelocationState = iota
	Copied
	SourceDeleted
	CopyFailed
	DeletePendingAfterCopy
)

func (s RelocationState) String() string {
	switch s {
	case CopyPending:
		return "copy_pending"
	case Copied:
		return "copied"
	case SourceDeleted:
		return "source_deleted"
	case CopyFailed:
		return "copy_failed"
	case DeletePendingAfterCopy:
		return "delete_pending_after_copy"
	default:
		return fmt.Sprintf("RelocationState(%d)", int(s))
	}
}

// MoveResult describes a completed or partially completed move.
type MoveResult struct {
	Source      storage.Ref
	Destination storage.Ref
	Location    string
	State       RelocationState
	// Warning wraps ErrSourceNotCleaned when State is DeletePendingAfterCopy.
	Warning error
}

// SourceNotCleaned reports whether the source still needs to be deleted.
func (r *MoveResult) SourceNotCleaned() bool {
	return r != nil && errors.Is(r.Warning, ErrSourceNotCleaned)
}

// Relocator moves objects between storage areas by copying then deleting.
type Relocator struct {
	store    storage.ObjectStore
	cleanups storage.CleanupRepository
	logger   logrus.FieldLogger
	metrics  Metrics
}

// NewRelocator builds a Relocator. cleanups may be nil, in which case
// SourceNotCleaned outcomes are only reported, not persisted.
func NewRelocator(store storage.ObjectStore, cleanups storage.CleanupRepository, logger logrus.FieldLogger, metrics Metrics) *Relocator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Relocator{store: store, cleanups: cleanups, logger: logger, metrics: metrics}
}

// Move copies src to dst and then deletes src.
//
// A missing source fails with ErrSourceNotFound and nothing is written. A
// failed copy fails with ErrCopyFailed and leaves the source untouched. A
// failed delete after a successful copy is not an error: the result carries
// an ErrSourceNotCleaned warning and, when a cleanup repository is configured,
// a persisted marker for RetryCleanups. Calling Move again for the same pair
// is safe; the destination is overwritten with the same content.
func (r *Relocator) Move(ctx context.Context, src, dst storage.Ref) (*MoveResult, error) {
	res, err := r.move(ctx, src, dst)
	r.metrics.Relocation(res.State.String())
	if err != nil {
		return res, err
	}
	if res.SourceNotCleaned() && r.cleanups != nil {
		// The marker must outlive a cancelled caller.
		if qErr := r.cleanups.Enqueue(context.WithoutCancel(ctx), src, dst, res.Warning.Error()); qErr != nil {
			r.logger.WithError(qErr).WithField("source", src.String()).Error("Failed to persist relocation cleanup marker")
		}
	}
	return res, nil
}

func (r *Relocator) move(ctx context.Context, src, dst storage.Ref) (*MoveResult, error) {
	res := &MoveResult{Source: src, Destination: dst, State: CopyPending}
	log := r.logger.WithFields(logrus.Fields{"source": src.String(), "destination": dst.String()})

	if src == dst {
		res.State = CopyFailed
		return res, fmt.Errorf("%w: %s", ErrSameLocation, src)
	}

	exists, err := r.store.Exists(ctx, src)
	if err != nil {
		res.State = CopyFailed
		return res, fmt.Errorf("%w: checking source %s: %w", ErrCopyFailed, src, err)
	}
	if !exists {
		res.State = CopyFailed
		return res, fmt.Errorf("%w: %s", ErrSourceNotFound, src)
	}

	location, err := r.store.Copy(ctx, src, dst)
	if err != nil {
		res.State = CopyFailed
		if errors.Is(err, storage.ErrObjectNotFound) {
			return res, fmt.Errorf("%w: %s: %w", ErrSourceNotFound, src, err)
		}
		log.WithError(err).Warn("Relocation copy failed")
		return res, fmt.Errorf("%w: %s -> %s: %w", ErrCopyFailed, src, dst, err)
	}
	res.Location = location
	res.State = Copied

	if _, err := r.store.Delete(ctx, src); err != nil {
		res.State = DeletePendingAfterCopy
		res.Warning = fmt.Errorf("%w: %s: %v", ErrSourceNotCleaned, src, err)
		log.WithError(err).Warn("Relocation copied but source was not deleted")
		return res, nil
	}
	res.State = SourceDeleted
	log.Debug("Relocation completed")
	return res, nil
}

// RetryCleanups re-runs the moves whose source deletion previously failed and
// closes the markers that no longer need work. It returns how many markers
// were resolved.
func (r *Relocator) RetryCleanups(ctx context.Context, limit int) (int, error) {
	if r.cleanups == nil {
		return 0, nil
	}
	open, err := r.cleanups.ListOpen(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list relocation cleanups: %w", err)
	}
	r.metrics.OpenCleanups(len(open))

	resolved := 0
	for _, c := range open {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		log := r.logger.WithFields(logrus.Fields{"cleanup_id": c.ID, "source": c.Source.String(), "destination": c.Destination.String()})

		exists, err := r.store.Exists(ctx, c.Source)
		if err != nil {
			log.WithError(err).Warn("Could not check relocation source")
			r.markAttempt(ctx, c, err.Error())
			continue
		}
		if !exists {
			if err := r.cleanups.Resolve(ctx, c.ID); err != nil {
				return resolved, fmt.Errorf("failed to resolve cleanup %d: %w", c.ID, err)
			}
			resolved++
			continue
		}

		res, err := r.move(ctx, c.Source, c.Destination)
		r.metrics.Relocation(res.State.String())
		switch {
		case err != nil:
			log.WithError(err).Warn("Relocation cleanup retry failed")
			r.markAttempt(ctx, c, err.Error())
		case res.SourceNotCleaned():
			r.markAttempt(ctx, c, res.Warning.Error())
		default:
			if err := r.cleanups.Resolve(ctx, c.ID); err != nil {
				return resolved, fmt.Errorf("failed to resolve cleanup %d: %w", c.ID, err)
			}
			resolved++
			log.Info("Relocation source cleaned up")
		}
	}
	return resolved, nil
}

func (r *Relocator) markAttempt(ctx context.Context, c *storage.PendingCleanup, reason string) {
	if err := r.cleanups.MarkAttempt(ctx, c.ID, reason); err != nil {
		r.logger.WithError(err).WithField("cleanup_id", c.ID).Error("Failed to record cleanup attempt")
	}
}
