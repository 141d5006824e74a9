// internal/domain/submission/repository.go
package submission

import (
	"context"
	"time"

	"uci_middleware/internal/domain/correspondent"

	"github.com/google/uuid"
)

// Repository defines persistence operations for submissions.
type Repository interface {
	Create(ctx context.Context, s *Submission) error
	Update(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)
	GetByProtocol(ctx context.Context, protocol string) (*Submission, error)
	// ListByStatus returns one page ordered by upload date then id, plus the total count.
	ListByStatus(ctx context.Context, status Status, offset, limit int) ([]*Submission, int, error)
	// ListByCorrespondent filters on upload date when from/to are non-nil (inclusive bounds).
	ListByCorrespondent(ctx context.Context, correspondentID uuid.UUID, from, to *time.Time) ([]*Submission, error)
	// ListPendingResponse returns Sent submissions whose last response attempt is
	// missing or at/before cutoff, oldest send date first.
	ListPendingResponse(ctx context.Context, cutoff time.Time) ([]*Submission, error)
	// ListOverdue returns Sent submissions sent at/before sentBefore, oldest
	// send date first. Response attempts are ignored.
	ListOverdue(ctx context.Context, sentBefore time.Time) ([]*Submission, error)
}

// ErrorRepository persists the error records a submission owns.
type ErrorRepository interface {
	GetErrorTypes(ctx context.Context, codes []string) (map[string]ErrorType, error)
	AddFlowErrors(ctx context.Context, submissionID uuid.UUID, errs []FlowError) error
	// AddClaimErrors inserts each claim record and its details, filling in the generated ids.
	AddClaimErrors(ctx context.Context, submissionID uuid.UUID, errs []ClaimError) error
	ListFlowErrors(ctx context.Context, submissionID uuid.UUID) ([]FlowError, error)
	ListClaimErrors(ctx context.Context, submissionID uuid.UUID) ([]ClaimError, error)
}

// UnitOfWork groups repository calls into one atomic transaction. An instance
// is owned by a single logical operation and must never be shared between
// concurrent callers.
//
// Begin fails with ErrTransactionAlreadyActive when a transaction is open,
// Commit with ErrNoActiveTransaction when none is. Rollback is always safe,
// including after a failed Commit. Reads and writes issued while no
// transaction is open go straight to the store.
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	InTransaction() bool

	Submissions() Repository
	Errors() ErrorRepository
	Correspondents() correspondent.Repository
}

// UnitOfWorkFactory hands out a fresh UnitOfWork per operation.
type UnitOfWorkFactory interface {
	NewUnitOfWork() UnitOfWork
}

// UnitOfWorkFactoryFunc adapts a function to UnitOfWorkFactory.
type UnitOfWorkFactoryFunc func() UnitOfWork

func (f UnitOfWorkFactoryFunc) NewUnitOfWork() UnitOfWork { return f() }
