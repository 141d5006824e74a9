// internal/app/lifecycle_service.go
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxPageSize bounds ListByStatus pages.
const MaxPageSize = 500

// LifecycleService defines the operations that move a submission through its
// lifecycle. Every mutation runs inside exactly one unit of work and rolls it
// back before returning an error.
type LifecycleService interface {
	Create(ctx context.Context, inputFileName, inputFilePath string, correspondentID uuid.NullUUID) (*submission.Submission, error)
	AdvanceStatus(ctx context.Context, id uuid.UUID, target submission.Status) (*submission.Submission, error)
	MarkAsSent(ctx context.Context, id uuid.UUID, protocol string) (*submission.Submission, error)
	RecordResponse(ctx context.Context, id uuid.UUID, outputFileName, outputFilePath string) (*submission.Submission, error)
	RecordResponseAttempt(ctx context.Context, id uuid.UUID) (*submission.Submission, error)
	RecordErrors(ctx context.Context, id uuid.UUID, report submission.ErrorReport) (*submission.WithErrors, error)

	Get(ctx context.Context, id uuid.UUID) (*submission.Submission, error)
	GetSummary(ctx context.Context, id uuid.UUID) (*Summary, error)
	GetWithErrors(ctx context.Context, id uuid.UUID) (*submission.WithErrors, error)
	GetByProtocol(ctx context.Context, protocol string) (*submission.Submission, error)
	ListByStatus(ctx context.Context, status submission.Status, page, pageSize int) (*Page, error)
	ListByCorrespondent(ctx context.Context, correspondentID uuid.UUID, from, to *time.Time) ([]*submission.Submission, error)
	ListPendingResponse(ctx context.Context, olderThanHours int) ([]*submission.Submission, error)
	ListOverdue(ctx context.Context, olderThanHours int) ([]*submission.Submission, error)
}

// Summary is a submission with its correspondent, when it has one.
type Summary struct {
	Submission    *submission.Submission
	Correspondent *correspondent.Correspondent
}

// Page is one slice of a status listing. PageNumber is 1-based.
type Page struct {
	Items      []*submission.Submission
	TotalCount int
	PageNumber int
	PageSize   int
}

// TotalPages is the number of pages of PageSize needed to hold TotalCount items.
func (p *Page) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.TotalCount + p.PageSize - 1) / p.PageSize
}

// LifecycleServiceImpl implements LifecycleService.
type LifecycleServiceImpl struct {
	uowFactory submission.UnitOfWorkFactory
	validator  *submission.Validator
	logger     logrus.FieldLogger
	metrics    Metrics
	now        func() time.Time
}

// LifecycleOption customizes a LifecycleServiceImpl.
type LifecycleOption func(*LifecycleServiceImpl)

// WithClock replaces time.Now. The validator shares the same clock.
func WithClock(now func() time.Time) LifecycleOption {
	return func(s *LifecycleServiceImpl) { s.now = now }
}

func WithMetrics(m Metrics) LifecycleOption {
	return func(s *LifecycleServiceImpl) { s.metrics = m }
}

func NewLifecycleService(
	uowFactory submission.UnitOfWorkFactory,
	logger logrus.FieldLogger,
	opts ...LifecycleOption,
) *LifecycleServiceImpl {
	s := &LifecycleServiceImpl{
		uowFactory: uowFactory,
		logger:     logger,
		metrics:    nopMetrics{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = submission.NewValidator(s.now)
	return s
}

func (s *LifecycleServiceImpl) clock() time.Time {
	return s.now().UTC()
}

// inTransaction runs fn inside a fresh unit of work. The transaction is rolled
// back on any error, on panic and on cancellation; it is committed otherwise.
func (s *LifecycleServiceImpl) inTransaction(ctx context.Context, operation string, fn func(uow submission.UnitOfWork) error) (err error) {
	uow := s.uowFactory.NewUnitOfWork()
	if err := uow.Begin(ctx); err != nil {
		s.metrics.OperationFailed(operation, errorKind(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if uow.InTransaction() {
			if rbErr := uow.Rollback(); rbErr != nil {
				s.logger.WithError(rbErr).WithField("operation", operation).Error("Rollback failed")
			}
		}
		if err != nil {
			s.metrics.OperationFailed(operation, errorKind(err))
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s cancelled: %w", operation, err)
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", operation, err)
	}
	return nil
}

// mutate loads one submission, lets change alter it, re-validates and persists.
func (s *LifecycleServiceImpl) mutate(ctx context.Context, operation string, id uuid.UUID, change func(uow submission.UnitOfWork, sub *submission.Submission) error) (*submission.Submission, error) {
	var (
		result *submission.Submission
		from   submission.Status
	)
	err := s.inTransaction(ctx, operation, func(uow submission.UnitOfWork) error {
		sub, err := uow.Submissions().GetByID(ctx, id)
		if err != nil {
			return err
		}
		from = sub.Status
		if err := change(uow, sub); err != nil {
			return err
		}
		if err := s.validator.Validate(sub).Err(); err != nil {
			return err
		}
		if err := uow.Submissions().Update(ctx, sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != result.Status {
		s.metrics.StatusTransition(from.String(), result.Status.String())
	}
	return result, nil
}

func (s *LifecycleServiceImpl) Create(ctx context.Context, inputFileName, inputFilePath string, correspondentID uuid.NullUUID) (*submission.Submission, error) {
	sub := submission.New(inputFileName, inputFilePath, correspondentID, s.clock())
	log := s.logger.WithFields(logrus.Fields{"submission_id": sub.ID, "input_file": inputFileName})

	err := s.inTransaction(ctx, "create", func(uow submission.UnitOfWork) error {
		if err := s.validator.Validate(sub).Err(); err != nil {
			return err
		}
		if correspondentID.Valid {
			if _, err := uow.Correspondents().GetByID(ctx, correspondentID.UUID); err != nil {
				return fmt.Errorf("failed to resolve correspondent: %w", err)
			}
		}
		return uow.Submissions().Create(ctx, sub)
	})
	if err != nil {
		log.WithError(err).Warn("Submission not created")
		return nil, err
	}
	log.Info("Submission created")
	return sub, nil
}

// AdvanceStatus moves a submission to the legal successor of its current
// status. Sent and Completed are reachable only through MarkAsSent and
// RecordResponse, which carry the data those statuses require.
func (s *LifecycleServiceImpl) AdvanceStatus(ctx context.Context, id uuid.UUID, target submission.Status) (*submission.Submission, error) {
	sub, err := s.mutate(ctx, "advance_status", id, func(_ submission.UnitOfWork, sub *submission.Submission) error {
		if target == submission.StatusSent || target == submission.StatusCompleted {
			return fmt.Errorf("%w: %s must be reached through its dedicated operation", submission.ErrInvalidTransition, target)
		}
		if !sub.Status.CanAdvanceTo(target) {
			return fmt.Errorf("%w: %s -> %s", submission.ErrInvalidTransition, sub.Status, target)
		}
		sub.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"submission_id": id, "status": sub.Status}).Info("Submission status advanced")
	return sub, nil
}

func (s *LifecycleServiceImpl) MarkAsSent(ctx context.Context, id uuid.UUID, protocol string) (*submission.Submission, error) {
	protocol = strings.TrimSpace(protocol)
	sub, err := s.mutate(ctx, "mark_as_sent", id, func(_ submission.UnitOfWork, sub *submission.Submission) error {
		if sub.IsSent() {
			return fmt.Errorf("%w: id=%s protocol=%s", submission.ErrAlreadySent, sub.ID, sub.Protocol.String)
		}
		if !sub.Status.Precedes(submission.StatusSent) {
			return fmt.Errorf("%w: %s -> %s", submission.ErrInvalidTransition, sub.Status, submission.StatusSent)
		}
		sub.Protocol = sql.NullString{String: protocol, Valid: protocol != ""}
		sub.SendDate = sql.NullTime{Time: s.clock(), Valid: true}
		sub.Status = submission.StatusSent
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"submission_id": id, "protocol": protocol}).Info("Submission marked as sent")
	return sub, nil
}

func (s *LifecycleServiceImpl) RecordResponse(ctx context.Context, id uuid.UUID, outputFileName, outputFilePath string) (*submission.Submission, error) {
	sub, err := s.mutate(ctx, "record_response", id, func(_ submission.UnitOfWork, sub *submission.Submission) error {
		if !sub.IsSent() {
			return fmt.Errorf("%w: id=%s", submission.ErrNotYetSent, sub.ID)
		}
		if sub.HasResponse() || sub.Status != submission.StatusSent {
			return fmt.Errorf("%w: response already recorded for %s", submission.ErrInvalidTransition, sub.ID)
		}
		now := s.clock()
		sub.ResponseDate = sql.NullTime{Time: now, Valid: true}
		sub.LastResponseAttemptDate = sql.NullTime{Time: now, Valid: true}
		sub.OutputFileName = optionalString(outputFileName)
		sub.OutputFileFullPath = optionalString(outputFilePath)
		sub.Status = submission.StatusCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"submission_id": id, "output_file": outputFileName}).Info("Submission response recorded")
	return sub, nil
}

// RecordResponseAttempt stamps an unsuccessful poll for a response so that the
// pending-response scan backs off.
func (s *LifecycleServiceImpl) RecordResponseAttempt(ctx context.Context, id uuid.UUID) (*submission.Submission, error) {
	return s.mutate(ctx, "record_response_attempt", id, func(_ submission.UnitOfWork, sub *submission.Submission) error {
		if !sub.IsSent() {
			return fmt.Errorf("%w: id=%s", submission.ErrNotYetSent, sub.ID)
		}
		if sub.Status != submission.StatusSent {
			return fmt.Errorf("%w: no response is awaited in status %s", submission.ErrInvalidTransition, sub.Status)
		}
		sub.LastResponseAttemptDate = sql.NullTime{Time: s.clock(), Valid: true}
		return nil
	})
}

// RecordErrors stores the error records of report together with its summary.
// Every referenced error code must exist in the catalog. The ids generated for
// the records are written back into report's slices.
func (s *LifecycleServiceImpl) RecordErrors(ctx context.Context, id uuid.UUID, report submission.ErrorReport) (*submission.WithErrors, error) {
	sub, err := s.mutate(ctx, "record_errors", id, func(uow submission.UnitOfWork, sub *submission.Submission) error {
		if codes := report.Codes(); len(codes) > 0 {
			known, err := uow.Errors().GetErrorTypes(ctx, codes)
			if err != nil {
				return err
			}
			var missing []string
			for _, c := range codes {
				if _, ok := known[c]; !ok {
					missing = append(missing, c)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w: %s", submission.ErrUnknownErrorCode, strings.Join(missing, ", "))
			}
		}
		if len(report.FlowErrors) > 0 {
			if err := uow.Errors().AddFlowErrors(ctx, sub.ID, report.FlowErrors); err != nil {
				return err
			}
		}
		if len(report.ClaimErrors) > 0 {
			if err := uow.Errors().AddClaimErrors(ctx, sub.ID, report.ClaimErrors); err != nil {
				return err
			}
		}
		if summary := strings.TrimSpace(report.Summary); summary != "" {
			sub.ValidationError = sql.NullString{String: summary, Valid: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"submission_id": id,
		"flow_errors":   len(report.FlowErrors),
		"claim_errors":  len(report.ClaimErrors),
	}).Info("Submission errors recorded")
	return &submission.WithErrors{Submission: sub, FlowErrors: report.FlowErrors, ClaimErrors: report.ClaimErrors}, nil
}

func (s *LifecycleServiceImpl) Get(ctx context.Context, id uuid.UUID) (*submission.Submission, error) {
	return s.uowFactory.NewUnitOfWork().Submissions().GetByID(ctx, id)
}

func (s *LifecycleServiceImpl) GetSummary(ctx context.Context, id uuid.UUID) (*Summary, error) {
	uow := s.uowFactory.NewUnitOfWork()
	sub, err := uow.Submissions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Submission: sub}
	if sub.CorrespondentID.Valid {
		c, err := uow.Correspondents().GetByID(ctx, sub.CorrespondentID.UUID)
		if err != nil && !errors.Is(err, correspondent.ErrNotFound) {
			return nil, err
		}
		summary.Correspondent = c
	}
	return summary, nil
}

func (s *LifecycleServiceImpl) GetWithErrors(ctx context.Context, id uuid.UUID) (*submission.WithErrors, error) {
	uow := s.uowFactory.NewUnitOfWork()
	sub, err := uow.Submissions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	flowErrors, err := uow.Errors().ListFlowErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	claimErrors, err := uow.Errors().ListClaimErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	return &submission.WithErrors{Submission: sub, FlowErrors: flowErrors, ClaimErrors: claimErrors}, nil
}

func (s *LifecycleServiceImpl) GetByProtocol(ctx context.Context, protocol string) (*submission.Submission, error) {
	return s.uowFactory.NewUnitOfWork().Submissions().GetByProtocol(ctx, strings.TrimSpace(protocol))
}

func (s *LifecycleServiceImpl) ListByStatus(ctx context.Context, status submission.Status, page, pageSize int) (*Page, error) {
	var violations []string
	if !status.IsValid() {
		violations = append(violations, fmt.Sprintf("status %d is not a defined submission status", int(status)))
	}
	if page < 1 {
		violations = append(violations, "page must be at least 1")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		violations = append(violations, fmt.Sprintf("page size must be between 1 and %d", MaxPageSize))
	}
	if len(violations) > 0 {
		return nil, &submission.ValidationError{Violations: violations}
	}

	items, total, err := s.uowFactory.NewUnitOfWork().Submissions().ListByStatus(ctx, status, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, TotalCount: total, PageNumber: page, PageSize: pageSize}, nil
}

func (s *LifecycleServiceImpl) ListByCorrespondent(ctx context.Context, correspondentID uuid.UUID, from, to *time.Time) ([]*submission.Submission, error) {
	return s.uowFactory.NewUnitOfWork().Submissions().ListByCorrespondent(ctx, correspondentID, from, to)
}

// ListPendingResponse returns Sent submissions with no response attempt in the
// last olderThanHours hours, longest-waiting first.
func (s *LifecycleServiceImpl) ListPendingResponse(ctx context.Context, olderThanHours int) ([]*submission.Submission, error) {
	if olderThanHours < 0 {
		return nil, &submission.ValidationError{Violations: []string{"olderThanHours must not be negative"}}
	}
	cutoff := s.clock().Add(-time.Duration(olderThanHours) * time.Hour)
	items, err := s.uowFactory.NewUnitOfWork().Submissions().ListPendingResponse(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	s.metrics.PendingResponses(len(items))
	return items, nil
}

// ListOverdue returns Sent submissions sent more than olderThanHours hours ago,
// whether or not they were polled recently. Longest-waiting first.
func (s *LifecycleServiceImpl) ListOverdue(ctx context.Context, olderThanHours int) ([]*submission.Submission, error) {
	if olderThanHours < 0 {
		return nil, &submission.ValidationError{Violations: []string{"olderThanHours must not be negative"}}
	}
	sentBefore := s.clock().Add(-time.Duration(olderThanHours) * time.Hour)
	return s.uowFactory.NewUnitOfWork().Submissions().ListOverdue(ctx, sentBefore)
}

func optionalString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
