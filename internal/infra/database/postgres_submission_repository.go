// internal/infra/database/postgres_submission_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	uniqueViolation          = "23505"
	protocolUniqueConstraint = "ux_claims_submissions_protocol"
)

const submissionColumns = `id, input_file_name, input_file_full_path, output_file_name, output_file_full_path,
       protocol, validation_error, submission_status_id, upload_date, send_date,
       last_response_attempt_date, response_date, correspondent_id`

type PostgresSubmissionRepository struct {
	db DBTX
}

func NewPostgresSubmissionRepository(db DBTX) *PostgresSubmissionRepository {
	return &PostgresSubmissionRepository{db: db}
}

func (r *PostgresSubmissionRepository) Create(ctx context.Context, s *submission.Submission) error {
	query := `INSERT INTO claims_submissions (` + submissionColumns + `)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.InputFileName, s.InputFileFullPath, s.OutputFileName, s.OutputFileFullPath,
		s.Protocol, s.ValidationError, int(s.Status), s.UploadDate, s.SendDate,
		s.LastResponseAttemptDate, s.ResponseDate, s.CorrespondentID,
	)
	if err != nil {
		if isProtocolConflict(err) {
			return fmt.Errorf("%w: %s", submission.ErrDuplicateProtocol, s.Protocol.String)
		}
		return fmt.Errorf("error creating submission: %w", err)
	}
	return nil
}

func (r *PostgresSubmissionRepository) Update(ctx context.Context, s *submission.Submission) error {
	query := `UPDATE claims_submissions
               SET input_file_name = $2, input_file_full_path = $3, output_file_name = $4,
                   output_file_full_path = $5, protocol = $6, validation_error = $7,
                   submission_status_id = $8, upload_date = $9, send_date = $10,
                   last_response_attempt_date = $11, response_date = $12, correspondent_id = $13
               WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		s.ID, s.InputFileName, s.InputFileFullPath, s.OutputFileName, s.OutputFileFullPath,
		s.Protocol, s.ValidationError, int(s.Status), s.UploadDate, s.SendDate,
		s.LastResponseAttemptDate, s.ResponseDate, s.CorrespondentID,
	)
	if err != nil {
		if isProtocolConflict(err) {
			return fmt.Errorf("%w: %s", submission.ErrDuplicateProtocol, s.Protocol.String)
		}
		return fmt.Errorf("error updating submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return submission.NotFoundError("id", s.ID)
	}
	return nil
}

func (r *PostgresSubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*submission.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM claims_submissions WHERE id = $1`
	s, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, submission.NotFoundError("id", id)
		}
		return nil, fmt.Errorf("error getting submission by ID: %w", err)
	}
	return s, nil
}

func (r *PostgresSubmissionRepository) GetByProtocol(ctx context.Context, protocol string) (*submission.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM claims_submissions WHERE protocol = $1`
	s, err := scanSubmission(r.db.QueryRowContext(ctx, query, protocol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, submission.NotFoundError("protocol", protocol)
		}
		return nil, fmt.Errorf("error getting submission by protocol: %w", err)
	}
	return s, nil
}

func (r *PostgresSubmissionRepository) ListByStatus(ctx context.Context, status submission.Status, offset, limit int) ([]*submission.Submission, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims_submissions WHERE submission_status_id = $1`, int(status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("error counting submissions by status: %w", err)
	}

	query := `SELECT ` + submissionColumns + `
               FROM claims_submissions
               WHERE submission_status_id = $1
               ORDER BY upload_date, id
               LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, int(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("error listing submissions by status: %w", err)
	}
	defer rows.Close()

	items, err := scanSubmissions(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *PostgresSubmissionRepository) ListByCorrespondent(ctx context.Context, correspondentID uuid.UUID, from, to *time.Time) ([]*submission.Submission, error) {
	query := `SELECT ` + submissionColumns + `
               FROM claims_submissions
               WHERE correspondent_id = $1
                 AND ($2::timestamptz IS NULL OR upload_date >= $2)
                 AND ($3::timestamptz IS NULL OR upload_date <= $3)
               ORDER BY upload_date, id`
	rows, err := r.db.QueryContext(ctx, query, correspondentID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("error listing submissions by correspondent: %w", err)
	}
	defer rows.Close()
	return scanSubmissions(rows)
}

func (r *PostgresSubmissionRepository) ListPendingResponse(ctx context.Context, cutoff time.Time) ([]*submission.Submission, error) {
	query := `SELECT ` + submissionColumns + `
               FROM claims_submissions
               WHERE send_date IS NOT NULL
                 AND submission_status_id = $1
                 AND (last_response_attempt_date IS NULL OR last_response_attempt_date <= $2)
               ORDER BY send_date ASC, id` // Process the longest-waiting first
	rows, err := r.db.QueryContext(ctx, query, int(submission.StatusSent), cutoff)
	if err != nil {
		return nil, fmt.Errorf("error listing submissions pending response: %w", err)
	}
	defer rows.Close()
	return scanSubmissions(rows)
}

func (r *PostgresSubmissionRepository) ListOverdue(ctx context.Context, sentBefore time.Time) ([]*submission.Submission, error) {
	query := `SELECT ` + submissionColumns + `
               FROM claims_submissions
               WHERE submission_status_id = $1
                 AND send_date <= $2
               ORDER BY send_date ASC, id`
	rows, err := r.db.QueryContext(ctx, query, int(submission.StatusSent), sentBefore)
	if err != nil {
		return nil, fmt.Errorf("error listing overdue submissions: %w", err)
	}
	defer rows.Close()
	return scanSubmissions(rows)
}

func scanSubmission(row rowScanner) (*submission.Submission, error) {
	s := submission.Submission{}
	var status int
	err := row.Scan(
		&s.ID, &s.InputFileName, &s.InputFileFullPath, &s.OutputFileName, &s.OutputFileFullPath,
		&s.Protocol, &s.ValidationError, &status, &s.UploadDate, &s.SendDate,
		&s.LastResponseAttemptDate, &s.ResponseDate, &s.CorrespondentID,
	)
	if err != nil {
		return nil, err
	}
	s.Status = submission.Status(status)
	return &s, nil
}

func scanSubmissions(rows *sql.Rows) ([]*submission.Submission, error) {
	items := make([]*submission.Submission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning submission row: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission rows: %w", err)
	}
	return items, nil
}

func isProtocolConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation && pqErr.Constraint == protocolUniqueConstraint
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
