package database

import (
	"context"
	"fmt"

	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type PostgresErrorRepository struct {
	db DBTX
}

func NewPostgresErrorRepository(db DBTX) *PostgresErrorRepository {
	return &PostgresErrorRepository{db: db}
}

func (r *PostgresErrorRepository) GetErrorTypes(ctx context.Context, codes []string) (map[string]submission.ErrorType, error) {
	found := make(map[string]submission.ErrorType, len(codes))
	if len(codes) == 0 {
		return found, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT code, summary FROM error_types WHERE code = ANY($1::varchar[])`, pq.Array(codes))
	if err != nil {
		return nil, fmt.Errorf("error querying error types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et submission.ErrorType
		if err := rows.Scan(&et.Code, &et.Summary); err != nil {
			return nil, fmt.Errorf("error scanning error type: %w", err)
		}
		found[et.Code] = et
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error types: %w", err)
	}
	return found, nil
}

func (r *PostgresErrorRepository) AddFlowErrors(ctx context.Context, submissionID uuid.UUID, errs []submission.FlowError) error {
	query := `INSERT INTO flow_errors (submission_id, error_code, message) VALUES ($1, $2, $3) RETURNING id`
	for i := range errs {
		fe := &errs[i]
		fe.SubmissionID = submissionID
		if err := r.db.QueryRowContext(ctx, query, submissionID, fe.ErrorCode, fe.Message).Scan(&fe.ID); err != nil {
			return fmt.Errorf("error inserting flow error (code %s): %w", fe.ErrorCode, err)
		}
	}
	return nil
}

func (r *PostgresErrorRepository) AddClaimErrors(ctx context.Context, submissionID uuid.UUID, errs []submission.ClaimError) error {
	claimQuery := `INSERT INTO claim_errors (submission_id, claim_code) VALUES ($1, $2) RETURNING id`
	detailQuery := `INSERT INTO claim_error_details (claim_id, error_code, xpath, message) VALUES ($1, $2, $3, $4) RETURNING id`
	for i := range errs {
		ce := &errs[i]
		ce.SubmissionID = submissionID
		if err := r.db.QueryRowContext(ctx, claimQuery, submissionID, ce.ClaimCode).Scan(&ce.ID); err != nil {
			return fmt.Errorf("error inserting claim error (claim %s): %w", ce.ClaimCode, err)
		}
		for j := range ce.Details {
			d := &ce.Details[j]
			d.ClaimID = ce.ID
			if err := r.db.QueryRowContext(ctx, detailQuery, ce.ID, d.ErrorCode, d.XPath, d.Message).Scan(&d.ID); err != nil {
				return fmt.Errorf("error inserting claim error detail (claim %s, code %s): %w", ce.ClaimCode, d.ErrorCode, err)
			}
		}
	}
	return nil
}

func (r *PostgresErrorRepository) ListFlowErrors(ctx context.Context, submissionID uuid.UUID) ([]submission.FlowError, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, submission_id, error_code, message FROM flow_errors WHERE submission_id = $1 ORDER BY id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("error querying flow errors: %w", err)
	}
	defer rows.Close()

	out := make([]submission.FlowError, 0)
	for rows.Next() {
		var fe submission.FlowError
		if err := rows.Scan(&fe.ID, &fe.SubmissionID, &fe.ErrorCode, &fe.Message); err != nil {
			return nil, fmt.Errorf("error scanning flow error: %w", err)
		}
		out = append(out, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow errors: %w", err)
	}
	return out, nil
}

func (r *PostgresErrorRepository) ListClaimErrors(ctx context.Context, submissionID uuid.UUID) ([]submission.ClaimError, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, submission_id, claim_code FROM claim_errors WHERE submission_id = $1 ORDER BY id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("error querying claim errors: %w", err)
	}
	claims := make([]submission.ClaimError, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var ce submission.ClaimError
		if err := rows.Scan(&ce.ID, &ce.SubmissionID, &ce.ClaimCode); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning claim error: %w", err)
		}
		index[ce.ID] = len(claims)
		claims = append(claims, ce)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating claim errors: %w", err)
	}
	rows.Close()

	if len(claims) == 0 {
		return claims, nil
	}

	detailQuery := `SELECT d.id, d.claim_id, d.error_code, d.xpath, d.message
                     FROM claim_error_details d
                     JOIN claim_errors c ON c.id = d.claim_id
                     WHERE c.submission_id = $1
                     ORDER BY d.id`
	drows, err := r.db.QueryContext(ctx, detailQuery, submissionID)
	if err != nil {
		return nil, fmt.Errorf("error querying claim error details: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var d submission.ClaimErrorDetail
		if err := drows.Scan(&d.ID, &d.ClaimID, &d.ErrorCode, &d.XPath, &d.Message); err != nil {
			return nil, fmt.Errorf("error scanning claim error detail: %w", err)
		}
		if i, ok := index[d.ClaimID]; ok {
			claims[i].Details = append(claims[i].Details, d)
		}
	}
	if err := drows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim error details: %w", err)
	}
	return claims, nil
}
