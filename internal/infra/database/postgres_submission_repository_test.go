package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"uci_middleware/internal/domain/submission"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func nullCorrespondent() uuid.NullUUID { return uuid.NullUUID{} }

var submissionColumnNames = []string{
	"id", "input_file_name", "input_file_full_path", "output_file_name", "output_file_full_path",
	"protocol", "validation_error", "submission_status_id", "upload_date", "send_date",
	"last_response_attempt_date", "response_date", "correspondent_id",
}

func newMockSubmissionRepository(t *testing.T) (*PostgresSubmissionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresSubmissionRepository(db), mock
}

func sentRow(id uuid.UUID, protocol string, sendDate time.Time) []driver.Value {
	return []driver.Value{
		id.String(), "a.xml", "incoming/a.xml", nil, nil,
		protocol, nil, int64(submission.StatusSent), fixedNow.Add(-time.Hour), sendDate,
		nil, nil, nil,
	}
}

func TestSubmissionRepository_GetByIDNotFound(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM claims_submissions WHERE id = $1")).
		WithArgs(id.String()).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, submission.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_GetByProtocolScansRow(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	id := uuid.New()
	rows := sqlmock.NewRows(submissionColumnNames).AddRow(sentRow(id, "P2", fixedNow)...)
	mock.ExpectQuery(regexp.QuoteMeta("FROM claims_submissions WHERE protocol = $1")).
		WithArgs("P2").
		WillReturnRows(rows)

	got, err := repo.GetByProtocol(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, submission.StatusSent, got.Status)
	assert.Equal(t, sql.NullString{String: "P2", Valid: true}, got.Protocol)
	assert.True(t, got.SendDate.Valid)
	assert.False(t, got.ResponseDate.Valid)
	assert.False(t, got.CorrespondentID.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_CreateMapsProtocolConflict(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	s := submission.New("a.xml", "incoming/a.xml", nullCorrespondent(), fixedNow)
	s.Protocol = sql.NullString{String: "P1", Valid: true}

	mock.ExpectExec("INSERT INTO claims_submissions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ux_claims_submissions_protocol"})

	err := repo.Create(context.Background(), s)
	assert.ErrorIs(t, err, submission.ErrDuplicateProtocol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_UpdateMissingRowIsNotFound(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	s := submission.New("a.xml", "incoming/a.xml", nullCorrespondent(), fixedNow)

	mock.ExpectExec("UPDATE claims_submissions").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), s)
	assert.ErrorIs(t, err, submission.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_ListByStatusPaginates(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM claims_submissions WHERE submission_status_id = $1")).
		WithArgs(int64(submission.StatusSent)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).
		WithArgs(int64(submission.StatusSent), int64(5), int64(10)).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames).AddRow(sentRow(id, "P1", fixedNow)...))

	items, total, err := repo.ListByStatus(context.Background(), submission.StatusSent, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 11, total)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_ListByCorrespondentPassesOptionalBounds(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	corr := uuid.New()
	from := fixedNow.Add(-24 * time.Hour)

	mock.ExpectQuery("WHERE correspondent_id = \\$1").
		WithArgs(corr.String(), from, nil).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames))

	items, err := repo.ListByCorrespondent(context.Background(), corr, &from, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_ListPendingResponseFiltersOnSentAndCutoff(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	cutoff := fixedNow.Add(-4 * time.Hour)
	older, newer := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY send_date ASC, id")).
		WithArgs(int64(submission.StatusSent), cutoff).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames).
			AddRow(sentRow(older, "P1", fixedNow.Add(-48*time.Hour))...).
			AddRow(sentRow(newer, "P2", fixedNow.Add(-24*time.Hour))...))

	items, err := repo.ListPendingResponse(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, older, items[0].ID)
	assert.Equal(t, newer, items[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_ListOverdueFiltersOnSendDate(t *testing.T) {
	repo, mock := newMockSubmissionRepository(t)
	sentBefore := fixedNow.Add(-4 * time.Hour)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("AND send_date <= $2")).
		WithArgs(int64(submission.StatusSent), sentBefore).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames).
			AddRow(sentRow(id, "P1", fixedNow.Add(-48*time.Hour))...))

	items, err := repo.ListOverdue(context.Background(), sentBefore)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
