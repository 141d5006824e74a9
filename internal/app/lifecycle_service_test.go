package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"
	"uci_middleware/internal/infra/logger"
	"uci_middleware/internal/infra/memstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingMetrics struct {
	nopMetrics
	mu          sync.Mutex
	transitions []string
	failures    []string
	relocations []string
}

func (m *recordingMetrics) StatusTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

func (m *recordingMetrics) OperationFailed(operation, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, operation+":"+kind)
}

func (m *recordingMetrics) Relocation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relocations = append(m.relocations, outcome)
}

type lifecycleFixture struct {
	store   *memstore.Store
	clock   *testClock
	metrics *recordingMetrics
	svc     *LifecycleServiceImpl
	c1      *correspondent.Correspondent
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	store := memstore.NewStore()
	c1 := &correspondent.Correspondent{ID: uuid.New(), Code: "C1", UciCode: "UCI-C1", ConventionalName: "First Correspondent"}
	store.AddCorrespondent(c1)
	store.AddErrorType(submission.ErrorType{Code: "F01", Summary: "malformed header"})
	store.AddErrorType(submission.ErrorType{Code: "D01", Summary: "invalid amount"})

	clock := newTestClock()
	m := &recordingMetrics{}
	svc := NewLifecycleService(store, logger.Discard(), WithClock(clock.Now), WithMetrics(m))
	return &lifecycleFixture{store: store, clock: clock, metrics: m, svc: svc, c1: c1}
}

func (f *lifecycleFixture) corr() uuid.NullUUID {
	return uuid.NullUUID{UUID: f.c1.ID, Valid: true}
}

func (f *lifecycleFixture) create(t *testing.T, name string) *submission.Submission {
	t.Helper()
	s, err := f.svc.Create(context.Background(), name, "incoming/"+name, f.corr())
	require.NoError(t, err)
	return s
}

func TestLifecycle_CreateStartsUploaded(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, "a.xml", "incoming/a.xml", f.corr())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, submission.StatusUploaded, s.Status)
	assert.Equal(t, f.clock.Now(), s.UploadDate)
	assert.False(t, s.SendDate.Valid)

	stored, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, stored)
}

func TestLifecycle_CreateRejectsInvalidInput(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "", "", uuid.NullUUID{})
	require.Error(t, err)
	assert.True(t, submission.IsValidationFailed(err))
	var ve *submission.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Violations, 2)

	page, err := f.svc.ListByStatus(ctx, submission.StatusUploaded, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount, "nothing is persisted")
	assert.Contains(t, f.metrics.failures, "create:validation_failed")
}

func TestLifecycle_CreateWithUnknownCorrespondent(t *testing.T) {
	f := newLifecycleFixture(t)
	_, err := f.svc.Create(context.Background(), "a.xml", "incoming/a.xml", uuid.NullUUID{UUID: uuid.New(), Valid: true})
	assert.ErrorIs(t, err, correspondent.ErrNotFound)
}

func TestLifecycle_FullScenario(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	s := f.create(t, "a.xml")
	assert.Equal(t, submission.StatusUploaded, s.Status)

	f.clock.Advance(time.Minute)
	sent, err := f.svc.MarkAsSent(ctx, s.ID, "PROT001")
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSent, sent.Status)
	assert.Equal(t, "PROT001", sent.Protocol.String)
	assert.Equal(t, f.clock.Now(), sent.SendDate.Time)

	f.clock.Advance(time.Hour)
	done, err := f.svc.RecordResponse(ctx, s.ID, "a_resp.xml", "/out/a_resp.xml")
	require.NoError(t, err)
	assert.Equal(t, submission.StatusCompleted, done.Status)
	require.True(t, done.ResponseDate.Valid)
	assert.Equal(t, "a_resp.xml", done.OutputFileName.String)
	assert.Equal(t, "/out/a_resp.xml", done.OutputFileFullPath.String)
	assert.Equal(t, done.ResponseDate, done.LastResponseAttemptDate)
	assert.False(t, done.ResponseDate.Time.Before(done.SendDate.Time))

	assert.Equal(t, []string{"Uploaded->Sent", "Sent->Completed"}, f.metrics.transitions)
}

func TestLifecycle_MarkAsSentOnlyOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	first, err := f.svc.MarkAsSent(ctx, s.ID, "PROT001")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.MarkAsSent(ctx, s.ID, "PROT002")
	assert.ErrorIs(t, err, submission.ErrAlreadySent)

	stored, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "PROT001", stored.Protocol.String)
	assert.Equal(t, first.SendDate, stored.SendDate)
}

func TestLifecycle_RecordResponseBeforeSendFails(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	_, err := f.svc.RecordResponse(ctx, s.ID, "a_resp.xml", "/out/a_resp.xml")
	assert.ErrorIs(t, err, submission.ErrNotYetSent)

	stored, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, stored, "nothing is mutated")
}

func TestLifecycle_RecordResponseOnlyOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")
	_, err := f.svc.MarkAsSent(ctx, s.ID, "PROT001")
	require.NoError(t, err)
	first, err := f.svc.RecordResponse(ctx, s.ID, "r.xml", "/out/r.xml")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.RecordResponse(ctx, s.ID, "other.xml", "/out/other.xml")
	assert.ErrorIs(t, err, submission.ErrInvalidTransition)

	stored, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ResponseDate, stored.ResponseDate)
	assert.Equal(t, "r.xml", stored.OutputFileName.String)
}

func TestLifecycle_OperationsOnMissingSubmission(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.svc.AdvanceStatus(ctx, id, submission.StatusSizeValidated)
	assert.ErrorIs(t, err, submission.ErrNotFound)
	_, err = f.svc.MarkAsSent(ctx, id, "P")
	assert.ErrorIs(t, err, submission.ErrNotFound)
	_, err = f.svc.RecordResponse(ctx, id, "", "")
	assert.ErrorIs(t, err, submission.ErrNotFound)
	_, err = f.svc.Get(ctx, id)
	assert.ErrorIs(t, err, submission.ErrNotFound)
	_, err = f.svc.GetWithErrors(ctx, id)
	assert.ErrorIs(t, err, submission.ErrNotFound)
}

func TestLifecycle_AdvanceStatusEnforcesSuccessor(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	_, err := f.svc.AdvanceStatus(ctx, s.ID, submission.StatusSchemaValidated)
	assert.ErrorIs(t, err, submission.ErrInvalidTransition, "skipping a stage is rejected")

	for _, target := range []submission.Status{
		submission.StatusSizeValidated,
		submission.StatusSchemaValidated,
		submission.StatusUciValidated,
	} {
		got, err := f.svc.AdvanceStatus(ctx, s.ID, target)
		require.NoError(t, err)
		assert.Equal(t, target, got.Status)
	}

	_, err = f.svc.AdvanceStatus(ctx, s.ID, submission.StatusSent)
	assert.ErrorIs(t, err, submission.ErrInvalidTransition, "Sent is reached through MarkAsSent")
	_, err = f.svc.AdvanceStatus(ctx, s.ID, submission.StatusSizeValidated)
	assert.ErrorIs(t, err, submission.ErrInvalidTransition, "backward moves are rejected")
	_, err = f.svc.AdvanceStatus(ctx, s.ID, submission.Status(99))
	assert.ErrorIs(t, err, submission.ErrInvalidTransition)

	got, err := f.svc.MarkAsSent(ctx, s.ID, "PROT001")
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSent, got.Status)
}

func TestLifecycle_GetByProtocol(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	first := f.create(t, "a.xml")
	second := f.create(t, "b.xml")
	_, err := f.svc.MarkAsSent(ctx, first.ID, "P1")
	require.NoError(t, err)
	_, err = f.svc.MarkAsSent(ctx, second.ID, "P2")
	require.NoError(t, err)

	got, err := f.svc.GetByProtocol(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = f.svc.GetByProtocol(ctx, "P3")
	assert.ErrorIs(t, err, submission.ErrNotFound)
}

func TestLifecycle_ProtocolMustBeUnique(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	first := f.create(t, "a.xml")
	second := f.create(t, "b.xml")
	_, err := f.svc.MarkAsSent(ctx, first.ID, "P1")
	require.NoError(t, err)

	_, err = f.svc.MarkAsSent(ctx, second.ID, "P1")
	assert.ErrorIs(t, err, submission.ErrDuplicateProtocol)

	stored, err := f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsSent())
}

func TestLifecycle_MarkAsSentRequiresProtocol(t *testing.T) {
	f := newLifecycleFixture(t)
	s := f.create(t, "a.xml")
	_, err := f.svc.MarkAsSent(context.Background(), s.ID, "  ")
	assert.True(t, submission.IsValidationFailed(err))
}

func TestLifecycle_ListByStatusPages(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.create(t, "f.xml").ID)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.ListByStatus(ctx, submission.StatusUploaded, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalCount)
	assert.Equal(t, 3, page.TotalPages())
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[3], page.Items[1].ID)

	page, err = f.svc.ListByStatus(ctx, submission.StatusUploaded, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[4], page.Items[0].ID)

	_, err = f.svc.ListByStatus(ctx, submission.StatusUploaded, 0, 2)
	assert.True(t, submission.IsValidationFailed(err))
	_, err = f.svc.ListByStatus(ctx, submission.StatusUploaded, 1, MaxPageSize+1)
	assert.True(t, submission.IsValidationFailed(err))
}

func TestLifecycle_ListByCorrespondentRange(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	start := f.clock.Now()
	a := f.create(t, "a.xml")
	f.clock.Advance(24 * time.Hour)
	b := f.create(t, "b.xml")
	_, err := f.svc.Create(ctx, "c.xml", "incoming/c.xml", uuid.NullUUID{})
	require.NoError(t, err)

	all, err := f.svc.ListByCorrespondent(ctx, f.c1.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	from := start.Add(time.Hour)
	later, err := f.svc.ListByCorrespondent(ctx, f.c1.ID, &from, nil)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, b.ID, later[0].ID)

	to := start
	earlier, err := f.svc.ListByCorrespondent(ctx, f.c1.ID, nil, &to)
	require.NoError(t, err)
	require.Len(t, earlier, 1)
	assert.Equal(t, a.ID, earlier[0].ID)
}

func TestLifecycle_ListPendingResponse(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	uploaded := f.create(t, "u.xml")
	older := f.create(t, "old.xml")
	_, err := f.svc.MarkAsSent(ctx, older.ID, "P-OLD")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	newer := f.create(t, "new.xml")
	_, err = f.svc.MarkAsSent(ctx, newer.ID, "P-NEW")
	require.NoError(t, err)
	done := f.create(t, "done.xml")
	_, err = f.svc.MarkAsSent(ctx, done.ID, "P-DONE")
	require.NoError(t, err)
	_, err = f.svc.RecordResponse(ctx, done.ID, "", "")
	require.NoError(t, err)

	pending, err := f.svc.ListPendingResponse(ctx, 4)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID, "longest-waiting first")
	assert.Equal(t, newer.ID, pending[1].ID)

	_, err = f.svc.RecordResponseAttempt(ctx, older.ID)
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	pending, err = f.svc.ListPendingResponse(ctx, 4)
	require.NoError(t, err)
	require.Len(t, pending, 1, "a recent attempt hides the submission")
	assert.Equal(t, newer.ID, pending[0].ID)

	f.clock.Advance(time.Hour)
	pending, err = f.svc.ListPendingResponse(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "attempt exactly at the cutoff is due again")

	for _, s := range pending {
		assert.Equal(t, submission.StatusSent, s.Status)
		assert.NotEqual(t, uploaded.ID, s.ID)
		if s.LastResponseAttemptDate.Valid {
			assert.False(t, s.LastResponseAttemptDate.Time.After(f.clock.Now().Add(-4*time.Hour)))
		}
	}

	_, err = f.svc.ListPendingResponse(ctx, -1)
	assert.True(t, submission.IsValidationFailed(err))
}

func TestLifecycle_ListOverdueIgnoresAttempts(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	old := f.create(t, "old.xml")
	_, err := f.svc.MarkAsSent(ctx, old.ID, "P-OLD")
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	recent := f.create(t, "recent.xml")
	_, err = f.svc.MarkAsSent(ctx, recent.ID, "P-RECENT")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.RecordResponseAttempt(ctx, old.ID)
	require.NoError(t, err)

	overdue, err := f.svc.ListOverdue(ctx, 4)
	require.NoError(t, err)
	require.Len(t, overdue, 1, "sent exactly 4h ago")
	assert.Equal(t, old.ID, overdue[0].ID)

	pending, err := f.svc.ListPendingResponse(ctx, 4)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, recent.ID, pending[0].ID)

	_, err = f.svc.ListOverdue(ctx, -1)
	assert.True(t, submission.IsValidationFailed(err))
}

func TestLifecycle_RecordResponseAttemptPreconditions(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	_, err := f.svc.RecordResponseAttempt(ctx, s.ID)
	assert.ErrorIs(t, err, submission.ErrNotYetSent)

	_, err = f.svc.MarkAsSent(ctx, s.ID, "P1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	got, err := f.svc.RecordResponseAttempt(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), got.LastResponseAttemptDate.Time)
	assert.Equal(t, submission.StatusSent, got.Status)
}

func TestLifecycle_RecordErrors(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	report := submission.ErrorReport{
		Summary:    "schema validation failed",
		FlowErrors: []submission.FlowError{{ErrorCode: "F01", Message: sql.NullString{String: "bad header", Valid: true}}},
		ClaimErrors: []submission.ClaimError{{
			ClaimCode: "CLM-1",
			Details:   []submission.ClaimErrorDetail{{ErrorCode: "D01", XPath: "/claims/claim[1]/amount"}},
		}},
	}
	res, err := f.svc.RecordErrors(ctx, s.ID, report)
	require.NoError(t, err)
	assert.Equal(t, "schema validation failed", res.Submission.ValidationError.String)

	loaded, err := f.svc.GetWithErrors(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, loaded.FlowErrors, 1)
	assert.Equal(t, "F01", loaded.FlowErrors[0].ErrorCode)
	require.Len(t, loaded.ClaimErrors, 1)
	require.Len(t, loaded.ClaimErrors[0].Details, 1)
	assert.Equal(t, "/claims/claim[1]/amount", loaded.ClaimErrors[0].Details[0].XPath)
	assert.Equal(t, "schema validation failed", loaded.Submission.ValidationError.String)
}

func TestLifecycle_RecordErrorsWithUnknownCodeIsAtomic(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	_, err := f.svc.RecordErrors(ctx, s.ID, submission.ErrorReport{
		Summary:    "failed",
		FlowErrors: []submission.FlowError{{ErrorCode: "F01"}, {ErrorCode: "NOPE"}},
	})
	assert.ErrorIs(t, err, submission.ErrUnknownErrorCode)
	assert.Contains(t, err.Error(), "NOPE")

	loaded, err := f.svc.GetWithErrors(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.FlowErrors)
	assert.False(t, loaded.Submission.ValidationError.Valid)
}

func TestLifecycle_GetSummaryIncludesCorrespondent(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	sum, err := f.svc.GetSummary(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, sum.Submission.ID)
	require.NotNil(t, sum.Correspondent)
	assert.Equal(t, "C1", sum.Correspondent.Code)

	orphan, err := f.svc.Create(ctx, "b.xml", "incoming/b.xml", uuid.NullUUID{})
	require.NoError(t, err)
	sum, err = f.svc.GetSummary(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, sum.Correspondent)
}

// failingCommitUnitOfWork refuses to commit, leaving its transaction open.
type failingCommitUnitOfWork struct {
	submission.UnitOfWork
	rolledBack *bool
}

func (u *failingCommitUnitOfWork) Commit() error {
	return errors.New("disk full")
}

func (u *failingCommitUnitOfWork) Rollback() error {
	*u.rolledBack = true
	return u.UnitOfWork.Rollback()
}

func TestLifecycle_CommitFailureRollsBack(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	s := f.create(t, "a.xml")

	rolledBack := false
	factory := submission.UnitOfWorkFactoryFunc(func() submission.UnitOfWork {
		return &failingCommitUnitOfWork{UnitOfWork: f.store.NewUnitOfWork(), rolledBack: &rolledBack}
	})
	svc := NewLifecycleService(factory, logger.Discard(), WithClock(f.clock.Now), WithMetrics(f.metrics))

	_, err := svc.MarkAsSent(ctx, s.ID, "P1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, rolledBack)
	assert.Contains(t, f.metrics.failures, "mark_as_sent:persistence")

	stored, err := f.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsSent())
}

func TestLifecycle_CancelledContextLeavesNothingBehind(t *testing.T) {
	f := newLifecycleFixture(t)
	s := f.create(t, "a.xml")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.MarkAsSent(ctx, s.ID, "P1")
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.svc.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsSent())
}

func TestLifecycle_ConcurrentOperationsOnDistinctSubmissions(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	const n = 20
	subs := make([]*submission.Submission, n)
	for i := range subs {
		subs[i] = f.create(t, "f.xml")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, s := range subs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.MarkAsSent(ctx, id, "P"+uuid.NewString()[:8])
			errs <- err
		}(s.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	page, err := f.svc.ListByStatus(ctx, submission.StatusSent, 1, n)
	require.NoError(t, err)
	assert.Equal(t, n, page.TotalCount)
}
