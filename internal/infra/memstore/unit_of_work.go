package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
)

// UnitOfWork buffers writes between Begin and Commit. Writes issued outside a
// transaction are applied immediately. Not safe for concurrent use.
type UnitOfWork struct {
	store   *Store
	ctx     context.Context
	pending *changeset

	submissions    *submissionRepository
	errors         *errorRepository
	correspondents *correspondentRepository
}

func newUnitOfWork(store *Store) *UnitOfWork {
	u := &UnitOfWork{store: store}
	u.submissions = &submissionRepository{u: u}
	u.errors = &errorRepository{u: u}
	u.correspondents = &correspondentRepository{u: u}
	return u
}

func (u *UnitOfWork) Begin(ctx context.Context) error {
	if u.pending != nil {
		return submission.ErrTransactionAlreadyActive
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	u.ctx = ctx
	u.pending = newChangeset()
	return nil
}

// Commit applies the buffered writes. A cancelled transaction context discards
// them instead.
func (u *UnitOfWork) Commit() error {
	if u.pending == nil {
		return submission.ErrNoActiveTransaction
	}
	cs, ctx := u.pending, u.ctx
	u.pending, u.ctx = nil, nil
	if err := ctxErr(ctx); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	if cs.empty() {
		return nil
	}
	return u.store.apply(cs)
}

func (u *UnitOfWork) Rollback() error {
	u.pending, u.ctx = nil, nil
	return nil
}

func (u *UnitOfWork) InTransaction() bool {
	return u.pending != nil
}

func (u *UnitOfWork) Submissions() submission.Repository       { return u.submissions }
func (u *UnitOfWork) Errors() submission.ErrorRepository       { return u.errors }
func (u *UnitOfWork) Correspondents() correspondent.Repository { return u.correspondents }

// write routes a change into the open transaction, or applies it directly.
func (u *UnitOfWork) write(fn func(cs *changeset) error) error {
	if u.pending != nil {
		return fn(u.pending)
	}
	cs := newChangeset()
	if err := fn(cs); err != nil {
		return err
	}
	return u.store.apply(cs)
}

func (u *UnitOfWork) changes() *changeset {
	if u.pending != nil {
		return u.pending
	}
	return newChangeset()
}

type submissionRepository struct {
	u *UnitOfWork
}

func (r *submissionRepository) Create(ctx context.Context, s *submission.Submission) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	view := r.u.store.view(r.u.changes())
	if _, exists := view[s.ID]; exists {
		return fmt.Errorf("submission %s already exists", s.ID)
	}
	if err := checkProtocol(view, s); err != nil {
		return err
	}
	return r.u.write(func(cs *changeset) error {
		cs.inserted[s.ID] = true
		cs.submissions[s.ID] = s.Clone()
		return nil
	})
}

func (r *submissionRepository) Update(ctx context.Context, s *submission.Submission) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	view := r.u.store.view(r.u.changes())
	if _, exists := view[s.ID]; !exists {
		return submission.NotFoundError("id", s.ID)
	}
	if err := checkProtocol(view, s); err != nil {
		return err
	}
	return r.u.write(func(cs *changeset) error {
		cs.submissions[s.ID] = s.Clone()
		return nil
	})
}

func checkProtocol(view map[uuid.UUID]*submission.Submission, s *submission.Submission) error {
	if !s.Protocol.Valid {
		return nil
	}
	for id, other := range view {
		if id != s.ID && other.Protocol.Valid && other.Protocol.String == s.Protocol.String {
			return fmt.Errorf("%w: %s", submission.ErrDuplicateProtocol, s.Protocol.String)
		}
	}
	return nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*submission.Submission, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if s, ok := r.u.store.view(r.u.changes())[id]; ok {
		return s.Clone(), nil
	}
	return nil, submission.NotFoundError("id", id)
}

func (r *submissionRepository) GetByProtocol(ctx context.Context, protocol string) (*submission.Submission, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	for _, s := range r.u.store.view(r.u.changes()) {
		if s.Protocol.Valid && s.Protocol.String == protocol {
			return s.Clone(), nil
		}
	}
	return nil, submission.NotFoundError("protocol", protocol)
}

func (r *submissionRepository) ListByStatus(ctx context.Context, status submission.Status, offset, limit int) ([]*submission.Submission, int, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, 0, err
	}
	var matched []*submission.Submission
	for _, s := range r.u.store.view(r.u.changes()) {
		if s.Status == status {
			matched = append(matched, s)
		}
	}
	sortByUpload(matched)
	total := len(matched)
	if offset >= total {
		return []*submission.Submission{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return cloneAll(matched[offset:end]), total, nil
}

func (r *submissionRepository) ListByCorrespondent(ctx context.Context, correspondentID uuid.UUID, from, to *time.Time) ([]*submission.Submission, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	matched := make([]*submission.Submission, 0)
	for _, s := range r.u.store.view(r.u.changes()) {
		if s.CorrespondentID.Valid && s.CorrespondentID.UUID == correspondentID && inRange(s.UploadDate, from, to) {
			matched = append(matched, s)
		}
	}
	sortByUpload(matched)
	return cloneAll(matched), nil
}

func (r *submissionRepository) ListPendingResponse(ctx context.Context, cutoff time.Time) ([]*submission.Submission, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	matched := make([]*submission.Submission, 0)
	for _, s := range r.u.store.view(r.u.changes()) {
		if !s.SendDate.Valid || s.Status != submission.StatusSent {
			continue
		}
		if s.LastResponseAttemptDate.Valid && s.LastResponseAttemptDate.Time.After(cutoff) {
			continue
		}
		matched = append(matched, s)
	}
	sortBySendDate(matched)
	return cloneAll(matched), nil
}

func (r *submissionRepository) ListOverdue(ctx context.Context, sentBefore time.Time) ([]*submission.Submission, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	matched := make([]*submission.Submission, 0)
	for _, s := range r.u.store.view(r.u.changes()) {
		if s.Status == submission.StatusSent && s.SendDate.Valid && !s.SendDate.Time.After(sentBefore) {
			matched = append(matched, s)
		}
	}
	sortBySendDate(matched)
	return cloneAll(matched), nil
}

type errorRepository struct {
	u *UnitOfWork
}

func (r *errorRepository) GetErrorTypes(ctx context.Context, codes []string) (map[string]submission.ErrorType, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.u.store.mu.RLock()
	defer r.u.store.mu.RUnlock()
	out := make(map[string]submission.ErrorType, len(codes))
	for _, c := range codes {
		if et, ok := r.u.store.errorTypes[c]; ok {
			out[c] = et
		}
	}
	return out, nil
}

func (r *errorRepository) AddFlowErrors(ctx context.Context, submissionID uuid.UUID, errs []submission.FlowError) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, ok := r.u.store.view(r.u.changes())[submissionID]; !ok {
		return submission.NotFoundError("id", submissionID)
	}
	for i := range errs {
		errs[i].SubmissionID = submissionID
		errs[i].ID = r.u.store.allocateID()
	}
	return r.u.write(func(cs *changeset) error {
		cs.flowErrors = append(cs.flowErrors, errs...)
		return nil
	})
}

func (r *errorRepository) AddClaimErrors(ctx context.Context, submissionID uuid.UUID, errs []submission.ClaimError) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, ok := r.u.store.view(r.u.changes())[submissionID]; !ok {
		return submission.NotFoundError("id", submissionID)
	}
	for i := range errs {
		ce := &errs[i]
		ce.SubmissionID = submissionID
		ce.ID = r.u.store.allocateID()
		for j := range ce.Details {
			ce.Details[j].ClaimID = ce.ID
			ce.Details[j].ID = r.u.store.allocateID()
		}
	}
	return r.u.write(func(cs *changeset) error {
		for _, ce := range errs {
			cs.claimErrors = append(cs.claimErrors, cloneClaim(ce))
		}
		return nil
	})
}

func (r *errorRepository) ListFlowErrors(ctx context.Context, submissionID uuid.UUID) ([]submission.FlowError, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.u.store.mu.RLock()
	all := append([]submission.FlowError(nil), r.u.store.flowErrors...)
	r.u.store.mu.RUnlock()
	all = append(all, r.u.changes().flowErrors...)

	out := make([]submission.FlowError, 0)
	for _, fe := range all {
		if fe.SubmissionID == submissionID {
			out = append(out, fe)
		}
	}
	return out, nil
}

func (r *errorRepository) ListClaimErrors(ctx context.Context, submissionID uuid.UUID) ([]submission.ClaimError, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.u.store.mu.RLock()
	all := append([]submission.ClaimError(nil), r.u.store.claimErrors...)
	r.u.store.mu.RUnlock()
	all = append(all, r.u.changes().claimErrors...)

	out := make([]submission.ClaimError, 0)
	for _, ce := range all {
		if ce.SubmissionID == submissionID {
			out = append(out, cloneClaim(ce))
		}
	}
	return out, nil
}

type correspondentRepository struct {
	u *UnitOfWork
}

func (r *correspondentRepository) find(match func(*correspondent.Correspondent) bool, key any) (*correspondent.Correspondent, error) {
	r.u.store.mu.RLock()
	defer r.u.store.mu.RUnlock()
	for _, c := range r.u.store.correspondents {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", correspondent.ErrNotFound, key)
}

func (r *correspondentRepository) GetByID(ctx context.Context, id uuid.UUID) (*correspondent.Correspondent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return r.find(func(c *correspondent.Correspondent) bool { return c.ID == id }, id)
}

func (r *correspondentRepository) GetByCode(ctx context.Context, code string) (*correspondent.Correspondent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return r.find(func(c *correspondent.Correspondent) bool { return c.Code == code }, code)
}

func (r *correspondentRepository) GetByUciCode(ctx context.Context, uciCode string) (*correspondent.Correspondent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return r.find(func(c *correspondent.Correspondent) bool { return c.UciCode == uciCode }, uciCode)
}

func (r *correspondentRepository) ListNotificationEnabled(ctx context.Context) ([]*correspondent.Correspondent, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	r.u.store.mu.RLock()
	defer r.u.store.mu.RUnlock()
	out := make([]*correspondent.Correspondent, 0)
	for _, c := range r.u.store.correspondents {
		if c.ReceiveNotifications && c.NotificationEmail.Valid && c.NotificationEmail.String != "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConventionalName < out[j].ConventionalName })
	return out, nil
}
