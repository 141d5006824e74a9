// Package memstore is an in-memory relational store for submissions. Each
// UnitOfWork buffers its writes and applies them to the shared Store in one
// step on Commit, so other units of work never observe a partial batch.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"

	"github.com/google/uuid"
)

// Store holds committed state. It is safe for concurrent use.
type Store struct {
	mu             sync.RWMutex
	submissions    map[uuid.UUID]*submission.Submission
	flowErrors     []submission.FlowError
	claimErrors    []submission.ClaimError
	errorTypes     map[string]submission.ErrorType
	correspondents map[uuid.UUID]*correspondent.Correspondent
	nextID         int64
}

func NewStore() *Store {
	return &Store{
		submissions:    make(map[uuid.UUID]*submission.Submission),
		errorTypes:     make(map[string]submission.ErrorType),
		correspondents: make(map[uuid.UUID]*correspondent.Correspondent),
	}
}

// AddCorrespondent seeds reference data.
func (s *Store) AddCorrespondent(c *correspondent.Correspondent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.correspondents[c.ID] = &cp
}

// AddErrorType seeds the error-code catalog.
func (s *Store) AddErrorType(et submission.ErrorType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorTypes[et.Code] = et
}

// NewUnitOfWork implements submission.UnitOfWorkFactory.
func (s *Store) NewUnitOfWork() submission.UnitOfWork {
	return newUnitOfWork(s)
}

func (s *Store) allocateID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// changeset is the set of writes buffered by one transaction.
type changeset struct {
	inserted    map[uuid.UUID]bool
	submissions map[uuid.UUID]*submission.Submission
	flowErrors  []submission.FlowError
	claimErrors []submission.ClaimError
}

func newChangeset() *changeset {
	return &changeset{
		inserted:    make(map[uuid.UUID]bool),
		submissions: make(map[uuid.UUID]*submission.Submission),
	}
}

func (c *changeset) empty() bool {
	return len(c.submissions) == 0 && len(c.flowErrors) == 0 && len(c.claimErrors) == 0
}

// apply validates cs against committed state and applies it atomically.
func (s *Store) apply(cs *changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sub := range cs.submissions {
		_, exists := s.submissions[id]
		if cs.inserted[id] && exists {
			return fmt.Errorf("submission %s already exists", id)
		}
		if !cs.inserted[id] && !exists {
			return submission.NotFoundError("id", id)
		}
		if err := s.checkProtocolLocked(sub, cs); err != nil {
			return err
		}
	}
	for _, fe := range cs.flowErrors {
		if err := s.checkOwnerLocked(fe.SubmissionID, cs); err != nil {
			return err
		}
	}
	for _, ce := range cs.claimErrors {
		if err := s.checkOwnerLocked(ce.SubmissionID, cs); err != nil {
			return err
		}
	}

	for id, sub := range cs.submissions {
		s.submissions[id] = sub.Clone()
	}
	s.flowErrors = append(s.flowErrors, cs.flowErrors...)
	for _, ce := range cs.claimErrors {
		s.claimErrors = append(s.claimErrors, cloneClaim(ce))
	}
	return nil
}

func (s *Store) checkProtocolLocked(sub *submission.Submission, cs *changeset) error {
	if !sub.Protocol.Valid {
		return nil
	}
	for id, other := range s.submissions {
		if id == sub.ID {
			continue
		}
		if pending, ok := cs.submissions[id]; ok {
			other = pending
		}
		if other.Protocol.Valid && other.Protocol.String == sub.Protocol.String {
			return fmt.Errorf("%w: %s", submission.ErrDuplicateProtocol, sub.Protocol.String)
		}
	}
	for id, other := range cs.submissions {
		if id != sub.ID && other.Protocol.Valid && other.Protocol.String == sub.Protocol.String {
			return fmt.Errorf("%w: %s", submission.ErrDuplicateProtocol, sub.Protocol.String)
		}
	}
	return nil
}

func (s *Store) checkOwnerLocked(id uuid.UUID, cs *changeset) error {
	if _, ok := s.submissions[id]; ok {
		return nil
	}
	if _, ok := cs.submissions[id]; ok {
		return nil
	}
	return submission.NotFoundError("id", id)
}

// view returns the submissions visible to a unit of work holding cs.
func (s *Store) view(cs *changeset) map[uuid.UUID]*submission.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*submission.Submission, len(s.submissions)+len(cs.submissions))
	for id, sub := range s.submissions {
		out[id] = sub
	}
	for id, sub := range cs.submissions {
		out[id] = sub
	}
	return out
}

func sortByUpload(items []*submission.Submission) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UploadDate.Equal(items[j].UploadDate) {
			return items[i].UploadDate.Before(items[j].UploadDate)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func sortBySendDate(items []*submission.Submission) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].SendDate.Time, items[j].SendDate.Time
		if !a.Equal(b) {
			return a.Before(b)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func cloneAll(items []*submission.Submission) []*submission.Submission {
	out := make([]*submission.Submission, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

func cloneClaim(ce submission.ClaimError) submission.ClaimError {
	ce.Details = append([]submission.ClaimErrorDetail(nil), ce.Details...)
	return ce
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
