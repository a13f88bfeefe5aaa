package issuance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

// MemoryStore backs both repositories for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	issues  map[uuid.UUID]*IssueRecord
	bedside map[uuid.UUID][]*BedsideVerification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:  make(map[uuid.UUID]*IssueRecord),
		bedside: make(map[uuid.UUID][]*BedsideVerification),
	}
}

func (m *MemoryStore) Issues() IssueRepository { return (*memIssues)(m) }
func (m *MemoryStore) Bedside() BedsideRepository { return (*memBedside)(m) }

type memIssues MemoryStore

func copyIssue(r *IssueRecord) *IssueRecord {
	cp := *r
	cp.Gates = append(cp.Gates[:0:0], r.Gates...)
	return &cp
}

func (s *memIssues) Create(_ context.Context, r *IssueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.issues {
		if existing.UnitID == r.UnitID {
			return apperr.ErrConflict
		}
	}
	s.issues[r.ID] = copyIssue(r)
	return nil
}

func (s *memIssues) GetByID(_ context.Context, id uuid.UUID) (*IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.issues[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return copyIssue(r), nil
}

func (s *memIssues) GetByUnit(_ context.Context, unitID uuid.UUID) (*IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.issues {
		if r.UnitID == unitID {
			return copyIssue(r), nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (s *memIssues) stamp(id uuid.UUID, field func(*IssueRecord) **time.Time, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.issues[id]
	if !ok {
		return apperr.ErrNotFound
	}
	p := field(r)
	if *p != nil {
		return apperr.ErrConflict
	}
	t := at
	*p = &t
	return nil
}

func (s *memIssues) MarkBedsideVerified(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.stamp(id, func(r *IssueRecord) **time.Time { return &r.BedsideVerifiedAt }, at)
}

func (s *memIssues) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.stamp(id, func(r *IssueRecord) **time.Time { return &r.CompletedAt }, at)
}

func (s *memIssues) MarkAbandonAlerted(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.stamp(id, func(r *IssueRecord) **time.Time { return &r.AbandonAlertedAt }, at)
}

func (s *memIssues) ListOpen(_ context.Context, cutoff time.Time, limit int) ([]*IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*IssueRecord
	for _, r := range s.issues {
		if r.BedsideVerifiedAt != nil && r.CompletedAt == nil && r.AbandonAlertedAt == nil && r.IssuedAt.Before(cutoff) {
			out = append(out, copyIssue(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memBedside MemoryStore

func (s *memBedside) Create(_ context.Context, v *BedsideVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.bedside[v.IssueID] = append(s.bedside[v.IssueID], &cp)
	return nil
}

func (s *memBedside) ListByIssue(_ context.Context, issueID uuid.UUID) ([]*BedsideVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BedsideVerification, 0, len(s.bedside[issueID]))
	for _, v := range s.bedside[issueID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
