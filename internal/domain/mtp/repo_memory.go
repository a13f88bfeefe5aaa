package mtp

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

type MemoryRepo struct {
	mu       sync.RWMutex
	releases map[uuid.UUID]*Release
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{releases: make(map[uuid.UUID]*Release)}
}

func copyRelease(r *Release) *Release {
	cp := *r
	cp.UnitIDs = append([]uuid.UUID(nil), r.UnitIDs...)
	cp.IssueIDs = append([]uuid.UUID(nil), r.IssueIDs...)
	cp.GatesEvaluated = append([]Evaluation(nil), r.GatesEvaluated...)
	return &cp
}

func (m *MemoryRepo) Create(_ context.Context, r *Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[r.ID]; ok {
		return apperr.ErrConflict
	}
	m.releases[r.ID] = copyRelease(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return copyRelease(r), nil
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Release
	for _, r := range m.releases {
		if r.PatientID == patientID {
			out = append(out, copyRelease(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleasedAt.After(out[j].ReleasedAt) })
	return out, nil
}
