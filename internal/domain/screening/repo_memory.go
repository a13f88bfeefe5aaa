package screening

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

type MemoryStore struct {
	mu        sync.RWMutex
	results   map[uuid.UUID][]*TTIResult
	groupings map[uuid.UUID][]*PatientGrouping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:   make(map[uuid.UUID][]*TTIResult),
		groupings: make(map[uuid.UUID][]*PatientGrouping),
	}
}

func (m *MemoryStore) Results() TTIRepository        { return (*memResults)(m) }
func (m *MemoryStore) Groupings() GroupingRepository { return (*memGroupings)(m) }

type memResults MemoryStore

func (r *memResults) Create(_ context.Context, res *TTIResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.results[res.UnitID] {
		if existing.TestName == res.TestName && !existing.Superseded {
			return apperr.ErrConflict
		}
	}
	cp := *res
	r.results[res.UnitID] = append(r.results[res.UnitID], &cp)
	return nil
}

func (r *memResults) GetCurrent(_ context.Context, unitID uuid.UUID, testName string) (*TTIResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range r.results[unitID] {
		if res.TestName == testName && !res.Superseded {
			cp := *res
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r *memResults) ListCurrent(_ context.Context, unitID uuid.UUID) ([]*TTIResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TTIResult
	for _, res := range r.results[unitID] {
		if !res.Superseded {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	return out, nil
}

func (r *memResults) ListAll(_ context.Context, unitID uuid.UUID) ([]*TTIResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TTIResult, 0, len(r.results[unitID]))
	for _, res := range r.results[unitID] {
		cp := *res
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memResults) Supersede(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.results {
		for _, res := range list {
			if res.ID == id {
				if res.Superseded {
					return apperr.ErrConflict
				}
				res.Superseded = true
				return nil
			}
		}
	}
	return apperr.ErrNotFound
}

type memGroupings MemoryStore

func (r *memGroupings) Create(_ context.Context, g *PatientGrouping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *g
	cp.Antibodies = append([]string(nil), g.Antibodies...)
	r.groupings[g.PatientID] = append(r.groupings[g.PatientID], &cp)
	return nil
}

func (r *memGroupings) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*PatientGrouping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PatientGrouping, 0, len(r.groupings[patientID]))
	for _, g := range r.groupings[patientID] {
		cp := *g
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TypedAt.After(out[j].TypedAt) })
	return out, nil
}
