package transfusion

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

type MemoryRepo struct {
	mu     sync.RWMutex
	vitals map[uuid.UUID][]*TransfusionVitals
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{vitals: make(map[uuid.UUID][]*TransfusionVitals)}
}

func (m *MemoryRepo) Create(_ context.Context, v *TransfusionVitals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.vitals[v.IssueID] {
		if existing.Interval == v.Interval {
			return apperr.ErrConflict
		}
	}
	cp := *v
	m.vitals[v.IssueID] = append(m.vitals[v.IssueID], &cp)
	return nil
}

func (m *MemoryRepo) ListByIssue(_ context.Context, issueID uuid.UUID) ([]*TransfusionVitals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TransfusionVitals, 0, len(m.vitals[issueID]))
	for _, v := range m.vitals[issueID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}
