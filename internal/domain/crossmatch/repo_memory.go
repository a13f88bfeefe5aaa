package crossmatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
)

type MemoryRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*CrossMatchRecord
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[uuid.UUID]*CrossMatchRecord)}
}

func (m *MemoryRepo) Create(_ context.Context, r *CrossMatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ReservationStatus == ReservationActive {
		for _, existing := range m.records {
			if existing.BloodUnitID == r.BloodUnitID && existing.ReservationStatus == ReservationActive {
				return apperr.ErrConflict
			}
		}
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*CrossMatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepo) GetActiveByUnit(_ context.Context, unitID uuid.UUID) (*CrossMatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.BloodUnitID == unitID && r.ReservationStatus == ReservationActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*CrossMatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CrossMatchRecord
	for _, r := range m.records {
		if r.PatientID == patientID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) Update(_ context.Context, r *CrossMatchRecord, from ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[r.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if stored.ReservationStatus != from {
		return apperr.ErrConflict
	}
	stored.Result = r.Result
	stored.ReservationStatus = r.ReservationStatus
	stored.ResultRecordedBy = r.ResultRecordedBy
	stored.UpdatedAt = r.UpdatedAt
	return nil
}

func (m *MemoryRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*CrossMatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CrossMatchRecord
	for _, r := range m.records {
		if r.ReservationStatus == ReservationActive && !now.Before(r.ReservationExpiresAt) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservationExpiresAt.Before(out[j].ReservationExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
