package bloodunit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/pkg/pagination"
)

// MemoryStore implements the registry repositories in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	units    map[uuid.UUID]*BloodUnit
	changes  map[uuid.UUID][]*StatusChange
	discards map[uuid.UUID]*DiscardRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:    make(map[uuid.UUID]*BloodUnit),
		changes:  make(map[uuid.UUID][]*StatusChange),
		discards: make(map[uuid.UUID]*DiscardRecord),
	}
}

func (m *MemoryStore) Units() UnitRepository           { return (*memUnits)(m) }
func (m *MemoryStore) Changes() StatusChangeRepository { return (*memChanges)(m) }
func (m *MemoryStore) Discards() DiscardRepository     { return (*memDiscards)(m) }

type memUnits MemoryStore

func (r *memUnits) Create(_ context.Context, u *BloodUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.units {
		if existing.UnitNumber == u.UnitNumber || existing.Barcode == u.Barcode {
			return apperr.ErrConflict
		}
	}
	cp := *u
	r.units[u.ID] = &cp
	return nil
}

func (r *memUnits) GetByID(_ context.Context, id uuid.UUID) (*BloodUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUnits) GetByBarcode(_ context.Context, barcode string) (*BloodUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.units {
		if u.Barcode == barcode {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r *memUnits) List(_ context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	r.mu.RLock()
	var out []*BloodUnit
	for _, u := range r.units {
		if matches(u, f) {
			cp := *u
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].UnitNumber < out[j].UnitNumber
	})
	lo, hi := pagination.Params{Limit: limit, Offset: offset}.Window(len(out))
	return out[lo:hi], len(out), nil
}

func matches(u *BloodUnit, f Filter) bool {
	if f.BranchID != nil && u.BranchID != *f.BranchID {
		return false
	}
	if f.Component != "" && u.Component != f.Component {
		return false
	}
	if f.BloodGroup != "" && u.BloodGroup != f.BloodGroup {
		return false
	}
	if len(f.BloodGroups) > 0 && !slices.Contains(f.BloodGroups, u.BloodGroup) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	eff := u.EffectiveStatus(f.Now)
	for _, s := range f.Statuses {
		if eff == s {
			return true
		}
	}
	return false
}

func (r *memUnits) CompareAndSwap(_ context.Context, u *BloodUnit, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.units[u.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if stored.Version != expected {
		return apperr.ErrConflict
	}
	u.Version = expected + 1
	cp := *u
	r.units[u.ID] = &cp
	return nil
}

func (r *memUnits) ListExpirable(_ context.Context, now time.Time, limit int) ([]*BloodUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*BloodUnit
	for _, u := range r.units {
		if expirable[u.Status] && u.Expired(now) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memChanges MemoryStore

func (r *memChanges) Create(_ context.Context, sc *StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.changes[sc.UnitID] {
		if existing.Version == sc.Version {
			return apperr.ErrConflict
		}
	}
	cp := *sc
	r.changes[sc.UnitID] = append(r.changes[sc.UnitID], &cp)
	return nil
}

func (r *memChanges) ListByUnit(_ context.Context, unitID uuid.UUID) ([]*StatusChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StatusChange, 0, len(r.changes[unitID]))
	for _, sc := range r.changes[unitID] {
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

type memDiscards MemoryStore

func (r *memDiscards) Create(_ context.Context, d *DiscardRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.discards[d.UnitID]; ok {
		return apperr.ErrConflict
	}
	cp := *d
	r.discards[d.UnitID] = &cp
	return nil
}

func (r *memDiscards) GetByUnit(_ context.Context, unitID uuid.UUID) (*DiscardRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.discards[unitID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
