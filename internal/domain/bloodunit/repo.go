package bloodunit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories return apperr.ErrNotFound for missing rows and
// apperr.ErrConflict for a lost version race or a duplicate key.

type UnitRepository interface {
	Create(ctx context.Context, u *BloodUnit) error
	GetByID(ctx context.Context, id uuid.UUID) (*BloodUnit, error)
	GetByBarcode(ctx context.Context, barcode string) (*BloodUnit, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error)
	// CompareAndSwap persists Status and ColdChainBreached when the stored
	// version equals expected, and stores u.Version = expected+1.
	CompareAndSwap(ctx context.Context, u *BloodUnit, expected int64) error
	// ListExpirable returns units whose stored status is pre-issue and whose
	// expiry date is at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*BloodUnit, error)
}

type StatusChangeRepository interface {
	Create(ctx context.Context, sc *StatusChange) error
	ListByUnit(ctx context.Context, unitID uuid.UUID) ([]*StatusChange, error)
}

type DiscardRepository interface {
	Create(ctx context.Context, d *DiscardRecord) error
	GetByUnit(ctx context.Context, unitID uuid.UUID) (*DiscardRecord, error)
}
