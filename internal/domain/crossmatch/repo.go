package crossmatch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create returns apperr.ErrConflict when the unit already has an ACTIVE
	// record.
	Create(ctx context.Context, r *CrossMatchRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*CrossMatchRecord, error)
	// GetActiveByUnit returns the ACTIVE record for a unit, expired or not.
	GetActiveByUnit(ctx context.Context, unitID uuid.UUID) (*CrossMatchRecord, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*CrossMatchRecord, error)
	// Update persists Result, ReservationStatus, ResultRecordedBy and
	// UpdatedAt if the stored reservation status still equals from, and
	// returns apperr.ErrConflict otherwise.
	Update(ctx context.Context, r *CrossMatchRecord, from ReservationStatus) error
	// ListExpired returns ACTIVE records with ReservationExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*CrossMatchRecord, error)
}
