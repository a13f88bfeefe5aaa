package mtp

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Release) error
	GetByID(ctx context.Context, id uuid.UUID) (*Release, error)
	// ListByPatient returns releases newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Release, error)
}
