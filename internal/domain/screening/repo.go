package screening

import (
	"context"

	"github.com/google/uuid"
)

type TTIRepository interface {
	// Create returns apperr.ErrConflict when a current row already exists
	// for the same unit and test.
	Create(ctx context.Context, r *TTIResult) error
	GetCurrent(ctx context.Context, unitID uuid.UUID, testName string) (*TTIResult, error)
	ListCurrent(ctx context.Context, unitID uuid.UUID) ([]*TTIResult, error)
	// ListAll includes superseded rows, oldest first.
	ListAll(ctx context.Context, unitID uuid.UUID) ([]*TTIResult, error)
	Supersede(ctx context.Context, id uuid.UUID) error
}

type GroupingRepository interface {
	Create(ctx context.Context, g *PatientGrouping) error
	// ListByPatient returns typings newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientGrouping, error)
}
