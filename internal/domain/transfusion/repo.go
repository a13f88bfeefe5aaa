package transfusion

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create returns apperr.ErrConflict when the bucket is already filled.
	Create(ctx context.Context, v *TransfusionVitals) error
	ListByIssue(ctx context.Context, issueID uuid.UUID) ([]*TransfusionVitals, error)
}
