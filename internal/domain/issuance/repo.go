package issuance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type IssueRepository interface {
	// Create returns apperr.ErrConflict when the unit was already issued.
	Create(ctx context.Context, r *IssueRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*IssueRecord, error)
	GetByUnit(ctx context.Context, unitID uuid.UUID) (*IssueRecord, error)
	// The Mark* writes are set-once and return apperr.ErrConflict when the
	// stamp is already present.
	MarkBedsideVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAbandonAlerted(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListOpen returns bedside-verified, uncompleted, unalerted issues made
	// before cutoff, oldest first.
	ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*IssueRecord, error)
}

type BedsideRepository interface {
	Create(ctx context.Context, v *BedsideVerification) error
	// ListByIssue returns attempts oldest first.
	ListByIssue(ctx context.Context, issueID uuid.UUID) ([]*BedsideVerification, error)
}
