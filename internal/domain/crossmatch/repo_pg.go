package crossmatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const crossMatchCols = `id, blood_unit_id, patient_id, branch_id, method, result, reservation_status,
	reservation_expires_at, performed_by, COALESCE(result_recorded_by, ''), created_at, updated_at`

func scanCrossMatch(row pgx.Row) (*CrossMatchRecord, error) {
	var c CrossMatchRecord
	err := row.Scan(&c.ID, &c.BloodUnitID, &c.PatientID, &c.BranchID, &c.Method, &c.Result, &c.ReservationStatus,
		&c.ReservationExpiresAt, &c.PerformedBy, &c.ResultRecordedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err)
	}
	return &c, nil
}

// Create relies on cross_match_active_unit_key to reject a second ACTIVE
// reservation for the same unit.
func (r *repoPG) Create(ctx context.Context, c *CrossMatchRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cross_match (`+crossMatchCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.BloodUnitID, c.PatientID, c.BranchID, c.Method, c.Result, c.ReservationStatus,
		c.ReservationExpiresAt, c.PerformedBy, c.ResultRecordedBy, c.CreatedAt, c.UpdatedAt)
	return db.Translate(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*CrossMatchRecord, error) {
	return scanCrossMatch(r.conn(ctx).QueryRow(ctx, `SELECT `+crossMatchCols+` FROM cross_match WHERE id = $1`, id))
}

func (r *repoPG) GetActiveByUnit(ctx context.Context, unitID uuid.UUID) (*CrossMatchRecord, error) {
	return scanCrossMatch(r.conn(ctx).QueryRow(ctx, `
		SELECT `+crossMatchCols+` FROM cross_match
		WHERE blood_unit_id = $1 AND reservation_status = 'ACTIVE'`, unitID))
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*CrossMatchRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CrossMatchRecord
	for rows.Next() {
		c, err := scanCrossMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*CrossMatchRecord, error) {
	return r.list(ctx, `SELECT `+crossMatchCols+` FROM cross_match WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
}

func (r *repoPG) Update(ctx context.Context, c *CrossMatchRecord, from ReservationStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cross_match
		SET result = $1, reservation_status = $2, result_recorded_by = $3, updated_at = $4
		WHERE id = $5 AND reservation_status = $6`,
		c.Result, c.ReservationStatus, c.ResultRecordedBy, c.UpdatedAt, c.ID, from)
	if err != nil {
		return db.Translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrConflict
	}
	return nil
}

func (r *repoPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]*CrossMatchRecord, error) {
	return r.list(ctx, `
		SELECT `+crossMatchCols+` FROM cross_match
		WHERE reservation_status = 'ACTIVE' AND reservation_expires_at <= $1
		ORDER BY reservation_expires_at LIMIT $2`, now, limit)
}
