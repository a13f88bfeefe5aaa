package screening

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/db"
)

type ttiRepoPG struct{ pool *pgxpool.Pool }

func NewTTIRepoPG(pool *pgxpool.Pool) TTIRepository {
	return &ttiRepoPG{pool: pool}
}

func (r *ttiRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const ttiCols = `id, unit_id, test_name, COALESCE(method, ''), COALESCE(kit_lot_number, ''), result,
	COALESCE(verified_by, ''), tested_at, verified_at, correction, correction_of, superseded, created_at`

func scanTTI(row pgx.Row) (*TTIResult, error) {
	var r TTIResult
	err := row.Scan(&r.ID, &r.UnitID, &r.TestName, &r.Method, &r.KitLotNumber, &r.Result,
		&r.VerifiedBy, &r.TestedAt, &r.VerifiedAt, &r.Correction, &r.CorrectionOf, &r.Superseded, &r.CreatedAt)
	if err != nil {
		return nil, db.Translate(err)
	}
	return &r, nil
}

func (r *ttiRepoPG) Create(ctx context.Context, res *TTIResult) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tti_result (id, unit_id, test_name, method, kit_lot_number, result,
			verified_by, tested_at, verified_at, correction, correction_of, superseded, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		res.ID, res.UnitID, res.TestName, res.Method, res.KitLotNumber, res.Result,
		res.VerifiedBy, res.TestedAt, res.VerifiedAt, res.Correction, res.CorrectionOf, res.Superseded, res.CreatedAt)
	return db.Translate(err)
}

func (r *ttiRepoPG) GetCurrent(ctx context.Context, unitID uuid.UUID, testName string) (*TTIResult, error) {
	return scanTTI(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ttiCols+` FROM tti_result
		WHERE unit_id = $1 AND test_name = $2 AND NOT superseded`, unitID, testName))
}

func (r *ttiRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*TTIResult, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TTIResult
	for rows.Next() {
		res, err := scanTTI(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *ttiRepoPG) ListCurrent(ctx context.Context, unitID uuid.UUID) ([]*TTIResult, error) {
	return r.list(ctx, `SELECT `+ttiCols+` FROM tti_result WHERE unit_id = $1 AND NOT superseded ORDER BY test_name`, unitID)
}

func (r *ttiRepoPG) ListAll(ctx context.Context, unitID uuid.UUID) ([]*TTIResult, error) {
	return r.list(ctx, `SELECT `+ttiCols+` FROM tti_result WHERE unit_id = $1 ORDER BY created_at, test_name`, unitID)
}

func (r *ttiRepoPG) Supersede(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE tti_result SET superseded = TRUE WHERE id = $1 AND NOT superseded`, id)
	if err != nil {
		return db.Translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrConflict
	}
	return nil
}

type groupingRepoPG struct{ pool *pgxpool.Pool }

func NewGroupingRepoPG(pool *pgxpool.Pool) GroupingRepository {
	return &groupingRepoPG{pool: pool}
}

func (r *groupingRepoPG) Create(ctx context.Context, g *PatientGrouping) error {
	antibodies := g.Antibodies
	if antibodies == nil {
		antibodies = []string{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_grouping (id, patient_id, blood_group, antibodies, verification_method,
			sample_id, typed_by, verified_by, typed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.PatientID, g.BloodGroup, antibodies, g.VerificationMethod,
		g.SampleID, g.TypedBy, g.VerifiedBy, g.TypedAt, g.CreatedAt)
	return db.Translate(err)
}

func (r *groupingRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientGrouping, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, patient_id, blood_group, antibodies, verification_method,
			COALESCE(sample_id, ''), typed_by, COALESCE(verified_by, ''), typed_at, created_at
		FROM patient_grouping WHERE patient_id = $1 ORDER BY typed_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PatientGrouping
	for rows.Next() {
		var g PatientGrouping
		if err := rows.Scan(&g.ID, &g.PatientID, &g.BloodGroup, &g.Antibodies, &g.VerificationMethod,
			&g.SampleID, &g.TypedBy, &g.VerifiedBy, &g.TypedAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
