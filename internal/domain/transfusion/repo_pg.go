package transfusion

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

// Create relies on transfusion_vitals_interval_key for write-once buckets.
func (r *repoPG) Create(ctx context.Context, v *TransfusionVitals) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfusion_vitals (id, issue_id, interval, temperature, pulse, systolic_bp, diastolic_bp,
			respiratory_rate, spo2, volume_transfused, adverse_reaction, recorded_by, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11, ''),$12,$13)`,
		v.ID, v.IssueID, v.Interval, v.Temperature, v.Pulse, v.SystolicBP, v.DiastolicBP,
		v.RespiratoryRate, v.SpO2, v.VolumeTransfused, v.AdverseReaction, v.RecordedBy, v.RecordedAt)
	return db.Translate(err)
}

func (r *repoPG) ListByIssue(ctx context.Context, issueID uuid.UUID) ([]*TransfusionVitals, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, issue_id, interval, temperature, pulse, systolic_bp, diastolic_bp,
			respiratory_rate, spo2, volume_transfused, COALESCE(adverse_reaction, ''), recorded_by, recorded_at
		FROM transfusion_vitals WHERE issue_id = $1 ORDER BY recorded_at`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TransfusionVitals
	for rows.Next() {
		var v TransfusionVitals
		if err := rows.Scan(&v.ID, &v.IssueID, &v.Interval, &v.Temperature, &v.Pulse, &v.SystolicBP, &v.DiastolicBP,
			&v.RespiratoryRate, &v.SpO2, &v.VolumeTransfused, &v.AdverseReaction, &v.RecordedBy, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
