package mtp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const releaseCols = `id, branch_id, patient_id, COALESCE(requested_group, ''),
	requested_prbc, requested_ffp, requested_platelets, prbc_units, ffp_units, platelet_units,
	unit_ids, issue_ids, gates_evaluated, partial_fulfillment,
	shortfall_prbc, shortfall_ffp, shortfall_platelets, COALESCE(archive_key, ''), released_at, released_by`

func scanRelease(row pgx.Row) (*Release, error) {
	var (
		r     Release
		group string
		gates []byte
	)
	err := row.Scan(&r.ID, &r.BranchID, &r.PatientID, &group,
		&r.Requested.PRBC, &r.Requested.FFP, &r.Requested.Platelets, &r.PRBCUnits, &r.FFPUnits, &r.PlateletUnits,
		&r.UnitIDs, &r.IssueIDs, &gates, &r.PartialFulfillment,
		&r.Shortfall.PRBC, &r.Shortfall.FFP, &r.Shortfall.Platelets, &r.ArchiveKey, &r.ReleasedAt, &r.ReleasedBy)
	if err != nil {
		return nil, db.Translate(err)
	}
	if group != "" {
		g := bloodunit.BloodGroup(group)
		r.RequestedGroup = &g
	}
	if len(gates) > 0 {
		if err := json.Unmarshal(gates, &r.GatesEvaluated); err != nil {
			return nil, fmt.Errorf("decode gates_evaluated: %w", err)
		}
	}
	return &r, nil
}

func (r *repoPG) Create(ctx context.Context, rel *Release) error {
	gates, err := json.Marshal(rel.GatesEvaluated)
	if err != nil {
		return fmt.Errorf("encode gates_evaluated: %w", err)
	}
	var group *string
	if rel.RequestedGroup != nil {
		g := string(*rel.RequestedGroup)
		group = &g
	}
	unitIDs, issueIDs := rel.UnitIDs, rel.IssueIDs
	if unitIDs == nil {
		unitIDs = []uuid.UUID{}
	}
	if issueIDs == nil {
		issueIDs = []uuid.UUID{}
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO mtp_release (id, branch_id, patient_id, requested_group,
			requested_prbc, requested_ffp, requested_platelets, prbc_units, ffp_units, platelet_units,
			unit_ids, issue_ids, gates_evaluated, partial_fulfillment,
			shortfall_prbc, shortfall_ffp, shortfall_platelets, archive_key, released_at, released_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NULLIF($18, ''),$19,$20)`,
		rel.ID, rel.BranchID, rel.PatientID, group,
		rel.Requested.PRBC, rel.Requested.FFP, rel.Requested.Platelets, rel.PRBCUnits, rel.FFPUnits, rel.PlateletUnits,
		unitIDs, issueIDs, gates, rel.PartialFulfillment,
		rel.Shortfall.PRBC, rel.Shortfall.FFP, rel.Shortfall.Platelets, rel.ArchiveKey, rel.ReleasedAt, rel.ReleasedBy)
	return db.Translate(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Release, error) {
	return scanRelease(r.conn(ctx).QueryRow(ctx, `SELECT `+releaseCols+` FROM mtp_release WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Release, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+releaseCols+` FROM mtp_release WHERE patient_id = $1 ORDER BY released_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
