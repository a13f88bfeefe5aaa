package issuance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/db"
)

type issueRepoPG struct{ pool *pgxpool.Pool }

func NewIssueRepoPG(pool *pgxpool.Pool) IssueRepository {
	return &issueRepoPG{pool: pool}
}

func (r *issueRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const issueCols = `id, unit_id, cross_match_id, mtp_release_id, patient_id, branch_id, mode,
	COALESCE(issued_to_person, ''), COALESCE(issued_to_ward, ''), transport_box_temp, visual_inspection_ok,
	COALESCE(override_gate, ''), COALESCE(override_reason, ''), COALESCE(override_by, ''), gates_evaluated,
	issued_at, issued_by, bedside_verified_at, abandon_alerted_at, completed_at`

func scanIssue(row pgx.Row) (*IssueRecord, error) {
	var (
		r                      IssueRecord
		ovGate, ovReason, ovBy string
		gates                  []byte
	)
	err := row.Scan(&r.ID, &r.UnitID, &r.CrossMatchID, &r.MTPReleaseID, &r.PatientID, &r.BranchID, &r.Mode,
		&r.IssuedToPerson, &r.IssuedToWard, &r.TransportBoxTemp, &r.VisualInspectionOK,
		&ovGate, &ovReason, &ovBy, &gates,
		&r.IssuedAt, &r.IssuedBy, &r.BedsideVerifiedAt, &r.AbandonAlertedAt, &r.CompletedAt)
	if err != nil {
		return nil, db.Translate(err)
	}
	if ovGate != "" {
		r.Override = &Override{Gate: ovGate, Reason: ovReason, By: ovBy}
	}
	if len(gates) > 0 {
		if err := json.Unmarshal(gates, &r.Gates); err != nil {
			return nil, fmt.Errorf("decode gates_evaluated: %w", err)
		}
	}
	return &r, nil
}

func (r *issueRepoPG) Create(ctx context.Context, rec *IssueRecord) error {
	gates, err := json.Marshal(rec.Gates)
	if err != nil {
		return fmt.Errorf("encode gates_evaluated: %w", err)
	}
	var ovGate, ovReason, ovBy *string
	if rec.Override != nil {
		ovGate, ovReason, ovBy = &rec.Override.Gate, &rec.Override.Reason, &rec.Override.By
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO issue_record (id, unit_id, cross_match_id, mtp_release_id, patient_id, branch_id, mode,
			issued_to_person, issued_to_ward, transport_box_temp, visual_inspection_ok,
			override_gate, override_reason, override_by, gates_evaluated, issued_at, issued_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rec.ID, rec.UnitID, rec.CrossMatchID, rec.MTPReleaseID, rec.PatientID, rec.BranchID, rec.Mode,
		rec.IssuedToPerson, rec.IssuedToWard, rec.TransportBoxTemp, rec.VisualInspectionOK,
		ovGate, ovReason, ovBy, gates, rec.IssuedAt, rec.IssuedBy)
	return db.Translate(err)
}

func (r *issueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*IssueRecord, error) {
	return scanIssue(r.conn(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM issue_record WHERE id = $1`, id))
}

func (r *issueRepoPG) GetByUnit(ctx context.Context, unitID uuid.UUID) (*IssueRecord, error) {
	return scanIssue(r.conn(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM issue_record WHERE unit_id = $1`, unitID))
}

// stamp sets a nullable timestamp column once. column is never user input.
func (r *issueRepoPG) stamp(ctx context.Context, column string, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE issue_record SET `+column+` = $1 WHERE id = $2 AND `+column+` IS NULL`, at, id)
	if err != nil {
		return db.Translate(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperr.ErrConflict
	}
	return nil
}

func (r *issueRepoPG) MarkBedsideVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "bedside_verified_at", id, at)
}

func (r *issueRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "completed_at", id, at)
}

func (r *issueRepoPG) MarkAbandonAlerted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "abandon_alerted_at", id, at)
}

func (r *issueRepoPG) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*IssueRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+issueCols+` FROM issue_record
		WHERE bedside_verified_at IS NOT NULL AND completed_at IS NULL
			AND abandon_alerted_at IS NULL AND issued_at < $1
		ORDER BY issued_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IssueRecord
	for rows.Next() {
		rec, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type bedsideRepoPG struct{ pool *pgxpool.Pool }

func NewBedsideRepoPG(pool *pgxpool.Pool) BedsideRepository {
	return &bedsideRepoPG{pool: pool}
}

func (r *bedsideRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *bedsideRepoPG) Create(ctx context.Context, v *BedsideVerification) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bedside_verification (id, issue_id, scanned_patient_id, scanned_unit_barcode,
			verifier1, verifier2, outcome, failure_gate, failure_reason, verified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.IssueID, v.ScannedPatientID, v.ScannedUnitBarcode,
		v.Verifier1, v.Verifier2, v.Outcome, v.FailureGate, v.FailureReason, v.VerifiedAt)
	return db.Translate(err)
}

func (r *bedsideRepoPG) ListByIssue(ctx context.Context, issueID uuid.UUID) ([]*BedsideVerification, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, issue_id, scanned_patient_id, COALESCE(scanned_unit_barcode, ''),
			COALESCE(verifier1, ''), COALESCE(verifier2, ''), outcome,
			COALESCE(failure_gate, ''), COALESCE(failure_reason, ''), verified_at
		FROM bedside_verification WHERE issue_id = $1 ORDER BY verified_at`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BedsideVerification
	for rows.Next() {
		var v BedsideVerification
		if err := rows.Scan(&v.ID, &v.IssueID, &v.ScannedPatientID, &v.ScannedUnitBarcode,
			&v.Verifier1, &v.Verifier2, &v.Outcome, &v.FailureGate, &v.FailureReason, &v.VerifiedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
