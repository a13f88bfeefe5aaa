package bloodunit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/db"
)

type unitRepoPG struct{ pool *pgxpool.Pool }

func NewUnitRepoPG(pool *pgxpool.Pool) UnitRepository {
	return &unitRepoPG{pool: pool}
}

func (r *unitRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const unitCols = `id, branch_id, unit_number, barcode, blood_group, component,
	collection_date, expiry_date, volume_ml, cold_chain_breached,
	status, version, created_at, updated_at`

func scanUnit(row pgx.Row) (*BloodUnit, error) {
	var u BloodUnit
	err := row.Scan(&u.ID, &u.BranchID, &u.UnitNumber, &u.Barcode, &u.BloodGroup, &u.Component,
		&u.CollectionDate, &u.ExpiryDate, &u.VolumeML, &u.ColdChainBreached,
		&u.Status, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, db.Translate(err)
	}
	return &u, nil
}

func (r *unitRepoPG) Create(ctx context.Context, u *BloodUnit) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blood_unit (`+unitCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		u.ID, u.BranchID, u.UnitNumber, u.Barcode, u.BloodGroup, u.Component,
		u.CollectionDate, u.ExpiryDate, u.VolumeML, u.ColdChainBreached,
		u.Status, u.Version, u.CreatedAt, u.UpdatedAt)
	return db.Translate(err)
}

func (r *unitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	return scanUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM blood_unit WHERE id = $1`, id))
}

func (r *unitRepoPG) GetByBarcode(ctx context.Context, barcode string) (*BloodUnit, error) {
	return scanUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM blood_unit WHERE barcode = $1`, barcode))
}

func expirableList() []string {
	out := make([]string, 0, len(expirable))
	for s := range expirable {
		out = append(out, string(s))
	}
	return out
}

// whereClause renders f as SQL. Status predicates follow lazy expiry so the
// result matches EffectiveStatus.
func whereClause(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.BranchID != nil {
		conds = append(conds, "branch_id = "+arg(*f.BranchID))
	}
	if f.Component != "" {
		conds = append(conds, "component = "+arg(f.Component))
	}
	if f.BloodGroup != "" {
		conds = append(conds, "blood_group = "+arg(f.BloodGroup))
	}
	if len(f.BloodGroups) > 0 {
		groups := make([]string, len(f.BloodGroups))
		for i, g := range f.BloodGroups {
			groups[i] = string(g)
		}
		conds = append(conds, "blood_group = ANY("+arg(groups)+")")
	}
	if len(f.Statuses) > 0 {
		now := arg(f.Now)
		var ors []string
		for _, s := range f.Statuses {
			switch {
			case s == StatusExpired:
				ors = append(ors, fmt.Sprintf("(status = 'EXPIRED' OR (status = ANY(%s) AND expiry_date <= %s))", arg(expirableList()), now))
			case expirable[s]:
				ors = append(ors, fmt.Sprintf("(status = %s AND expiry_date > %s)", arg(s), now))
			default:
				ors = append(ors, "status = "+arg(s))
			}
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *unitRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	where, args := whereClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM blood_unit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM blood_unit%s ORDER BY expiry_date, unit_number LIMIT $%d OFFSET $%d`,
		unitCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*BloodUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *unitRepoPG) CompareAndSwap(ctx context.Context, u *BloodUnit, expected int64) error {
	var version int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE blood_unit
		SET status = $1, cold_chain_breached = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING version`,
		u.Status, u.ColdChainBreached, u.UpdatedAt, u.ID, expected).Scan(&version)
	if err == pgx.ErrNoRows {
		return apperr.ErrConflict
	}
	if err != nil {
		return db.Translate(err)
	}
	u.Version = version
	return nil
}

func (r *unitRepoPG) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*BloodUnit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+unitCols+` FROM blood_unit
		WHERE status = ANY($1) AND expiry_date <= $2
		ORDER BY expiry_date LIMIT $3`, expirableList(), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BloodUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

type statusChangeRepoPG struct{ pool *pgxpool.Pool }

func NewStatusChangeRepoPG(pool *pgxpool.Pool) StatusChangeRepository {
	return &statusChangeRepoPG{pool: pool}
}

func (r *statusChangeRepoPG) Create(ctx context.Context, sc *StatusChange) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO unit_status_change (id, unit_id, from_status, to_status, version, reason, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sc.ID, sc.UnitID, sc.From, sc.To, sc.Version, sc.Reason, sc.ChangedBy, sc.ChangedAt)
	return db.Translate(err)
}

func (r *statusChangeRepoPG) ListByUnit(ctx context.Context, unitID uuid.UUID) ([]*StatusChange, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, unit_id, from_status, to_status, version, COALESCE(reason, ''), changed_by, changed_at
		FROM unit_status_change WHERE unit_id = $1 ORDER BY version`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StatusChange
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.ID, &sc.UnitID, &sc.From, &sc.To, &sc.Version, &sc.Reason, &sc.ChangedBy, &sc.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

type discardRepoPG struct{ pool *pgxpool.Pool }

func NewDiscardRepoPG(pool *pgxpool.Pool) DiscardRepository {
	return &discardRepoPG{pool: pool}
}

func (r *discardRepoPG) Create(ctx context.Context, d *DiscardRecord) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO discard_record (id, unit_id, reason, notes, discarded_by, discarded_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.UnitID, d.Reason, d.Notes, d.DiscardedBy, d.DiscardedAt, d.CreatedAt)
	return db.Translate(err)
}

func (r *discardRepoPG) GetByUnit(ctx context.Context, unitID uuid.UUID) (*DiscardRecord, error) {
	var d DiscardRecord
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, unit_id, reason, COALESCE(notes, ''), discarded_by, discarded_at, created_at
		FROM discard_record WHERE unit_id = $1`, unitID).
		Scan(&d.ID, &d.UnitID, &d.Reason, &d.Notes, &d.DiscardedBy, &d.DiscardedAt, &d.CreatedAt)
	if err != nil {
		return nil, db.Translate(err)
	}
	return &d, nil
}
