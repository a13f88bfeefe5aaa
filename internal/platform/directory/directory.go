// Package directory answers "is this a known patient" and "is this an active
// staff member" for the bedside and reservation checks.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/bloodbank/internal/platform/db"
)

type Directory interface {
	PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error)
	StaffExists(ctx context.Context, staffID string) (bool, error)
}

// PG reads the patient and staff directories replicated into the tenant
// schema by the EHR.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (d *PG) conn(ctx context.Context) queryRower {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return d.pool
}

func (d *PG) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var active bool
	err := d.conn(ctx).QueryRow(ctx, `SELECT active FROM patient_directory WHERE patient_id = $1`, patientID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup patient: %w", err)
	}
	return active, nil
}

func (d *PG) StaffExists(ctx context.Context, staffID string) (bool, error) {
	var active bool
	err := d.conn(ctx).QueryRow(ctx, `SELECT active FROM staff_directory WHERE staff_id = $1`, staffID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup staff: %w", err)
	}
	return active, nil
}

// Static is an in-memory directory. With AllowUnknown set every lookup
// succeeds, which is the development default.
type Static struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]bool
	staff        map[string]bool
	AllowUnknown bool
}

func NewStatic() *Static {
	return &Static{patients: map[uuid.UUID]bool{}, staff: map[string]bool{}}
}

func (s *Static) AddPatient(id uuid.UUID) {
	s.mu.Lock()
	s.patients[id] = true
	s.mu.Unlock()
}

func (s *Static) AddStaff(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.staff[id] = true
	}
	s.mu.Unlock()
}

func (s *Static) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AllowUnknown || s.patients[id], nil
}

func (s *Static) StaffExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AllowUnknown || s.staff[id], nil
}
