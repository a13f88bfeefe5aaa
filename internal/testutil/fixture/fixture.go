// Package fixture builds the full in-memory service graph for tests that
// cross package boundaries, with a controllable clock.
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/app"
	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/blobstore"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/notify"
)

var (
	T0     = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	Branch = uuid.MustParse("6f1c1a52-3d5e-4a0b-9d43-0a4b8b1f2c11")

	Officer = actor.Actor{UserID: "officer-1", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: Branch}
	Nurse   = actor.Actor{UserID: "nurse-1", Roles: []string{actor.RoleNurse}, BranchID: Branch}
)

// RequiredTests is the screening panel every fixture unit clears.
var RequiredTests = []string{"HIV", "HBSAG", "HCV"}

type Env struct {
	*app.Services
	Audit   *audit.Memory
	Alerts  *notify.Memory
	Archive *blobstore.Memory
	Now     time.Time
}

// New wires every service over memory repositories. Options may adjust the
// defaults before the graph is built.
func New(t *testing.T, opts ...func(*app.Options)) *Env {
	t.Helper()
	e := &Env{Audit: audit.NewMemory(), Alerts: notify.NewMemory(), Archive: blobstore.NewMemory(), Now: T0}
	dir := directory.NewStatic()
	dir.AllowUnknown = true
	o := app.Options{
		RequiredTests:      RequiredTests,
		ReservationHold:    45 * time.Minute,
		TransfusionTimeout: 4 * time.Hour,
		Audit:              e.Audit,
		Notifier:           e.Alerts,
		Directory:          dir,
		Equipment:          equipment.StaticSource{Current: true},
		Archive:            e.Archive,
		Logger:             zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	e.Services = app.New(app.MemoryRepos(), o)
	e.SetClock(func() time.Time { return e.Now })
	return e
}

// Advance moves the shared clock forward.
func (e *Env) Advance(d time.Duration) { e.Now = e.Now.Add(d) }

// Screened registers a unit and records a clean panel, leaving it
// TTI_CLEARED.
func (e *Env) Screened(t *testing.T, group bloodunit.BloodGroup, comp bloodunit.Component, expiry time.Time) *bloodunit.BloodUnit {
	t.Helper()
	ctx := context.Background()
	n := uuid.NewString()[:8]
	u, err := e.Units.Register(ctx, Officer, bloodunit.RegisterRequest{
		UnitNumber: "W" + n, Barcode: "=" + n, BloodGroup: group, Component: comp,
		CollectionDate: e.Now.Add(-2 * time.Hour), ExpiryDate: expiry, VolumeML: 280,
	})
	require.NoError(t, err)
	for _, test := range RequiredTests {
		_, err := e.Screening.RecordTTIResult(ctx, Officer, screening.RecordTTIRequest{
			UnitID: u.ID, TestName: test, Method: "CLIA", KitLotNumber: "LOT-1",
			Result: screening.OutcomeNonReactive, VerifiedBy: "tech-2",
		})
		require.NoError(t, err)
	}
	u, err = e.Units.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, bloodunit.StatusTTICleared, u.Status)
	return u
}

// Available is a screened unit released to inventory.
func (e *Env) Available(t *testing.T, group bloodunit.BloodGroup, comp bloodunit.Component) *bloodunit.BloodUnit {
	t.Helper()
	u := e.Screened(t, group, comp, e.Now.Add(30*24*time.Hour))
	u, err := e.Units.ReleaseToInventory(context.Background(), Officer, u.ID)
	require.NoError(t, err)
	return u
}

// Issued issues a fresh unit under MTP so no cross-match is needed.
func (e *Env) Issued(t *testing.T) (*issuance.IssueRecord, *bloodunit.BloodUnit) {
	t.Helper()
	u := e.Available(t, bloodunit.ONeg, bloodunit.ComponentPRBC)
	rec, err := e.Issuance.AuthorizeIssue(context.Background(), Officer, issuance.IssueRequest{
		UnitID: u.ID, PatientID: uuid.New(), Mode: issuance.ModeMTP, MTPReleaseID: uuid.New(),
	})
	require.NoError(t, err)
	return rec, u
}

// Transfusing issues a unit and passes the bedside check.
func (e *Env) Transfusing(t *testing.T) (*issuance.IssueRecord, *bloodunit.BloodUnit) {
	t.Helper()
	rec, u := e.Issued(t)
	_, err := e.Issuance.BedsideVerify(context.Background(), Nurse, issuance.BedsideRequest{
		IssueID: rec.ID, ScannedPatientID: rec.PatientID, ScannedUnitBarcode: u.Barcode,
		Verifier1: "nurse-1", Verifier2: "nurse-2",
	})
	require.NoError(t, err)
	return rec, u
}

func (e *Env) Status(t *testing.T, id uuid.UUID) bloodunit.Status {
	t.Helper()
	u, err := e.Units.Get(context.Background(), id)
	require.NoError(t, err)
	return u.Status
}
