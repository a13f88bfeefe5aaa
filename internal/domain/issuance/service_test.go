package issuance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/crossmatch"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	eqmock "github.com/ehr/bloodbank/internal/platform/equipment/mock"
	"github.com/ehr/bloodbank/internal/platform/notify"
	notifymock "github.com/ehr/bloodbank/internal/platform/notify/mock"
)

var (
	branch  = uuid.New()
	officer = actor.Actor{UserID: "officer-1", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: branch}
	nurse   = actor.Actor{UserID: "nurse-1", Roles: []string{actor.RoleNurse}, BranchID: branch}
	t0      = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
)

type typings map[uuid.UUID][]*screening.PatientGrouping

func (t typings) GetPatientGrouping(_ context.Context, id uuid.UUID) ([]*screening.PatientGrouping, error) {
	return t[id], nil
}

// clearances is a Screening double; units absent from the map are cleared.
type clearances struct {
	mu      sync.Mutex
	missing map[uuid.UUID][]string
}

func (c *clearances) TTIClearance(_ context.Context, unitID uuid.UUID) (screening.Clearance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.missing[unitID]; len(m) > 0 {
		return screening.Clearance{UnitID: unitID, Missing: m}, nil
	}
	return screening.Clearance{UnitID: unitID, Cleared: true}, nil
}

type fixture struct {
	svc        *Service
	registry   *bloodunit.Service
	crossmatch *crossmatch.Service
	typings    typings
	clear      *clearances
	staff      *directory.Static
	notifier   *notifymock.MockNotifier
	sink       *audit.Memory
	now        time.Time

	calibration equipment.Report
	calErr      error
}

func newFixture(t *testing.T, overridable ...string) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		typings:     typings{},
		clear:       &clearances{missing: map[uuid.UUID][]string{}},
		staff:       directory.NewStatic(),
		notifier:    notifymock.NewMockNotifier(ctrl),
		sink:        audit.NewMemory(),
		now:         t0,
		calibration: equipment.Report{Current: true},
	}
	f.staff.AddStaff("nurse-1", "nurse-2")

	eq := eqmock.NewMockStatusSource(ctrl)
	eq.EXPECT().Calibration(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, b uuid.UUID) (equipment.Report, error) {
			r := f.calibration
			r.BranchID = b
			return r, f.calErr
		}).AnyTimes()

	clock := func() time.Time { return f.now }
	tx := db.NewLocalTransactor()
	units := bloodunit.NewMemoryStore()
	f.registry = bloodunit.NewService(units.Units(), units.Changes(), units.Discards(), tx, f.sink, zerolog.Nop())
	f.registry.SetClock(clock)
	f.crossmatch = crossmatch.NewService(crossmatch.NewMemoryRepo(), f.registry, f.typings, tx, f.sink, 45*time.Minute, zerolog.Nop())
	f.crossmatch.SetClock(clock)

	store := NewMemoryStore()
	f.svc = NewService(Deps{
		Issues:       store.Issues(),
		Bedside:      store.Bedside(),
		Registry:     f.registry,
		Reservations: f.crossmatch,
		Screening:    f.clear,
		Equipment:    eq,
		Directory:    f.staff,
		Notifier:     f.notifier,
		Tx:           tx,
		Audit:        f.sink,
	}, overridable, zerolog.Nop())
	f.svc.SetClock(clock)
	return f
}

func (f *fixture) unitExpiring(t *testing.T, comp bloodunit.Component, expiry time.Time) *bloodunit.BloodUnit {
	t.Helper()
	ctx := context.Background()
	n := uuid.NewString()[:8]
	u, err := f.registry.Register(ctx, officer, bloodunit.RegisterRequest{
		UnitNumber: "W" + n, Barcode: "=" + n, BloodGroup: bloodunit.ONeg, Component: comp,
		CollectionDate: t0.Add(-time.Hour), ExpiryDate: expiry, VolumeML: 280,
	})
	require.NoError(t, err)
	_, err = f.registry.BeginTesting(ctx, officer, u.ID)
	require.NoError(t, err)
	_, err = f.registry.MarkTTICleared(ctx, officer, u.ID)
	require.NoError(t, err)
	u, err = f.registry.ReleaseToInventory(ctx, officer, u.ID)
	require.NoError(t, err)
	return u
}

func (f *fixture) unit(t *testing.T) *bloodunit.BloodUnit {
	return f.unitExpiring(t, bloodunit.ComponentPRBC, t0.Add(30*24*time.Hour))
}

func (f *fixture) patient() uuid.UUID {
	p := uuid.New()
	for _, s := range []string{"S1", "S2"} {
		f.typings[p] = append(f.typings[p], &screening.PatientGrouping{
			ID: uuid.New(), PatientID: p, BloodGroup: bloodunit.APos, SampleID: s,
			TypedBy: "tech-1", VerifiedBy: "tech-2", VerificationMethod: screening.VerificationWristband,
		})
	}
	return p
}

// reserved returns a unit electronically cross-matched for patient.
func (f *fixture) reserved(t *testing.T, patient uuid.UUID) (*bloodunit.BloodUnit, *crossmatch.CrossMatchRecord) {
	t.Helper()
	u := f.unit(t)
	cm, err := f.crossmatch.Reserve(context.Background(), officer, crossmatch.ReserveRequest{
		UnitID: u.ID, PatientID: patient, Method: crossmatch.MethodElectronic,
	})
	require.NoError(t, err)
	require.Equal(t, crossmatch.ResultCompatible, cm.Result)
	return u, cm
}

func (f *fixture) issue(t *testing.T) (*IssueRecord, *bloodunit.BloodUnit) {
	t.Helper()
	p := f.patient()
	u, cm := f.reserved(t, p)
	rec, err := f.svc.AuthorizeIssue(context.Background(), officer, IssueRequest{
		UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID, IssuedToPerson: "porter", IssuedToWard: "ICU",
	})
	require.NoError(t, err)
	return rec, u
}

func (f *fixture) status(t *testing.T, id uuid.UUID) bloodunit.Status {
	t.Helper()
	u, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return u.Status
}

func ptr[T any](v T) *T { return &v }

func requireDenied(t *testing.T, err error, gate string) *apperr.GateDenied {
	t.Helper()
	var gd *apperr.GateDenied
	require.True(t, errors.As(err, &gd), "expected GateDenied, got %v", err)
	assert.Equal(t, gate, gd.Gate)
	require.NotEmpty(t, gd.Evaluations)
	last := gd.Evaluations[len(gd.Evaluations)-1]
	assert.Equal(t, gate, last.Gate)
	assert.False(t, last.Passed)
	return gd
}

func TestAuthorizeIssue_StandardPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient()
	u, cm := f.reserved(t, p)

	rec, err := f.svc.AuthorizeIssue(ctx, officer, IssueRequest{
		UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID,
		IssuedToPerson: "porter", IssuedToWard: "ICU",
		TransportBoxTemp: ptr(4.0), VisualInspectionOK: ptr(true),
	})
	require.NoError(t, err)

	assert.Equal(t, ModeStandard, rec.Mode)
	require.NotNil(t, rec.CrossMatchID)
	assert.Equal(t, cm.ID, *rec.CrossMatchID)
	assert.Nil(t, rec.Override)
	assert.Equal(t, "officer-1", rec.IssuedBy)
	assert.Equal(t, t0, rec.IssuedAt)
	require.Len(t, rec.Gates, 6)
	for _, g := range rec.Gates {
		assert.True(t, g.Passed, g.Gate)
	}
	assert.Equal(t, bloodunit.StatusIssued, f.status(t, u.ID))

	_, err = f.crossmatch.ActiveForUnit(ctx, u.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "reservation is consumed")
	assert.Len(t, f.sink.ByAction(audit.ActionIssued), 1)
	assert.Len(t, f.sink.ByAction(audit.ActionReservationConsumed), 1)
	assert.Len(t, f.sink.ByAction(audit.ActionGateEvaluated), 6)

	byUnit, err := f.svc.GetIssueByUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byUnit.ID)
}

func TestAuthorizeIssue_OtherBranchForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient()
	u, cm := f.reserved(t, p)
	outsider := actor.Actor{UserID: "officer-9", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: uuid.New()}

	for _, req := range []IssueRequest{
		{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID, TransportBoxTemp: ptr(4.0), VisualInspectionOK: ptr(true)},
		{UnitID: u.ID, PatientID: p, Mode: ModeMTP, MTPReleaseID: uuid.New()},
	} {
		_, err := f.svc.AuthorizeIssue(ctx, outsider, req)
		require.ErrorIs(t, err, apperr.ErrForbidden)
	}
	assert.Equal(t, bloodunit.StatusReserved, f.status(t, u.ID))
	assert.Empty(t, f.sink.ByAction(audit.ActionGateEvaluated))
	assert.Empty(t, f.sink.ByAction(audit.ActionIssued))
}

func TestAuthorizeIssue_ExpiredUnitNeverIssued(t *testing.T) {
	f := newFixture(t)
	p := f.patient()
	u := f.unitExpiring(t, bloodunit.ComponentPRBC, t0.Add(30*time.Minute))
	cm, err := f.crossmatch.Reserve(context.Background(), officer, crossmatch.ReserveRequest{
		UnitID: u.ID, PatientID: p, Method: crossmatch.MethodElectronic,
	})
	require.NoError(t, err)

	// reservation is still live; the unit is not
	f.now = t0.Add(31 * time.Minute)
	_, err = f.svc.AuthorizeIssue(context.Background(), officer, IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID})
	gd := requireDenied(t, err, GateUnitExpiry)
	assert.Len(t, gd.Evaluations, 1)
	assert.Equal(t, bloodunit.StatusExpired, f.status(t, u.ID))

	denied := f.sink.ByAction(audit.ActionIssueDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, audit.CategorySecurity, denied[0].Category)
	assert.Equal(t, "deny", denied[0].Decision)
}

func TestAuthorizeIssue_ReactiveUnitNeverIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.registry.Register(ctx, officer, bloodunit.RegisterRequest{
		UnitNumber: "W-R", Barcode: "=R", BloodGroup: bloodunit.ONeg, Component: bloodunit.ComponentPRBC,
		CollectionDate: t0.Add(-time.Hour), ExpiryDate: t0.Add(30 * 24 * time.Hour), VolumeML: 280,
	})
	require.NoError(t, err)
	_, err = f.registry.BeginTesting(ctx, officer, u.ID)
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, officer, bloodunit.TransitionRequest{UnitID: u.ID, To: bloodunit.StatusTTIReactive, Reason: "HIV reactive"})
	require.NoError(t, err)

	for _, mode := range []Mode{ModeStandard, ModeMTP} {
		_, err = f.svc.AuthorizeIssue(ctx, officer, IssueRequest{UnitID: u.ID, PatientID: uuid.New(), Mode: mode, MTPReleaseID: uuid.New()})
		assert.Equal(t, apperr.KindTerminal, apperr.KindOf(err), mode)
	}
	assert.Equal(t, bloodunit.StatusTTIReactive, f.status(t, u.ID))
}

func TestAuthorizeIssue_ReservationGate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) IssueRequest
	}{
		{
			name: "no reservation",
			setup: func(t *testing.T, f *fixture) IssueRequest {
				return IssueRequest{UnitID: f.unit(t).ID, PatientID: f.patient()}
			},
		},
		{
			name: "reserved for another patient",
			setup: func(t *testing.T, f *fixture) IssueRequest {
				u, _ := f.reserved(t, f.patient())
				return IssueRequest{UnitID: u.ID, PatientID: f.patient()}
			},
		},
		{
			name: "different cross-match",
			setup: func(t *testing.T, f *fixture) IssueRequest {
				p := f.patient()
				u, _ := f.reserved(t, p)
				return IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: uuid.New()}
			},
		},
		{
			name: "serological result pending",
			setup: func(t *testing.T, f *fixture) IssueRequest {
				p := f.patient()
				u := f.unit(t)
				cm, err := f.crossmatch.Reserve(context.Background(), officer, crossmatch.ReserveRequest{
					UnitID: u.ID, PatientID: p, Method: crossmatch.MethodAHG,
				})
				require.NoError(t, err)
				require.Equal(t, crossmatch.ResultPending, cm.Result)
				return IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID}
			},
		},
		{
			name: "reservation lapsed",
			setup: func(t *testing.T, f *fixture) IssueRequest {
				p := f.patient()
				u, cm := f.reserved(t, p)
				f.now = t0.Add(46 * time.Minute)
				return IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.setup(t, f)
			before := f.status(t, req.UnitID)

			_, err := f.svc.AuthorizeIssue(context.Background(), officer, req)
			requireDenied(t, err, GateReservation)
			assert.Equal(t, before, f.status(t, req.UnitID))
			assert.Empty(t, f.sink.ByAction(audit.ActionIssued))
		})
	}
}

func TestAuthorizeIssue_LaterGates(t *testing.T) {
	tests := []struct {
		name  string
		gate  string
		setup func(t *testing.T, f *fixture, u *bloodunit.BloodUnit, req *IssueRequest)
	}{
		{
			name: "tti panel incomplete",
			gate: GateTTIClearance,
			setup: func(_ *testing.T, f *fixture, u *bloodunit.BloodUnit, _ *IssueRequest) {
				f.clear.missing[u.ID] = []string{"HIV"}
			},
		},
		{
			name: "cold chain breach recorded",
			gate: GateColdChain,
			setup: func(t *testing.T, f *fixture, u *bloodunit.BloodUnit, _ *IssueRequest) {
				_, err := f.registry.RecordColdChainBreach(context.Background(), officer, u.ID, "fridge alarm")
				require.NoError(t, err)
			},
		},
		{
			name: "transport box too warm",
			gate: GateColdChain,
			setup: func(_ *testing.T, _ *fixture, _ *bloodunit.BloodUnit, req *IssueRequest) {
				req.TransportBoxTemp = ptr(15.0)
			},
		},
		{
			name: "calibration status unavailable",
			gate: GateEquipmentCalibration,
			setup: func(_ *testing.T, f *fixture, _ *bloodunit.BloodUnit, _ *IssueRequest) {
				f.calErr = errors.New("redis timeout")
			},
		},
		{
			name: "calibration overdue",
			gate: GateEquipmentCalibration,
			setup: func(_ *testing.T, f *fixture, _ *bloodunit.BloodUnit, _ *IssueRequest) {
				f.calibration = equipment.Report{Overdue: []string{"fridge-2"}}
			},
		},
		{
			name: "visual inspection failed",
			gate: GateVisualInspection,
			setup: func(_ *testing.T, _ *fixture, _ *bloodunit.BloodUnit, req *IssueRequest) {
				req.VisualInspectionOK = ptr(false)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.patient()
			u, cm := f.reserved(t, p)
			req := IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID}
			tt.setup(t, f, u, &req)

			_, err := f.svc.AuthorizeIssue(context.Background(), officer, req)
			requireDenied(t, err, tt.gate)
			assert.Equal(t, bloodunit.StatusReserved, f.status(t, u.ID))

			_, err = f.crossmatch.ActiveForUnit(context.Background(), u.ID)
			assert.NoError(t, err, "reservation survives a denial")
		})
	}
}

func TestAuthorizeIssue_Override(t *testing.T) {
	f := newFixture(t, GateEquipmentCalibration, GateColdChain)
	f.calibration = equipment.Report{Overdue: []string{"fridge-2"}}
	p := f.patient()
	u, cm := f.reserved(t, p)

	rec, err := f.svc.AuthorizeIssue(context.Background(), officer, IssueRequest{
		UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID,
		Override: &OverrideRequest{Gate: GateEquipmentCalibration, Reason: "backup fridge verified manually"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Override)
	assert.Equal(t, "officer-1", rec.Override.By)

	var cal apperr.GateEvaluation
	for _, g := range rec.Gates {
		if g.Gate == GateEquipmentCalibration {
			cal = g
		}
	}
	assert.False(t, cal.Passed)
	assert.Contains(t, cal.Reason, "overridden by officer-1")

	overridden := f.sink.ByAction(audit.ActionGateOverridden)
	require.Len(t, overridden, 1)
	assert.Equal(t, audit.CategorySecurity, overridden[0].Category)
	assert.Equal(t, "backup fridge verified manually", overridden[0].Reason)
}

func TestAuthorizeIssue_OverrideRejected(t *testing.T) {
	f := newFixture(t, GateEquipmentCalibration, GateColdChain)
	p := f.patient()
	u, cm := f.reserved(t, p)
	base := IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID}

	tests := []struct {
		name     string
		a        actor.Actor
		override OverrideRequest
		field    string
	}{
		{"not in policy", officer, OverrideRequest{Gate: GateColdChain, Reason: "x"}, "override.gate"},
		{"safety gate", officer, OverrideRequest{Gate: GateTTIClearance, Reason: "x"}, "override.gate"},
		{"no reason", officer, OverrideRequest{Gate: GateEquipmentCalibration}, "override.reason"},
		{"not an officer", nurse, OverrideRequest{Gate: GateEquipmentCalibration, Reason: "x"}, "override"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			o := tt.override
			req.Override = &o
			_, err := f.svc.AuthorizeIssue(context.Background(), tt.a, req)
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Equal(t, bloodunit.StatusReserved, f.status(t, u.ID))
}

func TestAuthorizeIssue_MTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.unit(t)
	release := uuid.New()

	rec, err := f.svc.AuthorizeIssue(ctx, officer, IssueRequest{
		UnitID: u.ID, PatientID: uuid.New(), Mode: ModeMTP, MTPReleaseID: release,
	})
	require.NoError(t, err)
	assert.Nil(t, rec.CrossMatchID)
	require.NotNil(t, rec.MTPReleaseID)
	assert.Equal(t, release, *rec.MTPReleaseID)
	assert.Equal(t, GateMTPSelection, rec.Gates[1].Gate)
	assert.Equal(t, bloodunit.StatusIssued, f.status(t, u.ID))

	_, err = f.svc.AuthorizeIssue(ctx, officer, IssueRequest{UnitID: u.ID, PatientID: uuid.New(), Mode: ModeMTP})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "release id required")
}

func TestAuthorizeIssue_MTPSkipsReservedUnit(t *testing.T) {
	f := newFixture(t)
	u, _ := f.reserved(t, f.patient())

	_, err := f.svc.AuthorizeIssue(context.Background(), officer, IssueRequest{
		UnitID: u.ID, PatientID: uuid.New(), Mode: ModeMTP, MTPReleaseID: uuid.New(),
	})
	requireDenied(t, err, GateMTPSelection)
	assert.Equal(t, bloodunit.StatusReserved, f.status(t, u.ID))
}

func TestAuthorizeIssue_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	p := f.patient()
	u, cm := f.reserved(t, p)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AuthorizeIssue(context.Background(), officer, IssueRequest{UnitID: u.ID, PatientID: p, CrossMatchID: cm.ID})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Len(t, f.sink.ByAction(audit.ActionIssued), 1)
}

func TestBedsideVerify_Passes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, u := f.issue(t)

	v, err := f.svc.BedsideVerify(ctx, nurse, BedsideRequest{
		IssueID: rec.ID, ScannedPatientID: rec.PatientID, ScannedUnitBarcode: u.Barcode,
		Verifier1: "nurse-1", Verifier2: "nurse-2",
	})
	require.NoError(t, err)
	assert.Equal(t, BedsidePassed, v.Outcome)
	assert.Equal(t, bloodunit.StatusTransfusing, f.status(t, u.ID))

	got, err := f.svc.GetIssue(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BedsideVerifiedAt)
	assert.Len(t, f.sink.ByAction(audit.ActionBedsideVerified), 1)

	_, err = f.svc.BedsideVerify(ctx, nurse, BedsideRequest{
		IssueID: rec.ID, ScannedPatientID: rec.PatientID, ScannedUnitBarcode: u.Barcode,
		Verifier1: "nurse-1", Verifier2: "nurse-2",
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestBedsideVerify_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		gate string
		edit func(req *BedsideRequest)
	}{
		{"same verifier twice", GateTwoPerson, func(r *BedsideRequest) { r.Verifier2 = "NURSE-1" }},
		{"unknown staff", GateStaffIdentity, func(r *BedsideRequest) { r.Verifier2 = "visitor" }},
		{"wrong wristband", GatePatientIdentity, func(r *BedsideRequest) { r.ScannedPatientID = uuid.New() }},
		{"wrong bag", GateUnitIdentity, func(r *BedsideRequest) { r.ScannedUnitBarcode = "=other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rec, u := f.issue(t)

			var alert notify.Alert
			f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, a notify.Alert) error {
					alert = a
					return nil
				}).Times(1)

			req := BedsideRequest{
				IssueID: rec.ID, ScannedPatientID: rec.PatientID, ScannedUnitBarcode: u.Barcode,
				Verifier1: "nurse-1", Verifier2: "nurse-2",
			}
			tt.edit(&req)
			_, err := f.svc.BedsideVerify(ctx, nurse, req)
			requireDenied(t, err, tt.gate)

			assert.Equal(t, bloodunit.StatusIssued, f.status(t, u.ID), "transfusion is blocked")
			assert.Equal(t, notify.KindBedsideFailure, alert.Kind)
			assert.Equal(t, notify.SeverityCritical, alert.Severity)
			assert.Equal(t, tt.gate, alert.Details["gate"])

			attempts, err := f.svc.ListBedside(ctx, rec.ID)
			require.NoError(t, err)
			require.Len(t, attempts, 1)
			assert.Equal(t, BedsideFailed, attempts[0].Outcome)
			assert.Equal(t, tt.gate, attempts[0].FailureGate)

			failed := f.sink.ByAction(audit.ActionBedsideFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, audit.CategorySecurity, failed[0].Category)

			got, err := f.svc.GetIssue(ctx, rec.ID)
			require.NoError(t, err)
			assert.Nil(t, got.BedsideVerifiedAt)
		})
	}
}

func TestBedsideVerify_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BedsideVerify(context.Background(), nurse, BedsideRequest{IssueID: uuid.New(), Verifier1: "nurse-1"})
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "verifier2", ve.Field)

	_, err = f.svc.BedsideVerify(context.Background(), nurse, BedsideRequest{IssueID: uuid.New(), Verifier1: "a", Verifier2: "b"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransportInRange(t *testing.T) {
	assert.True(t, TransportInRange(bloodunit.ComponentPRBC, 4))
	assert.False(t, TransportInRange(bloodunit.ComponentPRBC, 12))
	assert.True(t, TransportInRange(bloodunit.ComponentFFP, -25))
	assert.False(t, TransportInRange(bloodunit.ComponentFFP, -5))
	assert.True(t, TransportInRange(bloodunit.ComponentPlatelets, 22))
	assert.False(t, TransportInRange(bloodunit.ComponentPlatelets, 4))
}
