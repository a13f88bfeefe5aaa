//go:build integration

package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/app"
	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/crossmatch"
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/domain/mtp"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/domain/transfusion"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/testutil/containers"
)

var (
	branch  = uuid.New()
	officer = actor.Actor{UserID: "officer-1", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: branch}
	nurse   = actor.Actor{UserID: "nurse-1", Roles: []string{actor.RoleNurse}, BranchID: branch}
	panel   = []string{"HIV", "HBSAG", "HCV"}
)

func newPGServices(t *testing.T) (*app.Services, *pgxpool.Pool, *audit.Memory) {
	t.Helper()
	pool := containers.NewPostgres(t)
	ctx := context.Background()
	for _, id := range []string{"officer-1", "tech-2", "nurse-1", "nurse-2"} {
		_, err := pool.Exec(ctx, `INSERT INTO staff_directory (staff_id, name) VALUES ($1, $1)`, id)
		require.NoError(t, err)
	}
	sink := audit.NewMemory()
	svcs := app.New(app.PostgresRepos(pool), app.Options{
		RequiredTests: panel,
		Tx:            db.NewPGTransactor(pool),
		Audit:         sink,
		Notifier:      notify.NewMemory(),
		Directory:     directory.NewPG(pool),
		Equipment:     equipment.StaticSource{Current: true},
		Logger:        zerolog.Nop(),
	})
	return svcs, pool, sink
}

func addPatient(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `INSERT INTO patient_directory (patient_id, mrn) VALUES ($1, $2)`, id, "MRN-"+id.String()[:6])
	require.NoError(t, err)
	return id
}

func clearedUnit(t *testing.T, s *app.Services) *bloodunit.BloodUnit {
	t.Helper()
	ctx := context.Background()
	n := uuid.NewString()[:8]
	now := time.Now().UTC()
	u, err := s.Units.Register(ctx, officer, bloodunit.RegisterRequest{
		UnitNumber: "W" + n, Barcode: "=" + n, BloodGroup: bloodunit.ONeg, Component: bloodunit.ComponentPRBC,
		CollectionDate: now.Add(-2 * time.Hour), ExpiryDate: now.Add(30 * 24 * time.Hour), VolumeML: 300,
	})
	require.NoError(t, err)
	for _, test := range panel {
		_, err := s.Screening.RecordTTIResult(ctx, officer, screening.RecordTTIRequest{
			UnitID: u.ID, TestName: test, Method: "CLIA", KitLotNumber: "LOT-7",
			Result: screening.OutcomeNonReactive, VerifiedBy: "tech-2",
		})
		require.NoError(t, err)
	}
	u, err = s.Units.ReleaseToInventory(ctx, officer, u.ID)
	require.NoError(t, err)
	return u
}

func TestPostgres_FullLifecycle(t *testing.T) {
	s, pool, sink := newPGServices(t)
	ctx := context.Background()
	patient := addPatient(t, pool)
	u := clearedUnit(t, s)

	for _, sample := range []string{"S1", "S2"} {
		_, err := s.Screening.RecordPatientGrouping(ctx, officer, screening.GroupingRequest{
			PatientID: patient, BloodGroup: bloodunit.APos, VerificationMethod: screening.VerificationWristband,
			SampleID: sample, VerifiedBy: "tech-2",
		})
		require.NoError(t, err)
	}
	cm, err := s.CrossMatch.Reserve(ctx, officer, crossmatch.ReserveRequest{
		UnitID: u.ID, PatientID: patient, Method: crossmatch.MethodElectronic,
	})
	require.NoError(t, err)
	require.Equal(t, crossmatch.ResultCompatible, cm.Result)

	issue, err := s.Issuance.AuthorizeIssue(ctx, officer, issuance.IssueRequest{
		UnitID: u.ID, PatientID: patient, CrossMatchID: cm.ID, IssuedToWard: "ICU",
	})
	require.NoError(t, err)

	_, err = s.Issuance.BedsideVerify(ctx, nurse, issuance.BedsideRequest{
		IssueID: issue.ID, ScannedPatientID: patient, ScannedUnitBarcode: u.Barcode,
		Verifier1: "nurse-1", Verifier2: "nurse-2",
	})
	require.NoError(t, err)

	for range transfusion.Intervals {
		_, err := s.Transfusion.RecordVitals(ctx, nurse, transfusion.VitalsRequest{IssueID: issue.ID})
		require.NoError(t, err)
	}

	got, err := s.Units.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, bloodunit.StatusCompleted, got.Status)

	history, err := s.Units.History(ctx, u.ID)
	require.NoError(t, err)
	var path []bloodunit.Status
	for _, h := range history {
		path = append(path, h.To)
	}
	assert.Equal(t, []bloodunit.Status{
		bloodunit.StatusTesting, bloodunit.StatusTTICleared, bloodunit.StatusAvailable,
		bloodunit.StatusIssued, bloodunit.StatusTransfusing, bloodunit.StatusCompleted,
	}, path)

	consumed, err := s.CrossMatch.Get(ctx, cm.ID)
	require.NoError(t, err)
	assert.Equal(t, crossmatch.ReservationConsumed, consumed.ReservationStatus)
	assert.Len(t, sink.ByAction(audit.ActionIssued), 1)
}

func TestPostgres_ConcurrentIssueExactlyOneWins(t *testing.T) {
	s, pool, _ := newPGServices(t)
	u := clearedUnit(t, s)
	patient := addPatient(t, pool)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Issuance.AuthorizeIssue(context.Background(), officer, issuance.IssueRequest{
				UnitID: u.ID, PatientID: patient, Mode: issuance.ModeMTP, MTPReleaseID: uuid.New(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range errs {
		kind := apperr.KindOf(err)
		assert.Contains(t, []apperr.Kind{apperr.KindConflict, apperr.KindGateDenied}, kind, "%v", err)
	}
	got, err := s.Units.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, bloodunit.StatusIssued, got.Status)
}

func TestPostgres_MTPRelease(t *testing.T) {
	s, pool, _ := newPGServices(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		clearedUnit(t, s)
	}
	patient := addPatient(t, pool)

	rel, err := s.MTP.ReleasePack(ctx, officer, mtp.PackRequest{BranchID: branch, PatientID: patient, PRBC: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, rel.PRBCUnits)
	assert.True(t, rel.PartialFulfillment)

	stored, err := s.MTP.GetRelease(ctx, rel.ID)
	require.NoError(t, err)
	assert.Equal(t, rel.UnitIDs, stored.UnitIDs)
	assert.Equal(t, rel.Shortfall, stored.Shortfall)
	assert.Len(t, stored.GatesEvaluated, len(rel.GatesEvaluated))
}
