package mtp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/app"
	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/domain/mtp"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/testutil/fixture"
)

func stock(t *testing.T, env *fixture.Env, n int, group bloodunit.BloodGroup, comp bloodunit.Component) []*bloodunit.BloodUnit {
	t.Helper()
	out := make([]*bloodunit.BloodUnit, n)
	for i := range out {
		out[i] = env.Available(t, group, comp)
	}
	return out
}

func expiring(t *testing.T, env *fixture.Env, group bloodunit.BloodGroup, days int) *bloodunit.BloodUnit {
	t.Helper()
	return env.Screened(t, group, bloodunit.ComponentPRBC, env.Now.Add(time.Duration(days)*24*time.Hour))
}

func groupp(g bloodunit.BloodGroup) *bloodunit.BloodGroup { return &g }

func TestReleasePack_PartialFulfillment(t *testing.T) {
	env := fixture.New(t)
	ctx := context.Background()
	stock(t, env, 3, bloodunit.ONeg, bloodunit.ComponentPRBC)
	stock(t, env, 5, bloodunit.ABPos, bloodunit.ComponentFFP)
	patient := uuid.New()

	rel, err := env.MTP.ReleasePack(ctx, fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: patient, PRBC: 4, FFP: 4, IssuedToWard: "ED resus 2",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, rel.PRBCUnits)
	assert.Equal(t, 4, rel.FFPUnits)
	assert.Zero(t, rel.PlateletUnits)
	assert.True(t, rel.PartialFulfillment)
	assert.Equal(t, mtp.Counts{PRBC: 3, FFP: 4}, rel.Fulfilled())
	assert.Equal(t, mtp.Counts{PRBC: 1}, rel.Shortfall)
	assert.Equal(t, mtp.Counts{PRBC: 4, FFP: 4}, rel.Requested)
	require.Len(t, rel.UnitIDs, 7)
	require.Len(t, rel.IssueIDs, 7)

	for i, id := range rel.UnitIDs {
		assert.Equal(t, bloodunit.StatusIssued, env.Status(t, id))
		issue, err := env.Issuance.GetIssue(ctx, rel.IssueIDs[i])
		require.NoError(t, err)
		assert.Equal(t, issuance.ModeMTP, issue.Mode)
		require.NotNil(t, issue.MTPReleaseID)
		assert.Equal(t, rel.ID, *issue.MTPReleaseID)
		assert.Equal(t, "ED resus 2", issue.IssuedToWard)
	}
	for _, ev := range rel.GatesEvaluated {
		assert.True(t, ev.Passed, "%s on %s", ev.Gate, ev.UnitID)
	}

	alerts := env.Alerts.ByKind(notify.KindMTPShortfall)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "1", alerts[0].Details["shortfall_prbc"])

	events := env.Audit.ByAction(audit.ActionMTPReleased)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Decision)
	assert.Equal(t, "short 1 PRBC", events[0].Reason)

	require.Equal(t, mtp.ArchiveKey(fixture.Branch, rel.ID), rel.ArchiveKey)
	_, body, err := env.Archive.Get(ctx, rel.ArchiveKey)
	require.NoError(t, err)
	var archived mtp.Release
	require.NoError(t, json.Unmarshal(body, &archived))
	assert.Equal(t, rel.ID, archived.ID)
	assert.Equal(t, 3, archived.PRBCUnits)
}

func TestReleasePack_FullPackRaisesNoAlert(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 2, bloodunit.ONeg, bloodunit.ComponentPRBC)
	stock(t, env, 1, bloodunit.APos, bloodunit.ComponentPlatelets)

	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 2, Platelets: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, rel.Requested, rel.Fulfilled())
	assert.False(t, rel.PartialFulfillment)
	assert.Empty(t, env.Alerts.Alerts())
	assert.Equal(t, "allow", env.Audit.ByAction(audit.ActionMTPReleased)[0].Decision)
}

func TestReleasePack_UnknownGroupUsesEmergencyOrder(t *testing.T) {
	env := fixture.New(t)
	oPos := expiring(t, env, bloodunit.OPos, 3)
	oNeg := expiring(t, env, bloodunit.ONeg, 20)
	aPos := expiring(t, env, bloodunit.APos, 1)

	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{oNeg.ID, oPos.ID}, rel.UnitIDs)
	assert.Equal(t, mtp.Counts{PRBC: 1}, rel.Shortfall)
	assert.Equal(t, bloodunit.StatusTTICleared, env.Status(t, aPos.ID), "group A is never issued blind")
}

func TestReleasePack_KnownGroupPrefersIdentical(t *testing.T) {
	env := fixture.New(t)
	oNeg := expiring(t, env, bloodunit.ONeg, 2)
	aPosLate := expiring(t, env, bloodunit.APos, 30)
	aPosSoon := expiring(t, env, bloodunit.APos, 10)
	bPos := expiring(t, env, bloodunit.BPos, 1)

	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), BloodGroup: groupp(bloodunit.APos), PRBC: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{aPosSoon.ID, aPosLate.ID, oNeg.ID}, rel.UnitIDs)
	assert.False(t, rel.PartialFulfillment)
	assert.Equal(t, bloodunit.StatusTTICleared, env.Status(t, bPos.ID))
}

func TestReleasePack_OtherBranchStockIgnored(t *testing.T) {
	env := fixture.New(t)
	stock(t, env, 2, bloodunit.ONeg, bloodunit.ComponentPRBC)
	other := uuid.New()
	officer := actor.Actor{UserID: "officer-9", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: other}

	rel, err := env.MTP.ReleasePack(context.Background(), officer, mtp.PackRequest{
		BranchID: other, PatientID: uuid.New(), PRBC: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, rel.UnitIDs)
	assert.Equal(t, mtp.Counts{PRBC: 1}, rel.Shortfall)
}

func TestReleasePack_OtherBranchForbidden(t *testing.T) {
	env := fixture.New(t)
	units := stock(t, env, 2, bloodunit.ONeg, bloodunit.ComponentPRBC)
	outsider := actor.Actor{UserID: "officer-9", Roles: []string{actor.RoleBloodBankOfficer}, BranchID: uuid.New()}

	_, err := env.MTP.ReleasePack(context.Background(), outsider, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 2,
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	for _, u := range units {
		assert.Equal(t, bloodunit.StatusAvailable, env.Status(t, u.ID))
	}
	assert.Empty(t, env.Alerts.ByKind(notify.KindMTPShortfall))
}

func TestReleasePack_DeniedCandidatesSkipped(t *testing.T) {
	env := fixture.New(t, func(o *app.Options) {
		o.Equipment = equipment.StaticSource{Current: false}
	})
	units := stock(t, env, 2, bloodunit.ONeg, bloodunit.ComponentPRBC)

	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 2,
	})
	require.NoError(t, err)
	assert.Empty(t, rel.UnitIDs)
	assert.Equal(t, mtp.Counts{PRBC: 2}, rel.Shortfall)
	assert.True(t, rel.PartialFulfillment)

	denied := map[uuid.UUID]string{}
	for _, ev := range rel.GatesEvaluated {
		if !ev.Passed {
			denied[ev.UnitID] = ev.Gate
		}
	}
	for _, u := range units {
		assert.Equal(t, issuance.GateEquipmentCalibration, denied[u.ID])
		assert.Equal(t, bloodunit.StatusAvailable, env.Status(t, u.ID))
	}
	assert.Len(t, env.Alerts.ByKind(notify.KindMTPShortfall), 1)
}

func TestReleasePack_Validation(t *testing.T) {
	env := fixture.New(t)
	patient := uuid.New()
	tests := []struct {
		name  string
		req   mtp.PackRequest
		field string
	}{
		{"missing branch", mtp.PackRequest{PatientID: patient, PRBC: 1}, "branch_id"},
		{"missing patient", mtp.PackRequest{BranchID: fixture.Branch, PRBC: 1}, "patient_id"},
		{"negative count", mtp.PackRequest{BranchID: fixture.Branch, PatientID: patient, PRBC: 2, FFP: -1}, "ratios"},
		{"empty pack", mtp.PackRequest{BranchID: fixture.Branch, PatientID: patient}, "ratios"},
		{"bad group", mtp.PackRequest{BranchID: fixture.Branch, PatientID: patient, PRBC: 1, BloodGroup: groupp("C_POS")}, "blood_group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, tt.req)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Empty(t, env.Audit.ByAction(audit.ActionMTPReleased))
}

func TestGetAndListReleases(t *testing.T) {
	env := fixture.New(t)
	ctx := context.Background()
	stock(t, env, 2, bloodunit.ONeg, bloodunit.ComponentPRBC)
	patient := uuid.New()

	first, err := env.MTP.ReleasePack(ctx, fixture.Officer, mtp.PackRequest{BranchID: fixture.Branch, PatientID: patient, PRBC: 1})
	require.NoError(t, err)
	env.Advance(20 * time.Minute)
	second, err := env.MTP.ReleasePack(ctx, fixture.Officer, mtp.PackRequest{BranchID: fixture.Branch, PatientID: patient, PRBC: 1})
	require.NoError(t, err)

	got, err := env.MTP.GetRelease(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.UnitIDs, got.UnitIDs)

	list, err := env.MTP.ListReleases(ctx, patient)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	_, err = env.MTP.GetRelease(ctx, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

// stockQuery records the filters the release asks inventory for.
type stockQuery struct{ filters []bloodunit.Filter }

func (q *stockQuery) List(_ context.Context, f bloodunit.Filter, _, _ int) ([]*bloodunit.BloodUnit, int, error) {
	q.filters = append(q.filters, f)
	return nil, 0, nil
}

func TestReleasePack_StockQueryLimitedToCompatibleGroups(t *testing.T) {
	inv := &stockQuery{}
	svc := mtp.NewService(mtp.NewMemoryRepo(), inv, nil, nil, notify.NewMemory(), audit.NewMemory(), zerolog.Nop())

	_, err := svc.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), BloodGroup: groupp(bloodunit.ANeg), PRBC: 1, FFP: 1,
	})
	require.NoError(t, err)
	require.Len(t, inv.filters, 2)
	assert.ElementsMatch(t, []bloodunit.BloodGroup{bloodunit.ONeg, bloodunit.ANeg}, inv.filters[0].BloodGroups)
	assert.Contains(t, inv.filters[1].BloodGroups, bloodunit.ABPos)
	assert.NotContains(t, inv.filters[1].BloodGroups, bloodunit.ONeg)

	inv.filters = nil
	_, err = svc.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), PRBC: 1,
	})
	require.NoError(t, err)
	require.Len(t, inv.filters, 1)
	assert.ElementsMatch(t, []bloodunit.BloodGroup{bloodunit.ONeg, bloodunit.OPos}, inv.filters[0].BloodGroups)
}

func TestReleasePack_IncompatibleGlutDoesNotHideStock(t *testing.T) {
	env := fixture.New(t)
	for i := 0; i < 205; i++ {
		expiring(t, env, bloodunit.BPos, 2)
	}
	want := expiring(t, env, bloodunit.ONeg, 20)

	rel, err := env.MTP.ReleasePack(context.Background(), fixture.Officer, mtp.PackRequest{
		BranchID: fixture.Branch, PatientID: uuid.New(), BloodGroup: groupp(bloodunit.ANeg), PRBC: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{want.ID}, rel.UnitIDs)
	assert.False(t, rel.PartialFulfillment)
}
