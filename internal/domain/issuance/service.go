package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/crossmatch"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*bloodunit.BloodUnit, error)
	Apply(ctx context.Context, a actor.Actor, req bloodunit.TransitionRequest) (*bloodunit.BloodUnit, audit.Event, error)
}

type Reservations interface {
	ActiveForUnit(ctx context.Context, unitID uuid.UUID) (*crossmatch.CrossMatchRecord, error)
	Consume(ctx context.Context, a actor.Actor, rec *crossmatch.CrossMatchRecord) (audit.Event, error)
}

type Screening interface {
	TTIClearance(ctx context.Context, unitID uuid.UUID) (screening.Clearance, error)
}

// Deps are the collaborators of the issuance gate.
type Deps struct {
	Issues       IssueRepository
	Bedside      BedsideRepository
	Registry     Registry
	Reservations Reservations
	Screening    Screening
	Equipment    equipment.StatusSource
	Directory    directory.Directory
	Notifier     notify.Notifier
	Tx           db.Transactor
	Audit        audit.Sink
}

type Service struct {
	Deps
	overridable map[string]bool
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService builds the issuance gate. overridable is the override policy;
// gates outside OverridableGates are ignored.
func NewService(d Deps, overridable []string, logger zerolog.Logger) *Service {
	s := &Service{
		Deps:        d,
		overridable: make(map[string]bool),
		logger:      logger.With().Str("component", "issuance").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, g := range overridable {
		g = strings.TrimSpace(g)
		if !OverridableGates[g] {
			s.logger.Warn().Str("gate", g).Msg("ignoring non-overridable gate in override policy")
			continue
		}
		s.overridable[g] = true
	}
	return s
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type OverrideRequest struct {
	Gate   string
	Reason string
}

type IssueRequest struct {
	UnitID             uuid.UUID
	PatientID          uuid.UUID
	CrossMatchID       uuid.UUID
	Mode               Mode
	MTPReleaseID       uuid.UUID
	IssuedToPerson     string
	IssuedToWard       string
	TransportBoxTemp   *float64
	VisualInspectionOK *bool
	Override           *OverrideRequest
}

// AuthorizeIssue runs the issue gates in order and, when all pass, issues the
// unit: the unit moves to ISSUED, the issue record is written and the
// reservation is consumed, all in one transaction. The first failing gate
// ends evaluation with a GateDenied listing every gate evaluated.
func (s *Service) AuthorizeIssue(ctx context.Context, a actor.Actor, req IssueRequest) (out *IssueRecord, err error) {
	if req.Mode == "" {
		req.Mode = ModeStandard
	}
	switch {
	case req.UnitID == uuid.Nil:
		return nil, apperr.Validation("unit_id", "is required")
	case req.PatientID == uuid.Nil:
		return nil, apperr.Validation("patient_id", "is required")
	case req.Mode != ModeStandard && req.Mode != ModeMTP:
		return nil, apperr.Validation("mode", "unknown issue mode %q", req.Mode)
	case req.Mode == ModeMTP && req.MTPReleaseID == uuid.Nil:
		return nil, apperr.Validation("mtp_release_id", "is required for MTP issue")
	}
	if o := req.Override; o != nil {
		o.Gate = strings.TrimSpace(o.Gate)
		o.Reason = strings.TrimSpace(o.Reason)
		switch {
		case !s.overridable[o.Gate]:
			return nil, apperr.Validation("override.gate", "gate %q may not be overridden", o.Gate)
		case o.Reason == "":
			return nil, apperr.Validation("override.reason", "is required")
		case !a.HasRole(actor.RoleBloodBankOfficer):
			return nil, apperr.Validation("override", "requires the %s role", actor.RoleBloodBankOfficer)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "issuance.authorize",
		attribute.String("unit_id", req.UnitID.String()),
		attribute.String("mode", string(req.Mode)))
	defer func() { telemetry.EndSpan(span, err) }()

	run := &gateRun{a: a, subject: req.UnitID.String(), patientID: req.PatientID.String(), override: req.Override, metrics: s.metrics}
	var events []audit.Event
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		u, err := s.Registry.Get(ctx, req.UnitID)
		if err != nil {
			return err
		}
		if err := a.CheckBranch("blood_unit", u.BranchID); err != nil {
			return err
		}
		if bloodunit.IsTerminal(u.Status) {
			return &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(u.Status), Message: "cannot be issued"}
		}

		cm, err := s.evaluate(ctx, run, u, req, now)
		if err != nil {
			return err
		}

		_, evt, err := s.Registry.Apply(ctx, a, bloodunit.TransitionRequest{
			UnitID:   u.ID,
			Expected: u.Status,
			Version:  u.Version,
			To:       bloodunit.StatusIssued,
			Reason:   fmt.Sprintf("%s issue to patient %s", req.Mode, req.PatientID),
		})
		if err != nil {
			return err
		}
		events = append(events, evt)

		rec := &IssueRecord{
			ID:                 uuid.New(),
			UnitID:             u.ID,
			PatientID:          req.PatientID,
			BranchID:           u.BranchID,
			Mode:               req.Mode,
			IssuedToPerson:     strings.TrimSpace(req.IssuedToPerson),
			IssuedToWard:       strings.TrimSpace(req.IssuedToWard),
			TransportBoxTemp:   req.TransportBoxTemp,
			VisualInspectionOK: req.VisualInspectionOK,
			Override:           run.applied,
			Gates:              run.evals,
			IssuedAt:           now,
			IssuedBy:           a.UserID,
		}
		if cm != nil {
			id := cm.ID
			rec.CrossMatchID = &id
		}
		if req.Mode == ModeMTP {
			id := req.MTPReleaseID
			rec.MTPReleaseID = &id
		}
		if err := s.Issues.Create(ctx, rec); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return apperr.Conflict("issue_record", "unit %s has already been issued", u.ID)
			}
			return fmt.Errorf("create issue record: %w", err)
		}

		if cm != nil {
			evt, err := s.Reservations.Consume(ctx, a, cm)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}

		issued := audit.New(a, audit.CategoryCompliance, audit.ActionIssued, rec.ID.String()).
			With("unit_id", u.ID.String()).
			With("mode", string(rec.Mode))
		issued.PatientID = rec.PatientID.String()
		issued.Decision = "allow"
		events = append(events, issued)
		if o := run.applied; o != nil {
			overridden := audit.New(a, audit.CategorySecurity, audit.ActionGateOverridden, rec.ID.String()).
				With("unit_id", u.ID.String()).
				With("gate", o.Gate)
			overridden.PatientID = rec.PatientID.String()
			overridden.Decision = "override"
			overridden.Reason = o.Reason
			events = append(events, overridden)
		}
		out = rec
		return nil
	})

	s.record(ctx, run.events...)
	if err != nil {
		var gd *apperr.GateDenied
		if errors.As(err, &gd) {
			denied := audit.New(a, audit.CategorySecurity, audit.ActionIssueDenied, req.UnitID.String()).
				With("gate", gd.Gate).
				With("mode", string(req.Mode))
			denied.PatientID = req.PatientID.String()
			denied.Decision = "deny"
			denied.Reason = gd.Reason
			s.record(ctx, denied)
			s.logger.Warn().
				Str("unit_id", req.UnitID.String()).
				Str("gate", gd.Gate).
				Str("mode", string(req.Mode)).
				Msg(gd.Reason)
		}
		return nil, err
	}

	s.record(ctx, events...)
	s.metrics.Issue(string(out.Mode))
	s.logger.Info().
		Str("issue_id", out.ID.String()).
		Str("unit_id", out.UnitID.String()).
		Str("mode", string(out.Mode)).
		Bool("overridden", out.Override != nil).
		Msg("unit issued")
	return out, nil
}

// evaluate runs the issue gates and returns the reservation the issue will
// consume (nil for MTP).
func (s *Service) evaluate(ctx context.Context, g *gateRun, u *bloodunit.BloodUnit, req IssueRequest, now time.Time) (*crossmatch.CrossMatchRecord, error) {
	if err := g.check(GateUnitExpiry, !u.Expired(now),
		fmt.Sprintf("unit expired at %s", u.ExpiryDate.Format(time.RFC3339))); err != nil {
		return nil, err
	}

	var cm *crossmatch.CrossMatchRecord
	if req.Mode == ModeMTP {
		ok := u.Status == bloodunit.StatusAvailable || u.Status == bloodunit.StatusTTICleared
		if err := g.check(GateMTPSelection, ok, fmt.Sprintf("unit is %s", u.Status)); err != nil {
			return nil, err
		}
	} else {
		var (
			reason string
			err    error
		)
		cm, reason, err = s.reservationFor(ctx, u, req)
		if err != nil {
			return nil, err
		}
		if err := g.check(GateReservation, reason == "", reason); err != nil {
			return nil, err
		}
	}

	c, err := s.Screening.TTIClearance(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("tti clearance: %w", err)
	}
	if err := g.check(GateTTIClearance, c.Cleared, clearanceReason(c)); err != nil {
		return nil, err
	}

	coldOK, coldReason := true, ""
	switch {
	case u.ColdChainBreached:
		coldOK, coldReason = false, "cold chain breach recorded for unit"
	case req.TransportBoxTemp != nil && !TransportInRange(u.Component, *req.TransportBoxTemp):
		coldOK, coldReason = false, fmt.Sprintf("transport box at %.1fC is out of range for %s", *req.TransportBoxTemp, u.Component)
	}
	if err := g.check(GateColdChain, coldOK, coldReason); err != nil {
		return nil, err
	}

	calOK, calReason := true, ""
	report, err := s.Equipment.Calibration(ctx, u.BranchID)
	switch {
	case err != nil:
		calOK, calReason = false, fmt.Sprintf("calibration status unavailable: %v", err)
	case !report.Current && len(report.Overdue) > 0:
		calOK, calReason = false, "calibration overdue: "+strings.Join(report.Overdue, ", ")
	case !report.Current:
		calOK, calReason = false, "no calibrated storage equipment registered for branch"
	}
	if err := g.check(GateEquipmentCalibration, calOK, calReason); err != nil {
		return nil, err
	}

	visualOK := req.VisualInspectionOK == nil || *req.VisualInspectionOK
	if err := g.check(GateVisualInspection, visualOK, "visual inspection failed"); err != nil {
		return nil, err
	}
	return cm, nil
}

// reservationFor returns the reservation backing a standard issue, or a
// reason it cannot be used.
func (s *Service) reservationFor(ctx context.Context, u *bloodunit.BloodUnit, req IssueRequest) (*crossmatch.CrossMatchRecord, string, error) {
	if u.Status != bloodunit.StatusReserved {
		return nil, fmt.Sprintf("unit is %s, expected %s", u.Status, bloodunit.StatusReserved), nil
	}
	cm, err := s.Reservations.ActiveForUnit(ctx, u.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, "reservation has lapsed", nil
	}
	if err != nil {
		return nil, "", err
	}
	switch {
	case cm.PatientID != req.PatientID:
		return nil, "unit is reserved for another patient", nil
	case req.CrossMatchID != uuid.Nil && cm.ID != req.CrossMatchID:
		return nil, fmt.Sprintf("cross-match %s is not the unit's active reservation", req.CrossMatchID), nil
	case cm.Result != crossmatch.ResultCompatible:
		return nil, fmt.Sprintf("cross-match result is %s", cm.Result), nil
	}
	return cm, "", nil
}

func clearanceReason(c screening.Clearance) string {
	var parts []string
	if len(c.Failing) > 0 {
		parts = append(parts, "disqualifying result for "+strings.Join(c.Failing, ", "))
	}
	if len(c.Missing) > 0 {
		parts = append(parts, "no verified non-reactive result for "+strings.Join(c.Missing, ", "))
	}
	return strings.Join(parts, "; ")
}

// gateRun accumulates gate outcomes for one request.
type gateRun struct {
	a         actor.Actor
	subject   string
	patientID string
	override  *OverrideRequest
	metrics   *telemetry.Metrics

	evals   []apperr.GateEvaluation
	events  []audit.Event
	applied *Override
}

// check records one gate outcome. A failure returns GateDenied unless the
// request carries an override for that gate.
func (g *gateRun) check(gate string, passed bool, reason string) error {
	g.metrics.Gate(gate, passed)
	ev := apperr.GateEvaluation{Gate: gate, Passed: passed}
	decision := "pass"
	if !passed {
		ev.Reason = reason
		decision = "deny"
		if g.override != nil && g.override.Gate == gate {
			decision = "override"
			ev.Reason = fmt.Sprintf("%s; overridden by %s: %s", reason, g.a.UserID, g.override.Reason)
			g.applied = &Override{Gate: gate, Reason: g.override.Reason, By: g.a.UserID}
		}
	}
	g.evals = append(g.evals, ev)

	evt := audit.New(g.a, audit.CategoryCompliance, audit.ActionGateEvaluated, g.subject).With("gate", gate)
	evt.PatientID = g.patientID
	evt.Decision = decision
	evt.Reason = ev.Reason
	g.events = append(g.events, evt)

	if decision != "deny" {
		return nil
	}
	return &apperr.GateDenied{
		Gate:        gate,
		Reason:      reason,
		Evaluations: append([]apperr.GateEvaluation(nil), g.evals...),
	}
}

type BedsideRequest struct {
	IssueID            uuid.UUID
	ScannedPatientID   uuid.UUID
	ScannedUnitBarcode string
	Verifier1          string
	Verifier2          string
}

// BedsideVerify is the two-person check at the bedside. A failed check is
// persisted and escalated and the unit stays ISSUED; a passed check starts
// the transfusion.
func (s *Service) BedsideVerify(ctx context.Context, a actor.Actor, req BedsideRequest) (out *BedsideVerification, err error) {
	req.Verifier1 = strings.TrimSpace(req.Verifier1)
	req.Verifier2 = strings.TrimSpace(req.Verifier2)
	req.ScannedUnitBarcode = strings.TrimSpace(req.ScannedUnitBarcode)
	switch {
	case req.IssueID == uuid.Nil:
		return nil, apperr.Validation("issue_id", "is required")
	case req.Verifier1 == "":
		return nil, apperr.Validation("verifier1", "is required")
	case req.Verifier2 == "":
		return nil, apperr.Validation("verifier2", "is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "issuance.bedside_verify", attribute.String("issue_id", req.IssueID.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	issue, err := s.GetIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}
	if issue.BedsideVerifiedAt != nil {
		return nil, apperr.Conflict("issue_record", "issue %s was already verified at the bedside", issue.ID)
	}
	u, err := s.Registry.Get(ctx, issue.UnitID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	run := &gateRun{a: a, subject: issue.UnitID.String(), patientID: issue.PatientID.String(), metrics: s.metrics}
	err = s.bedsideGates(ctx, run, issue, u, req, now)
	s.record(ctx, run.events...)
	var gd *apperr.GateDenied
	if errors.As(err, &gd) {
		s.metrics.Bedside(false)
		s.bedsideFailed(ctx, a, issue, req, gd, now)
		return nil, gd
	}
	if err != nil {
		return nil, err
	}

	var events []audit.Event
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		_, evt, err := s.Registry.Apply(ctx, a, bloodunit.TransitionRequest{
			UnitID:   u.ID,
			Expected: bloodunit.StatusIssued,
			Version:  u.Version,
			To:       bloodunit.StatusTransfusing,
			Reason:   "bedside verification passed",
		})
		if err != nil {
			return err
		}
		events = append(events, evt)

		v := &BedsideVerification{
			ID:                 uuid.New(),
			IssueID:            issue.ID,
			ScannedPatientID:   req.ScannedPatientID,
			ScannedUnitBarcode: req.ScannedUnitBarcode,
			Verifier1:          req.Verifier1,
			Verifier2:          req.Verifier2,
			Outcome:            BedsidePassed,
			VerifiedAt:         now,
		}
		if err := s.Bedside.Create(ctx, v); err != nil {
			return fmt.Errorf("record bedside verification: %w", err)
		}
		if err := s.Issues.MarkBedsideVerified(ctx, issue.ID, now); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return apperr.Conflict("issue_record", "issue %s was already verified at the bedside", issue.ID)
			}
			return fmt.Errorf("mark bedside verified: %w", err)
		}

		verified := audit.New(a, audit.CategoryCompliance, audit.ActionBedsideVerified, issue.ID.String()).
			With("unit_id", u.ID.String()).
			With("verifier1", v.Verifier1).
			With("verifier2", v.Verifier2)
		verified.PatientID = issue.PatientID.String()
		verified.Decision = "allow"
		events = append(events, verified)
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, events...)
	s.metrics.Bedside(true)
	s.logger.Info().Str("issue_id", issue.ID.String()).Str("unit_id", u.ID.String()).Msg("bedside verification passed")
	return out, nil
}

func (s *Service) bedsideGates(ctx context.Context, g *gateRun, issue *IssueRecord, u *bloodunit.BloodUnit, req BedsideRequest, now time.Time) error {
	if err := g.check(GateTwoPerson, !strings.EqualFold(req.Verifier1, req.Verifier2),
		"verifier1 and verifier2 must be different people"); err != nil {
		return err
	}

	var unknown []string
	for _, id := range []string{req.Verifier1, req.Verifier2} {
		ok, err := s.Directory.StaffExists(ctx, id)
		if err != nil {
			return fmt.Errorf("staff lookup: %w", err)
		}
		if !ok {
			unknown = append(unknown, id)
		}
	}
	if err := g.check(GateStaffIdentity, len(unknown) == 0, "unknown staff: "+strings.Join(unknown, ", ")); err != nil {
		return err
	}

	if err := g.check(GatePatientIdentity, req.ScannedPatientID == issue.PatientID,
		"scanned wristband does not match the issued patient"); err != nil {
		return err
	}
	if err := g.check(GateUnitIdentity, req.ScannedUnitBarcode == u.Barcode,
		"scanned barcode does not match the issued unit"); err != nil {
		return err
	}

	stateReason := ""
	switch {
	case u.Expired(now):
		stateReason = fmt.Sprintf("unit expired at %s", u.ExpiryDate.Format(time.RFC3339))
	case u.Status != bloodunit.StatusIssued:
		stateReason = fmt.Sprintf("unit is %s, expected %s", u.Status, bloodunit.StatusIssued)
	}
	return g.check(GateUnitState, stateReason == "", stateReason)
}

// bedsideFailed keeps the failed attempt as evidence and escalates it. It
// never retries.
func (s *Service) bedsideFailed(ctx context.Context, a actor.Actor, issue *IssueRecord, req BedsideRequest, gd *apperr.GateDenied, now time.Time) {
	v := &BedsideVerification{
		ID:                 uuid.New(),
		IssueID:            issue.ID,
		ScannedPatientID:   req.ScannedPatientID,
		ScannedUnitBarcode: req.ScannedUnitBarcode,
		Verifier1:          req.Verifier1,
		Verifier2:          req.Verifier2,
		Outcome:            BedsideFailed,
		FailureGate:        gd.Gate,
		FailureReason:      gd.Reason,
		VerifiedAt:         now,
	}
	if err := s.Tx.WithinTx(ctx, func(ctx context.Context) error { return s.Bedside.Create(ctx, v) }); err != nil {
		s.logger.Error().Err(err).Str("issue_id", issue.ID.String()).Msg("failed bedside verification not persisted")
	}

	failed := audit.New(a, audit.CategorySecurity, audit.ActionBedsideFailed, issue.ID.String()).
		With("unit_id", issue.UnitID.String()).
		With("gate", gd.Gate).
		With("verifier1", req.Verifier1).
		With("verifier2", req.Verifier2)
	failed.PatientID = issue.PatientID.String()
	failed.Decision = "deny"
	failed.Reason = gd.Reason
	s.record(ctx, failed)

	alert := notify.NewAlert(notify.KindBedsideFailure, notify.SeverityCritical, issue.BranchID, issue.ID.String(),
		fmt.Sprintf("bedside verification failed at %s: %s", gd.Gate, gd.Reason))
	alert.PatientID = issue.PatientID.String()
	alert.Details = map[string]string{"unit_id": issue.UnitID.String(), "gate": gd.Gate}
	if err := s.Notifier.Notify(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("issue_id", issue.ID.String()).Msg("bedside escalation failed")
	}
	s.logger.Error().
		Str("issue_id", issue.ID.String()).
		Str("unit_id", issue.UnitID.String()).
		Str("gate", gd.Gate).
		Msg("bedside verification failed")
}

func (s *Service) GetIssue(ctx context.Context, id uuid.UUID) (*IssueRecord, error) {
	rec, err := s.Issues.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("issue_record", id)
		}
		return nil, fmt.Errorf("get issue record: %w", err)
	}
	return rec, nil
}

func (s *Service) GetIssueByUnit(ctx context.Context, unitID uuid.UUID) (*IssueRecord, error) {
	rec, err := s.Issues.GetByUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("issue_record", unitID)
		}
		return nil, fmt.Errorf("get issue record: %w", err)
	}
	return rec, nil
}

func (s *Service) ListBedside(ctx context.Context, issueID uuid.UUID) ([]*BedsideVerification, error) {
	if _, err := s.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return s.Bedside.ListByIssue(ctx, issueID)
}

// CloseIssue stamps the issue as completed. It must run inside the caller's
// transaction.
func (s *Service) CloseIssue(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.Issues.MarkCompleted(ctx, id, at); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Conflict("issue_record", "issue %s is already completed", id)
		}
		return fmt.Errorf("complete issue: %w", err)
	}
	return nil
}

// OpenIssues lists bedside-verified issues made before cutoff that are
// neither completed nor already reported as abandoned.
func (s *Service) OpenIssues(ctx context.Context, cutoff time.Time, limit int) ([]*IssueRecord, error) {
	return s.Issues.ListOpen(ctx, cutoff, limit)
}

// MarkAbandonAlerted records that an abandoned transfusion was reported. It
// returns a ConflictError when another reporter got there first.
func (s *Service) MarkAbandonAlerted(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.Issues.MarkAbandonAlerted(ctx, id, at); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Conflict("issue_record", "abandoned transfusion for issue %s already reported", id)
		}
		return fmt.Errorf("mark abandon alerted: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, events ...audit.Event) {
	for _, evt := range events {
		if err := s.Audit.Record(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("action", evt.Action).Str("subject", evt.Subject).Msg("audit record failed")
		}
	}
}
