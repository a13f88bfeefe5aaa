package screening

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/notify"
)

// Registry is the slice of the unit registry screening drives.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*bloodunit.BloodUnit, error)
	Apply(ctx context.Context, a actor.Actor, req bloodunit.TransitionRequest) (*bloodunit.BloodUnit, audit.Event, error)
	ApplyDiscard(ctx context.Context, a actor.Actor, req bloodunit.DiscardRequest) (*bloodunit.DiscardRecord, []audit.Event, error)
	Record(ctx context.Context, events ...audit.Event)
}

type Service struct {
	results   TTIRepository
	groupings GroupingRepository
	registry  Registry
	directory directory.Directory
	notifier  notify.Notifier
	tx        db.Transactor
	audit     audit.Sink
	required  []string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService builds the screening service. required is the TTI panel every
// unit must clear; names are compared case-insensitively.
func NewService(results TTIRepository, groupings GroupingRepository, registry Registry,
	dir directory.Directory, notifier notify.Notifier, tx db.Transactor, sink audit.Sink,
	required []string, logger zerolog.Logger) *Service {
	panel := make([]string, 0, len(required))
	for _, t := range required {
		if t = normalizeTest(t); t != "" {
			panel = append(panel, t)
		}
	}
	sort.Strings(panel)
	return &Service{
		results:   results,
		groupings: groupings,
		registry:  registry,
		directory: dir,
		notifier:  notifier,
		tx:        tx,
		audit:     sink,
		required:  panel,
		logger:    logger.With().Str("component", "screening").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) RequiredTests() []string {
	return append([]string(nil), s.required...)
}

func normalizeTest(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

type RecordTTIRequest struct {
	UnitID       uuid.UUID
	TestName     string
	Method       string
	KitLotNumber string
	Result       Outcome
	VerifiedBy   string
	TestedAt     time.Time
	// Correction must be set to replace a verified result.
	Correction bool
}

// RecordTTIResult stores a screening result and applies its effect on the
// unit. It is idempotent by (unit, test): re-delivering the stored result
// returns it unchanged.
func (s *Service) RecordTTIResult(ctx context.Context, a actor.Actor, req RecordTTIRequest) (*TTIResult, error) {
	req.TestName = normalizeTest(req.TestName)
	req.Method = strings.TrimSpace(req.Method)
	req.KitLotNumber = strings.TrimSpace(req.KitLotNumber)
	req.VerifiedBy = strings.TrimSpace(req.VerifiedBy)
	switch {
	case req.UnitID == uuid.Nil:
		return nil, apperr.Validation("unit_id", "is required")
	case req.TestName == "":
		return nil, apperr.Validation("test_name", "is required")
	case !req.Result.Valid():
		return nil, apperr.Validation("result", "unknown result %q", req.Result)
	case req.Result == OutcomePending && req.VerifiedBy != "":
		return nil, apperr.Validation("verified_by", "a pending result cannot be verified")
	}

	var (
		out    *TTIResult
		events []audit.Event
		alerts []notify.Alert
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		u, err := s.registry.Get(ctx, req.UnitID)
		if err != nil {
			return err
		}
		if err := a.CheckBranch("blood_unit", u.BranchID); err != nil {
			return err
		}

		now := s.now()
		res := &TTIResult{
			ID:           uuid.New(),
			UnitID:       u.ID,
			TestName:     req.TestName,
			Method:       req.Method,
			KitLotNumber: req.KitLotNumber,
			Result:       req.Result,
			VerifiedBy:   req.VerifiedBy,
			TestedAt:     req.TestedAt.UTC(),
			Correction:   req.Correction,
			CreatedAt:    now,
		}
		if res.TestedAt.IsZero() {
			res.TestedAt = now
		}
		if res.VerifiedBy != "" {
			res.VerifiedAt = &now
		}

		existing, err := s.results.GetCurrent(ctx, u.ID, req.TestName)
		switch {
		case err == nil:
			if existing.sameAs(req) {
				out = existing
				return nil
			}
			if existing.Verified() && !req.Correction {
				return apperr.Validation("correction", "%s already has a verified %s result", req.TestName, existing.Result)
			}
			if err := s.results.Supersede(ctx, existing.ID); err != nil {
				if errors.Is(err, apperr.ErrConflict) {
					return apperr.Conflict("tti_result", "%s on unit %s was updated concurrently", req.TestName, u.ID)
				}
				return fmt.Errorf("supersede tti result: %w", err)
			}
			res.CorrectionOf = &existing.ID
		case errors.Is(err, apperr.ErrNotFound):
			if req.Correction {
				return apperr.Validation("correction", "no %s result to correct", req.TestName)
			}
		default:
			return fmt.Errorf("get tti result: %w", err)
		}

		if err := s.results.Create(ctx, res); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return apperr.Conflict("tti_result", "%s on unit %s was recorded concurrently", req.TestName, u.ID)
			}
			return fmt.Errorf("create tti result: %w", err)
		}
		out = res

		evt := audit.New(a, audit.CategoryCompliance, audit.ActionTTIRecorded, u.ID.String()).
			With("test_name", res.TestName).
			With("result", string(res.Result)).
			With("kit_lot_number", res.KitLotNumber)
		if res.Correction {
			evt = evt.With("correction_of", res.CorrectionOf.String())
		}
		events = append(events, evt)

		effects, lookback, err := s.applyEffect(ctx, a, u, res)
		if err != nil {
			return err
		}
		events = append(events, effects...)
		if lookback != nil {
			alerts = append(alerts, *lookback)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.registry.Record(ctx, events...)
	for _, al := range alerts {
		if err := s.notifier.Notify(ctx, al); err != nil {
			s.logger.Error().Err(err).Str("unit_id", al.Subject).Msg("lookback alert failed")
		}
	}
	return out, nil
}

// applyEffect moves the unit according to a newly stored result. A
// disqualifying result is terminal: before release the unit becomes
// TTI_REACTIVE with a queued discard, after release it is discarded and
// flagged for lookback.
func (s *Service) applyEffect(ctx context.Context, a actor.Actor, u *bloodunit.BloodUnit, res *TTIResult) ([]audit.Event, *notify.Alert, error) {
	var events []audit.Event
	step := func(to bloodunit.Status, reason string) error {
		next, evt, err := s.registry.Apply(ctx, a, bloodunit.TransitionRequest{
			UnitID: u.ID, Expected: u.Status, Version: u.Version, To: to, Reason: reason,
		})
		if err != nil {
			return err
		}
		*u = *next
		events = append(events, evt)
		return nil
	}
	discard := func(notes string) error {
		_, evts, err := s.registry.ApplyDiscard(ctx, a, bloodunit.DiscardRequest{
			UnitID: u.ID, Reason: bloodunit.DiscardTTIReactive, Notes: notes,
		})
		if err != nil {
			return err
		}
		events = append(events, evts...)
		return nil
	}

	if res.Result.Disqualifying() {
		reason := fmt.Sprintf("%s %s", res.TestName, res.Result)
		switch u.Status {
		case bloodunit.StatusCollected, bloodunit.StatusTesting:
			if u.Status == bloodunit.StatusCollected {
				if err := step(bloodunit.StatusTesting, "screening started"); err != nil {
					return nil, nil, err
				}
			}
			if err := step(bloodunit.StatusTTIReactive, reason); err != nil {
				return nil, nil, err
			}
			if err := discard(reason); err != nil {
				return nil, nil, err
			}
			s.logger.Warn().Str("unit_id", u.ID.String()).Str("test", res.TestName).Msg("unit quarantined on reactive screen")
			return events, nil, nil
		case bloodunit.StatusTTIReactive, bloodunit.StatusDiscarded:
			return events, nil, nil
		case bloodunit.StatusExpired:
			if err := discard(reason); err != nil {
				return nil, nil, err
			}
			return events, nil, nil
		case bloodunit.StatusCompleted:
		default:
			if err := discard(reason + " (lookback)"); err != nil {
				return nil, nil, err
			}
		}

		// Lookback: the unit already left screening.
		events = append(events, audit.New(a, audit.CategorySecurity, audit.ActionTTILookback, u.ID.String()).
			With("test_name", res.TestName).
			With("result", string(res.Result)).
			With("status", string(u.Status)))
		alert := notify.NewAlert(notify.KindTTILookback, notify.SeverityCritical, u.BranchID, u.ID.String(),
			fmt.Sprintf("unit %s returned %s after leaving screening (status %s)", u.UnitNumber, reason, u.Status))
		return events, &alert, nil
	}

	if u.Status == bloodunit.StatusCollected {
		if err := step(bloodunit.StatusTesting, "screening started"); err != nil {
			return nil, nil, err
		}
	}
	if u.Status != bloodunit.StatusTesting {
		return events, nil, nil
	}
	c, err := s.clearance(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	if c.Cleared {
		if err := step(bloodunit.StatusTTICleared, "required TTI panel non-reactive"); err != nil {
			return nil, nil, err
		}
	}
	return events, nil, nil
}

func (s *Service) ListTTIResults(ctx context.Context, unitID uuid.UUID, includeSuperseded bool) ([]*TTIResult, error) {
	if _, err := s.registry.Get(ctx, unitID); err != nil {
		return nil, err
	}
	if includeSuperseded {
		return s.results.ListAll(ctx, unitID)
	}
	return s.results.ListCurrent(ctx, unitID)
}

// TTIClearance reports whether every required test has a verified
// NON_REACTIVE result and no test of any name is disqualifying.
func (s *Service) TTIClearance(ctx context.Context, unitID uuid.UUID) (Clearance, error) {
	if _, err := s.registry.Get(ctx, unitID); err != nil {
		return Clearance{}, err
	}
	return s.clearance(ctx, unitID)
}

func (s *Service) clearance(ctx context.Context, unitID uuid.UUID) (Clearance, error) {
	current, err := s.results.ListCurrent(ctx, unitID)
	if err != nil {
		return Clearance{}, fmt.Errorf("list tti results: %w", err)
	}
	byTest := make(map[string]*TTIResult, len(current))
	c := Clearance{UnitID: unitID}
	for _, r := range current {
		byTest[r.TestName] = r
		if r.Result.Disqualifying() {
			c.Failing = append(c.Failing, r.TestName)
		}
	}
	for _, name := range s.required {
		r, ok := byTest[name]
		if !ok || !r.Verified() {
			c.Missing = append(c.Missing, name)
		}
	}
	sort.Strings(c.Failing)
	c.Cleared = len(c.Missing) == 0 && len(c.Failing) == 0
	return c, nil
}

type GroupingRequest struct {
	PatientID          uuid.UUID
	BloodGroup         bloodunit.BloodGroup
	Antibodies         []string
	VerificationMethod VerificationMethod
	SampleID           string
	VerifiedBy         string
	TypedAt            time.Time
}

// RecordPatientGrouping stores a typing. It never touches unit state.
func (s *Service) RecordPatientGrouping(ctx context.Context, a actor.Actor, req GroupingRequest) (*PatientGrouping, error) {
	switch {
	case req.PatientID == uuid.Nil:
		return nil, apperr.Validation("patient_id", "is required")
	case !req.BloodGroup.Valid():
		return nil, apperr.Validation("blood_group", "unknown blood group %q", req.BloodGroup)
	case !req.VerificationMethod.Valid():
		return nil, apperr.Validation("verification_method", "unknown verification method %q", req.VerificationMethod)
	case strings.TrimSpace(req.VerifiedBy) != "" && strings.TrimSpace(req.VerifiedBy) == a.UserID:
		return nil, apperr.Validation("verified_by", "must differ from the person typing the sample")
	}

	ok, err := s.directory.PatientExists(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("patient lookup: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("patient", req.PatientID)
	}

	now := s.now()
	g := &PatientGrouping{
		ID:                 uuid.New(),
		PatientID:          req.PatientID,
		BloodGroup:         req.BloodGroup,
		Antibodies:         normalizeAntibodies(req.Antibodies),
		VerificationMethod: req.VerificationMethod,
		SampleID:           strings.TrimSpace(req.SampleID),
		TypedBy:            a.UserID,
		VerifiedBy:         strings.TrimSpace(req.VerifiedBy),
		TypedAt:            req.TypedAt.UTC(),
		CreatedAt:          now,
	}
	if g.TypedAt.IsZero() {
		g.TypedAt = now
	}
	if err := s.groupings.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create patient grouping: %w", err)
	}

	evt := audit.New(a, audit.CategoryCompliance, audit.ActionGroupingRecorded, g.ID.String()).
		With("blood_group", string(g.BloodGroup)).
		With("verification_method", string(g.VerificationMethod))
	evt.PatientID = g.PatientID.String()
	s.registry.Record(ctx, evt)
	return g, nil
}

// GetPatientGrouping returns every typing on file, newest first.
func (s *Service) GetPatientGrouping(ctx context.Context, patientID uuid.UUID) ([]*PatientGrouping, error) {
	out, err := s.groupings.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient groupings: %w", err)
	}
	return out, nil
}

func normalizeAntibodies(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, ab := range in {
		ab = strings.TrimSpace(ab)
		if ab == "" || seen[strings.ToUpper(ab)] {
			continue
		}
		seen[strings.ToUpper(ab)] = true
		out = append(out, ab)
	}
	return out
}
