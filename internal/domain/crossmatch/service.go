package crossmatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

// Gate names reported by Reserve.
const (
	GatePatientGrouping    = "patient_grouping"
	GateTypingDiscrepancy  = "typing_discrepancy"
	GateABORhCompatibility = "abo_rh_compatibility"
	GateElectronicEligible = "electronic_crossmatch_eligibility"
)

type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*bloodunit.BloodUnit, error)
	Apply(ctx context.Context, a actor.Actor, req bloodunit.TransitionRequest) (*bloodunit.BloodUnit, audit.Event, error)
}

type Groupings interface {
	GetPatientGrouping(ctx context.Context, patientID uuid.UUID) ([]*screening.PatientGrouping, error)
}

type Service struct {
	repo      Repository
	registry  Registry
	groupings Groupings
	tx        db.Transactor
	audit     audit.Sink
	hold      time.Duration
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService builds the cross-match engine. hold is how long a reservation
// keeps a unit away from other patients.
func NewService(repo Repository, registry Registry, groupings Groupings, tx db.Transactor,
	sink audit.Sink, hold time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		registry:  registry,
		groupings: groupings,
		tx:        tx,
		audit:     sink,
		hold:      hold,
		logger:    logger.With().Str("component", "crossmatch").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

type ReserveRequest struct {
	UnitID    uuid.UUID
	PatientID uuid.UUID
	Method    Method
}

// Reserve cross-matches a unit for a patient and holds it for the configured
// window. Concurrent calls for one unit race on the registry version; exactly
// one succeeds and the rest receive a ConflictError.
func (s *Service) Reserve(ctx context.Context, a actor.Actor, req ReserveRequest) (out *CrossMatchRecord, err error) {
	switch {
	case req.UnitID == uuid.Nil:
		return nil, apperr.Validation("unit_id", "is required")
	case req.PatientID == uuid.Nil:
		return nil, apperr.Validation("patient_id", "is required")
	case !req.Method.Valid():
		return nil, apperr.Validation("method", "unknown cross-match method %q", req.Method)
	}

	ctx, span := telemetry.StartSpan(ctx, "crossmatch.reserve",
		attribute.String("unit_id", req.UnitID.String()),
		attribute.String("method", string(req.Method)))
	defer func() {
		s.metrics.Reservation(string(req.Method), err == nil)
		telemetry.EndSpan(span, err)
	}()

	var events []audit.Event
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		u, err := s.registry.Get(ctx, req.UnitID)
		if err != nil {
			return err
		}
		if err := a.CheckBranch("blood_unit", u.BranchID); err != nil {
			return err
		}

		var stale *CrossMatchRecord
		switch u.Status {
		case bloodunit.StatusAvailable:
		case bloodunit.StatusReserved:
			active, err := s.repo.GetActiveByUnit(ctx, u.ID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return fmt.Errorf("get active reservation: %w", err)
			}
			if active == nil || active.Live(now) {
				return apperr.Conflict("blood_unit", "unit %s is already reserved", u.ID)
			}
			stale = active
		default:
			return unavailable(u)
		}

		result, err := s.evaluate(ctx, u, req)
		if err != nil {
			return err
		}

		if stale != nil {
			evts, err := s.close(ctx, a, stale, ReservationExpired, "reservation expired", now)
			if err != nil {
				return err
			}
			events = append(events, evts...)
			if u, err = s.registry.Get(ctx, u.ID); err != nil {
				return err
			}
		}

		_, evt, err := s.registry.Apply(ctx, a, bloodunit.TransitionRequest{
			UnitID:   u.ID,
			Expected: bloodunit.StatusAvailable,
			Version:  u.Version,
			To:       bloodunit.StatusReserved,
			Reason:   fmt.Sprintf("%s cross-match for patient %s", req.Method, req.PatientID),
		})
		if err != nil {
			return err
		}
		events = append(events, evt)

		rec := &CrossMatchRecord{
			ID:                   uuid.New(),
			BloodUnitID:          u.ID,
			PatientID:            req.PatientID,
			BranchID:             u.BranchID,
			Method:               req.Method,
			Result:               result,
			ReservationStatus:    ReservationActive,
			ReservationExpiresAt: now.Add(s.hold),
			PerformedBy:          a.UserID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if result != ResultPending {
			rec.ResultRecordedBy = a.UserID
		}
		if err := s.repo.Create(ctx, rec); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return apperr.Conflict("cross_match", "unit %s already has an active reservation", u.ID)
			}
			return fmt.Errorf("create cross-match: %w", err)
		}
		out = rec

		reserved := audit.New(a, audit.CategoryCompliance, audit.ActionReserved, rec.ID.String()).
			With("unit_id", u.ID.String()).
			With("method", string(rec.Method)).
			With("result", string(rec.Result)).
			With("expires_at", rec.ReservationExpiresAt.Format(time.RFC3339))
		reserved.PatientID = rec.PatientID.String()
		events = append(events, reserved)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, events...)
	s.logger.Info().
		Str("cross_match_id", out.ID.String()).
		Str("unit_id", out.BloodUnitID.String()).
		Str("result", string(out.Result)).
		Time("expires_at", out.ReservationExpiresAt).
		Msg("unit reserved")
	return out, nil
}

// evaluate checks the patient's typings against the unit and returns the
// initial cross-match result.
func (s *Service) evaluate(ctx context.Context, u *bloodunit.BloodUnit, req ReserveRequest) (Result, error) {
	typings, err := s.groupings.GetPatientGrouping(ctx, req.PatientID)
	if err != nil {
		return "", err
	}
	if len(typings) == 0 {
		return "", apperr.Denied(GatePatientGrouping, "no ABO/Rh typing on file for patient")
	}
	recipient := typings[0].BloodGroup
	for _, t := range typings[1:] {
		if t.BloodGroup != recipient {
			return "", apperr.Denied(GateTypingDiscrepancy,
				fmt.Sprintf("typings on file disagree (%s vs %s)", recipient, t.BloodGroup))
		}
	}

	if ok, _ := bloodunit.Compatible(u.Component, u.BloodGroup, recipient); !ok {
		return "", apperr.Denied(GateABORhCompatibility,
			fmt.Sprintf("%s %s is not compatible with recipient %s", u.BloodGroup, u.Component, recipient))
	}

	if req.Method.Serological() {
		return ResultPending, nil
	}

	samples := make(map[string]bool)
	for _, t := range typings {
		if len(t.Antibodies) > 0 {
			return "", apperr.Denied(GateElectronicEligible, "patient has clinically significant antibodies on file")
		}
		if t.Verified() && t.SampleID != "" {
			samples[t.SampleID] = true
		}
	}
	if len(samples) < 2 {
		return "", apperr.Denied(GateElectronicEligible,
			fmt.Sprintf("electronic cross-match needs two verified typings from separate samples, found %d", len(samples)))
	}
	return ResultCompatible, nil
}

func unavailable(u *bloodunit.BloodUnit) error {
	if u.Status == bloodunit.StatusExpired || bloodunit.IsTerminal(u.Status) {
		return &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(u.Status), Message: "cannot be reserved"}
	}
	return apperr.Conflict("blood_unit", "unit %s is %s, expected %s", u.ID, u.Status, bloodunit.StatusAvailable)
}

// RecordResult completes a serological cross-match. An incompatible result
// releases the unit back to inventory.
func (s *Service) RecordResult(ctx context.Context, a actor.Actor, id uuid.UUID, result Result) (*CrossMatchRecord, error) {
	if result != ResultCompatible && result != ResultIncompatible {
		return nil, apperr.Validation("result", "must be %s or %s", ResultCompatible, ResultIncompatible)
	}

	var (
		out    *CrossMatchRecord
		events []audit.Event
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		rec, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case rec.Result != ResultPending:
			return apperr.Conflict("cross_match", "result already recorded as %s", rec.Result)
		case !rec.Live(now):
			return apperr.Conflict("cross_match", "reservation is no longer active")
		}

		rec.Result = result
		rec.ResultRecordedBy = a.UserID
		rec.UpdatedAt = now
		if result == ResultIncompatible {
			evts, err := s.close(ctx, a, rec, ReservationReleased, "incompatible cross-match", now)
			if err != nil {
				return err
			}
			events = append(events, evts...)
		} else if err := s.repo.Update(ctx, rec, ReservationActive); err != nil {
			return s.updateError(rec.ID, err)
		}
		out = rec

		evt := audit.New(a, audit.CategoryCompliance, audit.ActionCrossMatchResult, rec.ID.String()).
			With("unit_id", rec.BloodUnitID.String()).
			With("result", string(result))
		evt.PatientID = rec.PatientID.String()
		events = append(events, evt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, events...)
	return out, nil
}

// Release cancels an active reservation and returns the unit to inventory.
func (s *Service) Release(ctx context.Context, a actor.Actor, id uuid.UUID, reason string) (*CrossMatchRecord, error) {
	var (
		out    *CrossMatchRecord
		events []audit.Event
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		rec, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if rec.ReservationStatus != ReservationActive {
			return apperr.Conflict("cross_match", "reservation is %s", rec.ReservationStatus)
		}
		if reason == "" {
			reason = "released"
		}
		evts, err := s.close(ctx, a, rec, ReservationReleased, reason, s.now())
		if err != nil {
			return err
		}
		events = evts
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, events...)
	return out, nil
}

// SweepExpired closes up to limit reservations whose hold has lapsed and
// returns their units to inventory. Reservations that lose a race are left
// for the next sweep.
func (s *Service) SweepExpired(ctx context.Context, a actor.Actor, limit int) (int, error) {
	due, err := s.repo.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}
	n := 0
	for _, rec := range due {
		var events []audit.Event
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			evts, err := s.close(ctx, a, rec, ReservationExpired, "reservation expired", s.now())
			events = evts
			return err
		})
		switch {
		case err == nil:
			n++
			s.record(ctx, events...)
		case apperr.IsRetryable(err):
			s.logger.Debug().Str("cross_match_id", rec.ID.String()).Msg("reservation sweep skipped on conflict")
		default:
			return n, err
		}
	}
	s.metrics.Swept(n)
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired reservations released")
	}
	return n, nil
}

// close ends an ACTIVE reservation and, when the unit is still held by it,
// moves the unit RESERVED -> AVAILABLE. A unit that has since moved on
// (discarded, expired) keeps its status.
func (s *Service) close(ctx context.Context, a actor.Actor, rec *CrossMatchRecord, to ReservationStatus, reason string, now time.Time) ([]audit.Event, error) {
	rec.ReservationStatus = to
	rec.UpdatedAt = now
	if err := s.repo.Update(ctx, rec, ReservationActive); err != nil {
		return nil, s.updateError(rec.ID, err)
	}

	action := audit.ActionReservationReleased
	if to == ReservationExpired {
		action = audit.ActionReservationExpired
	}
	closed := audit.New(a, audit.CategoryCompliance, action, rec.ID.String()).
		With("unit_id", rec.BloodUnitID.String())
	closed.PatientID = rec.PatientID.String()
	closed.Reason = reason
	events := []audit.Event{closed}

	u, err := s.registry.Get(ctx, rec.BloodUnitID)
	if err != nil {
		return nil, err
	}
	if u.Status != bloodunit.StatusReserved {
		return events, nil
	}
	_, evt, err := s.registry.Apply(ctx, a, bloodunit.TransitionRequest{
		UnitID: u.ID, Expected: bloodunit.StatusReserved, Version: u.Version, To: bloodunit.StatusAvailable, Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return append(events, evt), nil
}

// Consume marks a reservation as used by an issue. It must run inside the
// caller's transaction; the returned event is recorded by the caller.
func (s *Service) Consume(ctx context.Context, a actor.Actor, rec *CrossMatchRecord) (audit.Event, error) {
	rec.ReservationStatus = ReservationConsumed
	rec.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, rec, ReservationActive); err != nil {
		return audit.Event{}, s.updateError(rec.ID, err)
	}
	evt := audit.New(a, audit.CategoryCompliance, audit.ActionReservationConsumed, rec.ID.String()).
		With("unit_id", rec.BloodUnitID.String())
	evt.PatientID = rec.PatientID.String()
	return evt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*CrossMatchRecord, error) {
	return s.load(ctx, id)
}

// ActiveForUnit returns the unit's live reservation.
func (s *Service) ActiveForUnit(ctx context.Context, unitID uuid.UUID) (*CrossMatchRecord, error) {
	rec, err := s.repo.GetActiveByUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("reservation", unitID)
		}
		return nil, fmt.Errorf("get active reservation: %w", err)
	}
	if !rec.Live(s.now()) {
		return nil, apperr.NotFound("reservation", unitID)
	}
	return rec, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*CrossMatchRecord, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*CrossMatchRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("cross_match", id)
		}
		return nil, fmt.Errorf("get cross-match: %w", err)
	}
	return rec, nil
}

func (s *Service) updateError(id uuid.UUID, err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return apperr.Conflict("cross_match", "reservation %s was modified concurrently", id)
	}
	return fmt.Errorf("update cross-match: %w", err)
}

func (s *Service) record(ctx context.Context, events ...audit.Event) {
	for _, evt := range events {
		if err := s.audit.Record(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("action", evt.Action).Str("subject", evt.Subject).Msg("audit record failed")
		}
	}
}
