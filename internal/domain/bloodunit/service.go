package bloodunit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

// Service owns every write to a blood unit. Other components change a unit
// only through Transition.
type Service struct {
	units    UnitRepository
	changes  StatusChangeRepository
	discards DiscardRepository
	tx       db.Transactor
	audit    audit.Sink
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(units UnitRepository, changes StatusChangeRepository, discards DiscardRepository,
	tx db.Transactor, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		units:    units,
		changes:  changes,
		discards: discards,
		tx:       tx,
		audit:    sink,
		logger:   logger.With().Str("component", "bloodunit").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// SetClock replaces the wall clock; tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Now() time.Time { return s.now() }

type RegisterRequest struct {
	BranchID       uuid.UUID
	UnitNumber     string
	Barcode        string
	BloodGroup     BloodGroup
	Component      Component
	CollectionDate time.Time
	ExpiryDate     time.Time
	VolumeML       int
}

func (s *Service) Register(ctx context.Context, a actor.Actor, req RegisterRequest) (*BloodUnit, error) {
	if req.BranchID == uuid.Nil {
		req.BranchID = a.BranchID
	}
	if err := a.CheckBranch("blood_unit", req.BranchID); err != nil {
		return nil, err
	}
	switch {
	case req.BranchID == uuid.Nil:
		return nil, apperr.Validation("branch_id", "is required")
	case strings.TrimSpace(req.UnitNumber) == "":
		return nil, apperr.Validation("unit_number", "is required")
	case strings.TrimSpace(req.Barcode) == "":
		return nil, apperr.Validation("barcode", "is required")
	case !req.BloodGroup.Valid():
		return nil, apperr.Validation("blood_group", "unknown blood group %q", req.BloodGroup)
	case !req.Component.Valid():
		return nil, apperr.Validation("component", "unknown component %q", req.Component)
	case req.CollectionDate.IsZero():
		return nil, apperr.Validation("collection_date", "is required")
	case !req.ExpiryDate.After(req.CollectionDate):
		return nil, apperr.Validation("expiry_date", "must be after collection_date")
	case req.VolumeML <= 0:
		return nil, apperr.Validation("volume_ml", "must be positive")
	}

	now := s.now()
	u := &BloodUnit{
		ID:             uuid.New(),
		BranchID:       req.BranchID,
		UnitNumber:     strings.TrimSpace(req.UnitNumber),
		Barcode:        strings.TrimSpace(req.Barcode),
		BloodGroup:     req.BloodGroup,
		Component:      req.Component,
		CollectionDate: req.CollectionDate.UTC(),
		ExpiryDate:     req.ExpiryDate.UTC(),
		VolumeML:       req.VolumeML,
		Status:         StatusCollected,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.units.Create(ctx, u); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, apperr.Conflict("blood_unit", "unit number or barcode already registered")
		}
		return nil, fmt.Errorf("create blood unit: %w", err)
	}

	evt := audit.New(a, audit.CategoryCompliance, audit.ActionUnitRegistered, u.ID.String()).
		With("unit_number", u.UnitNumber).
		With("component", string(u.Component)).
		With("blood_group", string(u.BloodGroup))
	s.record(ctx, evt)
	return u, nil
}

// Get returns the unit with lazy expiry applied to Status.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	u, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Status = u.EffectiveStatus(s.now())
	return u, nil
}

func (s *Service) GetByBarcode(ctx context.Context, barcode string) (*BloodUnit, error) {
	u, err := s.units.GetByBarcode(ctx, barcode)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("blood_unit", barcode)
		}
		return nil, fmt.Errorf("get blood unit by barcode: %w", err)
	}
	u.Status = u.EffectiveStatus(s.now())
	return u, nil
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	if f.Now.IsZero() {
		f.Now = s.now()
	}
	items, total, err := s.units.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list blood units: %w", err)
	}
	for _, u := range items {
		u.Status = u.EffectiveStatus(f.Now)
	}
	return items, total, nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.changes.ListByUnit(ctx, id)
}

func (s *Service) GetDiscard(ctx context.Context, unitID uuid.UUID) (*DiscardRecord, error) {
	d, err := s.discards.GetByUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("discard_record", unitID)
		}
		return nil, err
	}
	return d, nil
}

// TransitionRequest moves a unit along one edge of the state machine.
// Expected and Version are optional guards: when set, the call fails with a
// ConflictError unless the unit is still in that status at that version.
type TransitionRequest struct {
	UnitID   uuid.UUID
	Expected Status
	Version  int64
	To       Status
	Reason   string
}

func (s *Service) Transition(ctx context.Context, a actor.Actor, req TransitionRequest) (*BloodUnit, error) {
	var (
		out *BloodUnit
		evt audit.Event
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		out, evt, err = s.Apply(ctx, a, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, evt)
	return out, nil
}

// Apply performs a transition without recording its audit event, for callers
// composing it into a larger transaction. The caller must run it inside
// WithinTx and record the returned event once the transaction commits.
func (s *Service) Apply(ctx context.Context, a actor.Actor, req TransitionRequest) (*BloodUnit, audit.Event, error) {
	u, err := s.load(ctx, req.UnitID)
	if err != nil {
		return nil, audit.Event{}, err
	}
	now := s.now()
	if eff := u.EffectiveStatus(now); req.Expected != "" && eff != req.Expected {
		if eff == StatusExpired || IsTerminal(eff) {
			return nil, audit.Event{}, &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(eff), Message: fmt.Sprintf("expected %s", req.Expected)}
		}
		return nil, audit.Event{}, apperr.Conflict("blood_unit", "unit %s is %s, expected %s", u.ID, eff, req.Expected)
	}
	if req.Version != 0 && u.Version != req.Version {
		return nil, audit.Event{}, apperr.Conflict("blood_unit", "unit %s is at version %d, expected %d", u.ID, u.Version, req.Version)
	}
	evt, err := s.apply(ctx, a, u, req.To, req.Reason, now)
	if err != nil {
		return nil, audit.Event{}, err
	}
	return u, evt, nil
}

// Record hands events to the audit sink, logging failures.
func (s *Service) Record(ctx context.Context, events ...audit.Event) {
	s.record(ctx, events...)
}

func (s *Service) BeginTesting(ctx context.Context, a actor.Actor, id uuid.UUID) (*BloodUnit, error) {
	return s.Transition(ctx, a, TransitionRequest{UnitID: id, Expected: StatusCollected, To: StatusTesting, Reason: "screening started"})
}

func (s *Service) MarkTTICleared(ctx context.Context, a actor.Actor, id uuid.UUID) (*BloodUnit, error) {
	return s.Transition(ctx, a, TransitionRequest{UnitID: id, Expected: StatusTesting, To: StatusTTICleared, Reason: "required TTI panel non-reactive"})
}

func (s *Service) ReleaseToInventory(ctx context.Context, a actor.Actor, id uuid.UUID) (*BloodUnit, error) {
	return s.Transition(ctx, a, TransitionRequest{UnitID: id, Expected: StatusTTICleared, To: StatusAvailable, Reason: "released to inventory"})
}

// RecordColdChainBreach sets the sticky breach flag. A unit already flagged
// is returned unchanged.
func (s *Service) RecordColdChainBreach(ctx context.Context, a actor.Actor, id uuid.UUID, details string) (*BloodUnit, error) {
	var (
		out     *BloodUnit
		changed bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		u, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		eff := u.EffectiveStatus(s.now())
		if IsTerminal(eff) {
			return &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(eff), Message: "cold-chain breach not recorded"}
		}
		if u.ColdChainBreached {
			out = u
			return nil
		}
		expected := u.Version
		u.ColdChainBreached = true
		u.UpdatedAt = s.now()
		if err := s.units.CompareAndSwap(ctx, u, expected); err != nil {
			return s.casError(u.ID, err)
		}
		out, changed = u, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Warn().Str("unit_id", id.String()).Str("details", details).Msg("cold-chain breach recorded")
		s.record(ctx, audit.New(a, audit.CategoryCompliance, audit.ActionColdChainBreach, id.String()).
			With("details", details).With("version", strconv.FormatInt(out.Version, 10)))
	}
	out.Status = out.EffectiveStatus(s.now())
	return out, nil
}

type DiscardRequest struct {
	UnitID uuid.UUID
	Reason DiscardReason
	Notes  string
}

// Discard is idempotent by unit: a repeated call returns the original record.
// A TTI_REACTIVE unit keeps its status and only gains the destruction record.
func (s *Service) Discard(ctx context.Context, a actor.Actor, req DiscardRequest) (*DiscardRecord, error) {
	var (
		out    *DiscardRecord
		events []audit.Event
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		out, events, err = s.ApplyDiscard(ctx, a, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, events...)
	return out, nil
}

// ApplyDiscard discards a unit without recording audit events, for callers
// composing it into a larger transaction. Like Apply, it must run inside
// WithinTx and the caller records the returned events after commit.
func (s *Service) ApplyDiscard(ctx context.Context, a actor.Actor, req DiscardRequest) (*DiscardRecord, []audit.Event, error) {
	if !req.Reason.Valid() {
		return nil, nil, apperr.Validation("reason", "unknown discard reason %q", req.Reason)
	}
	u, err := s.load(ctx, req.UnitID)
	if err != nil {
		return nil, nil, err
	}
	if err := a.CheckBranch("blood_unit", u.BranchID); err != nil {
		return nil, nil, err
	}
	existing, err := s.discards.GetByUnit(ctx, u.ID)
	if err == nil {
		return existing, nil, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, fmt.Errorf("get discard record: %w", err)
	}

	var events []audit.Event
	now := s.now()
	switch eff := u.EffectiveStatus(now); eff {
	case StatusCompleted:
		return nil, nil, &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(eff), Message: "transfused units cannot be discarded"}
	case StatusTTIReactive, StatusDiscarded:
	default:
		evt, err := s.apply(ctx, a, u, StatusDiscarded, string(req.Reason), now)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, evt)
	}

	d := &DiscardRecord{
		ID:          uuid.New(),
		UnitID:      u.ID,
		Reason:      req.Reason,
		Notes:       req.Notes,
		DiscardedBy: a.UserID,
		DiscardedAt: now,
		CreatedAt:   now,
	}
	if err := s.discards.Create(ctx, d); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, nil, apperr.Conflict("discard_record", "unit %s was discarded concurrently", u.ID)
		}
		return nil, nil, fmt.Errorf("create discard record: %w", err)
	}
	events = append(events, audit.New(a, audit.CategoryCompliance, audit.ActionUnitDiscarded, u.ID.String()).
		With("reason", string(req.Reason)).With("notes", req.Notes))
	return d, events, nil
}

// MarkExpired persists EXPIRED for a unit whose expiry date has passed.
func (s *Service) MarkExpired(ctx context.Context, a actor.Actor, id uuid.UUID) (*BloodUnit, error) {
	return s.Transition(ctx, a, TransitionRequest{UnitID: id, To: StatusExpired, Reason: "expiry date reached"})
}

// ExpireDue persists EXPIRED for up to limit due units. Units that lose a
// version race are skipped and picked up by the next call.
func (s *Service) ExpireDue(ctx context.Context, a actor.Actor, limit int) (int, error) {
	due, err := s.units.ListExpirable(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expirable units: %w", err)
	}
	n := 0
	for _, u := range due {
		_, err := s.Transition(ctx, a, TransitionRequest{UnitID: u.ID, Version: u.Version, To: StatusExpired, Reason: "expiry date reached"})
		switch {
		case err == nil:
			n++
		case apperr.IsRetryable(err):
			s.logger.Debug().Str("unit_id", u.ID.String()).Msg("expiry skipped on version conflict")
		default:
			return n, err
		}
	}
	return n, nil
}

// apply validates the edge from the unit's effective status, performs the
// version CAS and writes the status-change row. u is updated in place.
func (s *Service) apply(ctx context.Context, a actor.Actor, u *BloodUnit, to Status, reason string, now time.Time) (audit.Event, error) {
	from := u.EffectiveStatus(now)
	switch {
	case to == StatusExpired:
		if !expirable[u.Status] {
			return audit.Event{}, &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(u.Status), Message: "cannot expire"}
		}
		if !u.Expired(now) {
			return audit.Event{}, apperr.Validation("to", "unit %s has not reached its expiry date", u.ID)
		}
		from = u.Status
	case from == StatusExpired && to != StatusDiscarded:
		return audit.Event{}, &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(from), Message: "expired units may only be discarded"}
	case IsTerminal(from):
		return audit.Event{}, &apperr.TerminalStateError{UnitID: u.ID.String(), Status: string(from)}
	case !CanTransition(from, to):
		return audit.Event{}, apperr.Validation("to", "illegal transition %s -> %s", from, to)
	}

	expected := u.Version
	u.Status = to
	u.UpdatedAt = now
	if err := s.units.CompareAndSwap(ctx, u, expected); err != nil {
		return audit.Event{}, s.casError(u.ID, err)
	}

	sc := &StatusChange{
		ID:        uuid.New(),
		UnitID:    u.ID,
		From:      from,
		To:        to,
		Version:   u.Version,
		Reason:    reason,
		ChangedBy: a.UserID,
		ChangedAt: now,
	}
	if err := s.changes.Create(ctx, sc); err != nil {
		return audit.Event{}, fmt.Errorf("record status change: %w", err)
	}

	s.metrics.Transition(string(from), string(to))
	s.logger.Info().
		Str("unit_id", u.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("version", u.Version).
		Msg("unit transitioned")

	evt := audit.New(a, audit.CategoryCompliance, audit.ActionUnitTransitioned, u.ID.String()).
		With("from", string(from)).
		With("to", string(to)).
		With("version", strconv.FormatInt(u.Version, 10))
	evt.Reason = reason
	return evt, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	u, err := s.units.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("blood_unit", id)
		}
		return nil, fmt.Errorf("get blood unit: %w", err)
	}
	return u, nil
}

func (s *Service) casError(id uuid.UUID, err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return apperr.Conflict("blood_unit", "unit %s was modified concurrently", id)
	}
	return fmt.Errorf("update blood unit: %w", err)
}

func (s *Service) record(ctx context.Context, events ...audit.Event) {
	for _, evt := range events {
		if err := s.audit.Record(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("action", evt.Action).Str("subject", evt.Subject).Msg("audit record failed")
		}
	}
}
