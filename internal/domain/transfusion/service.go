package transfusion

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
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*bloodunit.BloodUnit, error)
	Apply(ctx context.Context, a actor.Actor, req bloodunit.TransitionRequest) (*bloodunit.BloodUnit, audit.Event, error)
}

type Issues interface {
	GetIssue(ctx context.Context, id uuid.UUID) (*issuance.IssueRecord, error)
	CloseIssue(ctx context.Context, id uuid.UUID, at time.Time) error
	OpenIssues(ctx context.Context, cutoff time.Time, limit int) ([]*issuance.IssueRecord, error)
	MarkAbandonAlerted(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Service struct {
	repo     Repository
	issues   Issues
	registry Registry
	notifier notify.Notifier
	tx       db.Transactor
	audit    audit.Sink
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService builds the transfusion monitor. A transfusion still running
// timeout after issue is reported as abandoned.
func NewService(repo Repository, issues Issues, registry Registry, notifier notify.Notifier,
	tx db.Transactor, sink audit.Sink, timeout time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		issues:   issues,
		registry: registry,
		notifier: notifier,
		tx:       tx,
		audit:    sink,
		timeout:  timeout,
		logger:   logger.With().Str("component", "transfusion").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// VitalsRequest leaves Interval empty to fill the earliest unfilled bucket.
type VitalsRequest struct {
	IssueID         uuid.UUID
	Interval        Interval
	Vitals          Vitals
	AdverseReaction string
}

func validateVitals(v Vitals) error {
	ints := []struct {
		field string
		val   *int
	}{
		{"pulse", v.Pulse},
		{"systolic_bp", v.SystolicBP},
		{"diastolic_bp", v.DiastolicBP},
		{"respiratory_rate", v.RespiratoryRate},
		{"spo2", v.SpO2},
		{"volume_transfused", v.VolumeTransfused},
	}
	for _, f := range ints {
		if f.val != nil && *f.val < 0 {
			return apperr.Validation(f.field, "must not be negative")
		}
	}
	if v.SpO2 != nil && *v.SpO2 > 100 {
		return apperr.Validation("spo2", "must be a percentage")
	}
	if v.Temperature != nil && (*v.Temperature < 25 || *v.Temperature > 45) {
		return apperr.Validation("temperature", "%.1f is not a plausible body temperature", *v.Temperature)
	}
	return nil
}

// RecordVitals fills one monitoring bucket. Recording END completes the
// transfusion in the same transaction.
func (s *Service) RecordVitals(ctx context.Context, a actor.Actor, req VitalsRequest) (*TransfusionVitals, error) {
	req.AdverseReaction = strings.TrimSpace(req.AdverseReaction)
	switch {
	case req.IssueID == uuid.Nil:
		return nil, apperr.Validation("issue_id", "is required")
	case req.Interval != "" && !req.Interval.Valid():
		return nil, apperr.Validation("interval", "unknown interval %q", req.Interval)
	}
	if err := validateVitals(req.Vitals); err != nil {
		return nil, err
	}

	var (
		out    *TransfusionVitals
		issue  *issuance.IssueRecord
		events []audit.Event
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if issue, err = s.issues.GetIssue(ctx, req.IssueID); err != nil {
			return err
		}
		u, err := s.registry.Get(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		existing, err := s.repo.ListByIssue(ctx, issue.ID)
		if err != nil {
			return fmt.Errorf("list vitals: %w", err)
		}

		interval := req.Interval
		if interval == "" {
			if interval = nextInterval(existing, s.now().Sub(issue.IssuedAt)); interval == "" {
				return apperr.Conflict("transfusion_vitals", "every interval for issue %s is recorded", issue.ID)
			}
		}
		if filled(existing, interval) {
			return apperr.Conflict("transfusion_vitals", "%s vitals for issue %s are already recorded", interval, issue.ID)
		}
		switch {
		case interval == IntervalPre && (u.Status == bloodunit.StatusIssued || u.Status == bloodunit.StatusTransfusing):
		case u.Status == bloodunit.StatusTransfusing:
		default:
			return apperr.Validation("interval", "%s vitals cannot be recorded while the unit is %s", interval, u.Status)
		}

		now := s.now()
		v := &TransfusionVitals{
			ID:              uuid.New(),
			IssueID:         issue.ID,
			Interval:        interval,
			Vitals:          req.Vitals,
			AdverseReaction: req.AdverseReaction,
			RecordedBy:      a.UserID,
			RecordedAt:      now,
		}
		if err := s.repo.Create(ctx, v); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return apperr.Conflict("transfusion_vitals", "%s vitals for issue %s are already recorded", interval, issue.ID)
			}
			return fmt.Errorf("create vitals: %w", err)
		}

		recorded := audit.New(a, audit.CategoryCompliance, audit.ActionVitalsRecorded, issue.ID.String()).
			With("unit_id", issue.UnitID.String()).
			With("interval", string(interval))
		recorded.PatientID = issue.PatientID.String()
		events = append(events, recorded)

		if interval == IntervalEnd {
			_, evt, err := s.registry.Apply(ctx, a, bloodunit.TransitionRequest{
				UnitID:   u.ID,
				Expected: bloodunit.StatusTransfusing,
				Version:  u.Version,
				To:       bloodunit.StatusCompleted,
				Reason:   "transfusion completed",
			})
			if err != nil {
				return err
			}
			events = append(events, evt)
			if err := s.issues.CloseIssue(ctx, issue.ID, now); err != nil {
				return err
			}
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, events...)
	if out.AdverseReaction != "" {
		s.adverseReaction(ctx, a, issue, out)
	}
	s.logger.Info().
		Str("issue_id", issue.ID.String()).
		Str("interval", string(out.Interval)).
		Msg("vitals recorded")
	return out, nil
}

// nextInterval picks the bucket for a reading taken elapsed after issue: the
// latest bucket already due, or the first unfilled one after it. It returns
// "" when nothing from that point on is left.
func nextInterval(existing []*TransfusionVitals, elapsed time.Duration) Interval {
	due := 0
	for n, i := range Intervals {
		if off, ok := intervalOffsets[i]; ok && off <= elapsed {
			due = n
		}
	}
	for _, i := range Intervals[due:] {
		if !filled(existing, i) {
			return i
		}
	}
	return ""
}

func filled(existing []*TransfusionVitals, i Interval) bool {
	for _, v := range existing {
		if v.Interval == i {
			return true
		}
	}
	return false
}

func (s *Service) adverseReaction(ctx context.Context, a actor.Actor, issue *issuance.IssueRecord, v *TransfusionVitals) {
	evt := audit.New(a, audit.CategorySecurity, audit.ActionAdverseReaction, issue.ID.String()).
		With("unit_id", issue.UnitID.String()).
		With("interval", string(v.Interval))
	evt.PatientID = issue.PatientID.String()
	evt.Reason = v.AdverseReaction
	s.record(ctx, evt)

	alert := notify.NewAlert(notify.KindAdverseReaction, notify.SeverityCritical, issue.BranchID, issue.ID.String(),
		fmt.Sprintf("adverse reaction at %s: %s", v.Interval, v.AdverseReaction))
	alert.PatientID = issue.PatientID.String()
	alert.Details = map[string]string{"unit_id": issue.UnitID.String(), "interval": string(v.Interval)}
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("issue_id", issue.ID.String()).Msg("adverse reaction escalation failed")
	}
	s.logger.Error().
		Str("issue_id", issue.ID.String()).
		Str("unit_id", issue.UnitID.String()).
		Str("interval", string(v.Interval)).
		Msg("adverse transfusion reaction")
}

// ListVitals returns the issue's vitals in bucket order.
func (s *Service) ListVitals(ctx context.Context, issueID uuid.UUID) ([]*TransfusionVitals, error) {
	if _, err := s.issues.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	out, err := s.repo.ListByIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("list vitals: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.rank() < out[j].Interval.rank() })
	return out, nil
}

// ReportAbandoned alerts once for every transfusion that has run past the
// timeout without END vitals. It changes no unit state.
func (s *Service) ReportAbandoned(ctx context.Context, a actor.Actor, limit int) (int, error) {
	now := s.now()
	open, err := s.issues.OpenIssues(ctx, now.Add(-s.timeout), limit)
	if err != nil {
		return 0, fmt.Errorf("list open issues: %w", err)
	}
	n := 0
	for _, issue := range open {
		u, err := s.registry.Get(ctx, issue.UnitID)
		if err != nil {
			return n, err
		}
		if u.Status != bloodunit.StatusTransfusing {
			continue
		}
		vitals, err := s.repo.ListByIssue(ctx, issue.ID)
		if err != nil {
			return n, fmt.Errorf("list vitals: %w", err)
		}
		if filled(vitals, IntervalEnd) {
			continue
		}
		if err := s.issues.MarkAbandonAlerted(ctx, issue.ID, now); err != nil {
			if apperr.IsRetryable(err) {
				continue
			}
			return n, err
		}

		running := now.Sub(issue.IssuedAt).Truncate(time.Minute)
		alert := notify.NewAlert(notify.KindAbandonedTransfusion, notify.SeverityWarning, issue.BranchID, issue.ID.String(),
			fmt.Sprintf("transfusion of unit %s has run %s without END vitals", u.UnitNumber, running))
		alert.PatientID = issue.PatientID.String()
		alert.Details = map[string]string{"unit_id": u.ID.String(), "issued_at": issue.IssuedAt.Format(time.RFC3339)}
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("issue_id", issue.ID.String()).Msg("abandoned transfusion alert failed")
		}

		evt := audit.New(a, audit.CategoryOperations, audit.ActionTransfusionAbandon, issue.ID.String()).
			With("unit_id", u.ID.String()).
			With("running", running.String())
		evt.PatientID = issue.PatientID.String()
		s.record(ctx, evt)
		n++
	}
	s.metrics.Abandoned(n)
	if n > 0 {
		s.logger.Warn().Int("count", n).Msg("abandoned transfusions reported")
	}
	return n, nil
}

func (s *Service) record(ctx context.Context, events ...audit.Event) {
	for _, evt := range events {
		if err := s.audit.Record(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("action", evt.Action).Str("subject", evt.Subject).Msg("audit record failed")
		}
	}
}
