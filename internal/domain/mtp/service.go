package mtp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/platform/actor"
	"github.com/ehr/bloodbank/internal/platform/apperr"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/blobstore"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

// candidateLimit bounds how much stock is scanned per component.
const candidateLimit = 200

type Inventory interface {
	List(ctx context.Context, f bloodunit.Filter, limit, offset int) ([]*bloodunit.BloodUnit, int, error)
}

type Issuer interface {
	AuthorizeIssue(ctx context.Context, a actor.Actor, req issuance.IssueRequest) (*issuance.IssueRecord, error)
}

type Service struct {
	repo      Repository
	inventory Inventory
	issuer    Issuer
	archive   blobstore.Store
	notifier  notify.Notifier
	sink      audit.Sink
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, inventory Inventory, issuer Issuer, archive blobstore.Store,
	notifier notify.Notifier, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		inventory: inventory,
		issuer:    issuer,
		archive:   archive,
		notifier:  notifier,
		sink:      sink,
		logger:    logger.With().Str("component", "mtp").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// PackRequest asks for an emergency pack. A nil BloodGroup means the
// patient's group is unknown and emergency groups are used.
type PackRequest struct {
	BranchID       uuid.UUID
	PatientID      uuid.UUID
	BloodGroup     *bloodunit.BloodGroup
	PRBC           int
	FFP            int
	Platelets      int
	IssuedToPerson string
	IssuedToWard   string
}

// ReleasePack issues up to the requested number of units per component
// without cross-matching. Every candidate passes through the issuance gate
// in MTP mode. When stock falls short the release proceeds with what was
// found and the shortfall is flagged and escalated.
func (s *Service) ReleasePack(ctx context.Context, a actor.Actor, req PackRequest) (out *Release, err error) {
	req.IssuedToPerson = strings.TrimSpace(req.IssuedToPerson)
	req.IssuedToWard = strings.TrimSpace(req.IssuedToWard)
	switch {
	case req.BranchID == uuid.Nil:
		return nil, apperr.Validation("branch_id", "is required")
	case req.PatientID == uuid.Nil:
		return nil, apperr.Validation("patient_id", "is required")
	case req.PRBC < 0 || req.FFP < 0 || req.Platelets < 0:
		return nil, apperr.Validation("ratios", "unit counts must not be negative")
	case req.PRBC+req.FFP+req.Platelets == 0:
		return nil, apperr.Validation("ratios", "at least one unit must be requested")
	case req.BloodGroup != nil && !req.BloodGroup.Valid():
		return nil, apperr.Validation("blood_group", "unknown blood group %q", *req.BloodGroup)
	}
	if err := a.CheckBranch("mtp_release", req.BranchID); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "mtp.release_pack",
		attribute.String("branch_id", req.BranchID.String()),
		attribute.Int("requested", req.PRBC+req.FFP+req.Platelets))
	defer func() { telemetry.EndSpan(span, err) }()

	rel := &Release{
		ID:             uuid.New(),
		BranchID:       req.BranchID,
		PatientID:      req.PatientID,
		RequestedGroup: req.BloodGroup,
		Requested:      Counts{PRBC: req.PRBC, FFP: req.FFP, Platelets: req.Platelets},
		ReleasedBy:     a.UserID,
	}

	var fulfilled Counts
	for _, comp := range packComponents {
		want := rel.Requested.get(comp)
		if want == 0 {
			continue
		}
		got, err := s.fill(ctx, a, rel, req, comp, want)
		if err != nil {
			return nil, err
		}
		fulfilled.set(comp, got)
		if short := want - got; short > 0 {
			rel.Shortfall.set(comp, short)
			s.metrics.Shortfall(string(comp), short)
		}
	}
	rel.PRBCUnits, rel.FFPUnits, rel.PlateletUnits = fulfilled.PRBC, fulfilled.FFP, fulfilled.Platelets
	rel.PartialFulfillment = rel.Shortfall.Total() > 0
	rel.ReleasedAt = s.now()

	s.archiveRelease(ctx, rel)
	if err := s.repo.Create(ctx, rel); err != nil {
		return nil, fmt.Errorf("create mtp release: %w", err)
	}

	evt := audit.New(a, audit.CategoryCompliance, audit.ActionMTPReleased, rel.ID.String()).
		With("prbc_units", strconv.Itoa(rel.PRBCUnits)).
		With("ffp_units", strconv.Itoa(rel.FFPUnits)).
		With("platelet_units", strconv.Itoa(rel.PlateletUnits)).
		With("gates_evaluated", strconv.Itoa(len(rel.GatesEvaluated)))
	evt.PatientID = rel.PatientID.String()
	evt.Decision = "allow"
	if rel.PartialFulfillment {
		evt.Decision = "partial"
		evt.Reason = s.shortfallText(rel.Shortfall)
	}
	if err := s.sink.Record(ctx, evt); err != nil {
		s.logger.Error().Err(err).Str("release_id", rel.ID.String()).Msg("audit record failed")
	}

	if rel.PartialFulfillment {
		s.escalateShortfall(ctx, rel)
	}

	s.logger.Info().
		Str("release_id", rel.ID.String()).
		Str("patient_id", rel.PatientID.String()).
		Int("prbc", rel.PRBCUnits).
		Int("ffp", rel.FFPUnits).
		Int("platelets", rel.PlateletUnits).
		Bool("partial", rel.PartialFulfillment).
		Msg("mtp pack released")
	return rel, nil
}

// fill issues up to want units of one component and returns how many were
// issued. Denied or contended candidates are skipped.
func (s *Service) fill(ctx context.Context, a actor.Actor, rel *Release, req PackRequest, comp bloodunit.Component, want int) (int, error) {
	candidates, err := s.candidates(ctx, req, comp)
	if err != nil {
		return 0, err
	}
	got := 0
	for _, u := range candidates {
		if got == want {
			break
		}
		rec, err := s.issuer.AuthorizeIssue(ctx, a, issuance.IssueRequest{
			UnitID:         u.ID,
			PatientID:      req.PatientID,
			Mode:           issuance.ModeMTP,
			MTPReleaseID:   rel.ID,
			IssuedToPerson: req.IssuedToPerson,
			IssuedToWard:   req.IssuedToWard,
		})
		if err != nil {
			if !s.skippable(rel, u.ID, err) {
				return got, err
			}
			continue
		}
		for _, ev := range rec.Gates {
			rel.GatesEvaluated = append(rel.GatesEvaluated, Evaluation{UnitID: u.ID, GateEvaluation: ev})
		}
		rel.UnitIDs = append(rel.UnitIDs, u.ID)
		rel.IssueIDs = append(rel.IssueIDs, rec.ID)
		got++
	}
	return got, nil
}

// skippable records why a candidate was passed over and reports whether the
// pack can continue without it.
func (s *Service) skippable(rel *Release, unitID uuid.UUID, err error) bool {
	var gd *apperr.GateDenied
	if errors.As(err, &gd) {
		for _, ev := range gd.Evaluations {
			rel.GatesEvaluated = append(rel.GatesEvaluated, Evaluation{UnitID: unitID, GateEvaluation: ev})
		}
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.KindConflict, apperr.KindTerminal, apperr.KindNotFound:
		rel.GatesEvaluated = append(rel.GatesEvaluated, Evaluation{
			UnitID:         unitID,
			GateEvaluation: apperr.GateEvaluation{Gate: issuance.GateMTPSelection, Passed: false, Reason: err.Error()},
		})
		s.logger.Debug().Err(err).Str("unit_id", unitID.String()).Msg("mtp candidate skipped")
		return true
	}
	return false
}

// candidates returns branch stock of one component the patient can receive,
// best match first.
func (s *Service) candidates(ctx context.Context, req PackRequest, comp bloodunit.Component) ([]*bloodunit.BloodUnit, error) {
	// rank orders candidates; lower is better, -1 excludes.
	var rank func(g bloodunit.BloodGroup) int
	if req.BloodGroup != nil {
		recipient := *req.BloodGroup
		rank = func(g bloodunit.BloodGroup) int {
			ok, preferred := bloodunit.Compatible(comp, g, recipient)
			switch {
			case !ok:
				return -1
			case g == recipient:
				return 0
			case preferred:
				return 1
			default:
				return 2
			}
		}
	} else {
		order := make(map[bloodunit.BloodGroup]int)
		for i, g := range bloodunit.EmergencyGroups(comp) {
			order[g] = i
		}
		rank = func(g bloodunit.BloodGroup) int {
			if i, ok := order[g]; ok {
				return i
			}
			return -1
		}
	}

	var groups []bloodunit.BloodGroup
	for _, g := range bloodunit.AllGroups {
		if rank(g) >= 0 {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil, nil
	}

	branch := req.BranchID
	units, _, err := s.inventory.List(ctx, bloodunit.Filter{
		BranchID:    &branch,
		Statuses:    []bloodunit.Status{bloodunit.StatusAvailable, bloodunit.StatusTTICleared},
		Component:   comp,
		BloodGroups: groups,
		Now:         s.now(),
	}, candidateLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("list %s stock: %w", comp, err)
	}

	type ranked struct {
		u    *bloodunit.BloodUnit
		rank int
	}
	var pool []ranked
	for _, u := range units {
		if r := rank(u.BloodGroup); r >= 0 {
			pool = append(pool, ranked{u: u, rank: r})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].rank != pool[j].rank {
			return pool[i].rank < pool[j].rank
		}
		return pool[i].u.ExpiryDate.Before(pool[j].u.ExpiryDate)
	})
	out := make([]*bloodunit.BloodUnit, len(pool))
	for i, p := range pool {
		out[i] = p.u
	}
	return out, nil
}

// archiveRelease writes the release document to the compliance archive. A
// failed write is logged and the release is kept without an archive key.
func (s *Service) archiveRelease(ctx context.Context, rel *Release) {
	if s.archive == nil {
		return
	}
	key := ArchiveKey(rel.BranchID, rel.ID)
	rel.ArchiveKey = key
	body, err := json.Marshal(rel)
	if err != nil {
		rel.ArchiveKey = ""
		s.logger.Error().Err(err).Str("release_id", rel.ID.String()).Msg("encode mtp release")
		return
	}
	if _, err := s.archive.Put(ctx, key, body, "application/json", map[string]string{
		"release-id": rel.ID.String(),
		"patient-id": rel.PatientID.String(),
	}); err != nil {
		rel.ArchiveKey = ""
		s.logger.Error().Err(err).Str("release_id", rel.ID.String()).Str("key", key).Msg("archive mtp release")
	}
}

func (s *Service) escalateShortfall(ctx context.Context, rel *Release) {
	alert := notify.NewAlert(notify.KindMTPShortfall, notify.SeverityCritical, rel.BranchID, rel.ID.String(),
		"MTP pack partially fulfilled: "+s.shortfallText(rel.Shortfall))
	alert.PatientID = rel.PatientID.String()
	alert.Details = map[string]string{
		"shortfall_prbc":      strconv.Itoa(rel.Shortfall.PRBC),
		"shortfall_ffp":       strconv.Itoa(rel.Shortfall.FFP),
		"shortfall_platelets": strconv.Itoa(rel.Shortfall.Platelets),
	}
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("release_id", rel.ID.String()).Msg("mtp shortfall alert failed")
	}
	s.logger.Warn().
		Str("release_id", rel.ID.String()).
		Int("short_prbc", rel.Shortfall.PRBC).
		Int("short_ffp", rel.Shortfall.FFP).
		Int("short_platelets", rel.Shortfall.Platelets).
		Msg("mtp pack short")
}

func (s *Service) shortfallText(c Counts) string {
	var parts []string
	if c.PRBC > 0 {
		parts = append(parts, fmt.Sprintf("%d PRBC", c.PRBC))
	}
	if c.FFP > 0 {
		parts = append(parts, fmt.Sprintf("%d FFP", c.FFP))
	}
	if c.Platelets > 0 {
		parts = append(parts, fmt.Sprintf("%d platelets", c.Platelets))
	}
	return "short " + strings.Join(parts, ", ")
}

// ArchivedRelease returns the archived document for a release as written
// at release time.
func (s *Service) ArchivedRelease(ctx context.Context, id uuid.UUID) (blobstore.Info, []byte, error) {
	rel, err := s.GetRelease(ctx, id)
	if err != nil {
		return blobstore.Info{}, nil, err
	}
	if s.archive == nil || rel.ArchiveKey == "" {
		return blobstore.Info{}, nil, apperr.NotFound("mtp_archive", id)
	}
	info, body, err := s.archive.Get(ctx, rel.ArchiveKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return blobstore.Info{}, nil, apperr.NotFound("mtp_archive", id)
		}
		return blobstore.Info{}, nil, fmt.Errorf("read mtp archive: %w", err)
	}
	return info, body, nil
}

// ListArchive lists archived release documents for a branch, ordered by key.
func (s *Service) ListArchive(ctx context.Context, branchID uuid.UUID) ([]blobstore.Info, error) {
	if s.archive == nil {
		return []blobstore.Info{}, nil
	}
	items, err := s.archive.List(ctx, "mtp/"+branchID.String()+"/")
	if err != nil {
		return nil, fmt.Errorf("list mtp archive: %w", err)
	}
	if items == nil {
		items = []blobstore.Info{}
	}
	return items, nil
}

func (s *Service) GetRelease(ctx context.Context, id uuid.UUID) (*Release, error) {
	rel, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("mtp_release", id)
		}
		return nil, fmt.Errorf("get mtp release: %w", err)
	}
	return rel, nil
}

func (s *Service) ListReleases(ctx context.Context, patientID uuid.UUID) ([]*Release, error) {
	return s.repo.ListByPatient(ctx, patientID)
}
