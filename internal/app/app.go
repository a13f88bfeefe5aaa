// Package app assembles the blood-bank services over one store and one set
// of collaborators. The server, the sweep command and cross-package tests
// all build the graph here.
package app

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/domain/bloodunit"
	"github.com/ehr/bloodbank/internal/domain/crossmatch"
	"github.com/ehr/bloodbank/internal/domain/issuance"
	"github.com/ehr/bloodbank/internal/domain/mtp"
	"github.com/ehr/bloodbank/internal/domain/screening"
	"github.com/ehr/bloodbank/internal/domain/transfusion"
	"github.com/ehr/bloodbank/internal/platform/audit"
	"github.com/ehr/bloodbank/internal/platform/blobstore"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/directory"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/notify"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
)

// Repos is every repository the services need.
type Repos struct {
	Units       bloodunit.UnitRepository
	Changes     bloodunit.StatusChangeRepository
	Discards    bloodunit.DiscardRepository
	TTI         screening.TTIRepository
	Groupings   screening.GroupingRepository
	CrossMatch  crossmatch.Repository
	Issues      issuance.IssueRepository
	Bedside     issuance.BedsideRepository
	Vitals      transfusion.Repository
	MTPReleases mtp.Repository
}

func MemoryRepos() Repos {
	units := bloodunit.NewMemoryStore()
	tests := screening.NewMemoryStore()
	issues := issuance.NewMemoryStore()
	return Repos{
		Units:       units.Units(),
		Changes:     units.Changes(),
		Discards:    units.Discards(),
		TTI:         tests.Results(),
		Groupings:   tests.Groupings(),
		CrossMatch:  crossmatch.NewMemoryRepo(),
		Issues:      issues.Issues(),
		Bedside:     issues.Bedside(),
		Vitals:      transfusion.NewMemoryRepo(),
		MTPReleases: mtp.NewMemoryRepo(),
	}
}

func PostgresRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Units:       bloodunit.NewUnitRepoPG(pool),
		Changes:     bloodunit.NewStatusChangeRepoPG(pool),
		Discards:    bloodunit.NewDiscardRepoPG(pool),
		TTI:         screening.NewTTIRepoPG(pool),
		Groupings:   screening.NewGroupingRepoPG(pool),
		CrossMatch:  crossmatch.NewRepoPG(pool),
		Issues:      issuance.NewIssueRepoPG(pool),
		Bedside:     issuance.NewBedsideRepoPG(pool),
		Vitals:      transfusion.NewRepoPG(pool),
		MTPReleases: mtp.NewRepoPG(pool),
	}
}

// Options carries policy and collaborators. Nil collaborators fall back to
// in-process implementations.
type Options struct {
	RequiredTests      []string
	ReservationHold    time.Duration
	TransfusionTimeout time.Duration
	OverridableGates   []string

	Tx        db.Transactor
	Audit     audit.Sink
	Notifier  notify.Notifier
	Directory directory.Directory
	Equipment equipment.StatusSource
	Archive   blobstore.Store
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

type Services struct {
	Units       *bloodunit.Service
	Screening   *screening.Service
	CrossMatch  *crossmatch.Service
	Issuance    *issuance.Service
	Transfusion *transfusion.Service
	MTP         *mtp.Service
}

func New(r Repos, o Options) *Services {
	if o.Tx == nil {
		o.Tx = db.NewLocalTransactor()
	}
	if o.Audit == nil {
		o.Audit = audit.NewLogSink(o.Logger)
	}
	if o.Notifier == nil {
		o.Notifier = notify.NewLogNotifier(o.Logger)
	}
	if o.Directory == nil {
		static := directory.NewStatic()
		static.AllowUnknown = true
		o.Directory = static
	}
	if o.Equipment == nil {
		o.Equipment = equipment.StaticSource{Current: true}
	}
	if o.Archive == nil {
		o.Archive = blobstore.NewMemory()
	}
	if o.ReservationHold <= 0 {
		o.ReservationHold = 45 * time.Minute
	}
	if o.TransfusionTimeout <= 0 {
		o.TransfusionTimeout = 4 * time.Hour
	}

	s := &Services{}
	s.Units = bloodunit.NewService(r.Units, r.Changes, r.Discards, o.Tx, o.Audit, o.Logger)
	s.Screening = screening.NewService(r.TTI, r.Groupings, s.Units, o.Directory, o.Notifier, o.Tx, o.Audit,
		o.RequiredTests, o.Logger)
	s.CrossMatch = crossmatch.NewService(r.CrossMatch, s.Units, s.Screening, o.Tx, o.Audit, o.ReservationHold, o.Logger)
	s.Issuance = issuance.NewService(issuance.Deps{
		Issues:       r.Issues,
		Bedside:      r.Bedside,
		Registry:     s.Units,
		Reservations: s.CrossMatch,
		Screening:    s.Screening,
		Equipment:    o.Equipment,
		Directory:    o.Directory,
		Notifier:     o.Notifier,
		Tx:           o.Tx,
		Audit:        o.Audit,
	}, o.OverridableGates, o.Logger)
	s.Transfusion = transfusion.NewService(r.Vitals, s.Issuance, s.Units, o.Notifier, o.Tx, o.Audit,
		o.TransfusionTimeout, o.Logger)
	s.MTP = mtp.NewService(r.MTPReleases, s.Units, s.Issuance, o.Archive, o.Notifier, o.Audit, o.Logger)

	if o.Metrics != nil {
		s.Units.SetMetrics(o.Metrics)
		s.CrossMatch.SetMetrics(o.Metrics)
		s.Issuance.SetMetrics(o.Metrics)
		s.Transfusion.SetMetrics(o.Metrics)
		s.MTP.SetMetrics(o.Metrics)
	}
	return s
}

// SetClock points every service at the same clock.
func (s *Services) SetClock(now func() time.Time) {
	s.Units.SetClock(now)
	s.Screening.SetClock(now)
	s.CrossMatch.SetClock(now)
	s.Issuance.SetClock(now)
	s.Transfusion.SetClock(now)
	s.MTP.SetClock(now)
}

func (s *Services) RegisterRoutes(api *echo.Group) {
	bloodunit.NewHandler(s.Units).RegisterRoutes(api)
	screening.NewHandler(s.Screening).RegisterRoutes(api)
	crossmatch.NewHandler(s.CrossMatch).RegisterRoutes(api)
	issuance.NewHandler(s.Issuance).RegisterRoutes(api)
	transfusion.NewHandler(s.Transfusion).RegisterRoutes(api)
	mtp.NewHandler(s.MTP).RegisterRoutes(api)
}
