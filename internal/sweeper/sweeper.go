// Package sweeper runs the periodic housekeeping jobs: lapsed reservations
// are released, due units are marked EXPIRED and abandoned transfusions are
// reported. None of these affect correctness; every read path already
// applies expiry lazily.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/platform/actor"
)

// batch bounds the work one job does per pass.
const batch = 500

type Reservations interface {
	SweepExpired(ctx context.Context, a actor.Actor, limit int) (int, error)
}

type Units interface {
	ExpireDue(ctx context.Context, a actor.Actor, limit int) (int, error)
}

type Transfusions interface {
	ReportAbandoned(ctx context.Context, a actor.Actor, limit int) (int, error)
}

// Locker elects one replica to sweep. *redis.Lock satisfies it.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Sweeper struct {
	reservations Reservations
	units        Units
	transfusions Transfusions
	lock         Locker
	interval     time.Duration
	logger       zerolog.Logger
}

// New builds a sweeper. lock may be nil for a single replica.
func New(reservations Reservations, units Units, transfusions Transfusions, lock Locker, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		reservations: reservations,
		units:        units,
		transfusions: transfusions,
		lock:         lock,
		interval:     interval,
		logger:       logger.With().Str("component", "sweeper").Logger(),
	}
}

type Result struct {
	Reservations int  `json:"reservations_released"`
	Expired      int  `json:"units_expired"`
	Abandoned    int  `json:"abandoned_reported"`
	Skipped      bool `json:"skipped"`
}

// RunOnce runs every job once. A failing job does not stop the others; their
// errors are joined. Skipped is set when another replica holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
	}

	a := actor.System(uuid.Nil)
	var errs []error
	n, err := s.reservations.SweepExpired(ctx, a, batch)
	res.Reservations = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep reservations: %w", err))
	}
	n, err = s.units.ExpireDue(ctx, a, batch)
	res.Expired = n
	if err != nil {
		errs = append(errs, fmt.Errorf("expire units: %w", err))
	}
	n, err = s.transfusions.ReportAbandoned(ctx, a, batch)
	res.Abandoned = n
	if err != nil {
		errs = append(errs, fmt.Errorf("report abandoned: %w", err))
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled, then gives up the lock.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			if s.lock != nil {
				// ctx is already cancelled
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.lock.Release(rctx); err != nil {
					s.logger.Warn().Err(err).Msg("release sweeper lock")
				}
				cancel()
			}
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
			if res.Reservations+res.Expired+res.Abandoned > 0 {
				s.logger.Info().
					Int("reservations_released", res.Reservations).
					Int("units_expired", res.Expired).
					Int("abandoned_reported", res.Abandoned).
					Msg("sweep complete")
			}
		}
	}
}
