package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/bloodbank/internal/platform/actor"
)

type fakeJob struct {
	n     int
	err   error
	calls int
	who   actor.Actor
}

func (f *fakeJob) SweepExpired(_ context.Context, a actor.Actor, _ int) (int, error) {
	f.calls++
	f.who = a
	return f.n, f.err
}

func (f *fakeJob) ExpireDue(_ context.Context, a actor.Actor, _ int) (int, error) {
	f.calls++
	f.who = a
	return f.n, f.err
}

func (f *fakeJob) ReportAbandoned(_ context.Context, a actor.Actor, _ int) (int, error) {
	f.calls++
	f.who = a
	return f.n, f.err
}

type fakeLock struct {
	held     bool
	err      error
	released int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) { return !l.held, l.err }
func (l *fakeLock) Release(context.Context) error         { l.released++; return nil }

func TestRunOnce_RunsEveryJob(t *testing.T) {
	res1, units, abandoned := &fakeJob{n: 2}, &fakeJob{n: 3}, &fakeJob{n: 1}
	s := New(res1, units, abandoned, nil, time.Minute, zerolog.Nop())

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Reservations: 2, Expired: 3, Abandoned: 1}, res)
	assert.True(t, res1.who.HasRole(actor.RoleSystem))
}

func TestRunOnce_FailingJobDoesNotStopOthers(t *testing.T) {
	boom := errors.New("db down")
	res1, units, abandoned := &fakeJob{err: boom}, &fakeJob{n: 4}, &fakeJob{}
	s := New(res1, units, abandoned, nil, time.Minute, zerolog.Nop())

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, res.Expired)
	assert.Equal(t, 1, abandoned.calls)
}

func TestRunOnce_SkipsWhenLockHeldElsewhere(t *testing.T) {
	job := &fakeJob{}
	s := New(job, job, job, &fakeLock{held: true}, time.Minute, zerolog.Nop())

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, job.calls)
}

func TestRunOnce_LockError(t *testing.T) {
	job := &fakeJob{}
	s := New(job, job, job, &fakeLock{err: errors.New("redis unreachable")}, time.Minute, zerolog.Nop())

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, job.calls)
}

func TestRun_ReleasesLockOnShutdown(t *testing.T) {
	job := &fakeJob{}
	lock := &fakeLock{}
	s := New(job, job, job, lock, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, lock.released)
	assert.Positive(t, job.calls)
}
