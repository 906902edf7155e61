package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingJob is a minimal hand-rolled Job double, matching the
// teacher's fake-over-mock convention.
type countingJob struct {
	name  string
	calls int32
	err   error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(context.Context) error {
	atomic.AddInt32(&j.calls, 1)
	return j.err
}

// alwaysLockedLocker simulates a job whose previous run is still
// executing: every TryAcquire reports the lock already held.
type alwaysLockedLocker struct{ skipped int }

func (l *alwaysLockedLocker) TryAcquire(context.Context, string) (func(context.Context), bool, error) {
	l.skipped++
	return nil, false, nil
}

func TestSchedulerRunOnce(t *testing.T) {
	job := &countingJob{name: "expire-sessions"}
	s := NewScheduler([]Schedule{{Job: job, Cron: "@every 1h"}}, nil, nil, nil)

	s.RunOnce(context.Background())

	assert.EqualValues(t, 1, job.calls)
}

func TestSchedulerTick_SkipsWhenLocked(t *testing.T) {
	job := &countingJob{name: "gc-outbox"}
	locker := &alwaysLockedLocker{}
	s := NewScheduler([]Schedule{{Job: job, Cron: "@every 1h"}}, locker, nil, nil)

	s.tick(context.Background(), job)

	assert.EqualValues(t, 0, job.calls)
	assert.Equal(t, 1, locker.skipped)
}

func TestSchedulerTick_RunsWhenUnlocked(t *testing.T) {
	job := &countingJob{name: "gc-dead-letters"}
	s := NewScheduler([]Schedule{{Job: job, Cron: "@every 1h"}}, nil, nil, nil)

	s.tick(context.Background(), job)

	assert.EqualValues(t, 1, job.calls)
}

func TestSchedulerTick_JobErrorDoesNotPanic(t *testing.T) {
	job := &countingJob{name: "saga-timeouts", err: errors.New("boom")}
	s := NewScheduler([]Schedule{{Job: job, Cron: "@every 1h"}}, nil, nil, nil)

	require.NotPanics(t, func() { s.tick(context.Background(), job) })
	assert.EqualValues(t, 1, job.calls)
}

func TestSchedulerStart_BadCronSpecErrors(t *testing.T) {
	job := &countingJob{name: "bad"}
	s := NewScheduler([]Schedule{{Job: job, Cron: "not-a-cron-spec"}}, nil, nil, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	s.Stop()
}
