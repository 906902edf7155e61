// Package reconciler implements the scheduled reconciliation loop:
// periodic sweepers that drive time-based state transitions (session
// expiry, token/outbox/dead-letter garbage collection, saga timeouts,
// consent and DSR deadline escalation). Every job follows the same
// shape: scan, classify, transact-per-row, emit events.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one sweeper registered with the Scheduler.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a plain function to the Job interface for jobs that
// need no state beyond a closure.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f JobFunc) Name() string                 { return f.JobName }
func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Schedule pairs a Job with its cadence, expressed as a cron/v3 spec
// (standard 5-field cron or the "@every 5m" shorthand) — spec.md
// §4.4's per-job cadence table / §6's reconciler.<jobName>.cron knob.
type Schedule struct {
	Job  Job
	Cron string
}

// Metrics is the narrow surface jobs need; PrometheusMetrics in
// metrics.go is the production implementation.
type Metrics interface {
	ObserveJobDuration(job string, d time.Duration)
	IncJobRows(job string, touched, errored int)
	IncJobSkippedLocked(job string)
	IncJobError(job string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveJobDuration(string, time.Duration) {}
func (noopMetrics) IncJobRows(string, int, int)              {}
func (noopMetrics) IncJobSkippedLocked(string)               {}
func (noopMetrics) IncJobError(string)                       {}

// Scheduler runs a registration table of jobs on a robfig/cron
// dispatcher. Each job is guarded by a per-job lock (spec.md §4.4
// "Concurrency guard"): a tick that fires while the previous run for
// that job is still executing, or that cannot acquire the distributed
// lock, is dropped rather than queued.
type Scheduler struct {
	schedules []Schedule
	locker    Locker
	metrics   Metrics
	logger    *slog.Logger

	cron *cron.Cron
}

// NewScheduler constructs a Scheduler. locker/metrics/logger may be nil.
func NewScheduler(schedules []Schedule, locker Locker, metrics Metrics, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = noopLocker{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{schedules: schedules, locker: locker, metrics: metrics, logger: logger}
}

// Start registers every schedule's job with the cron dispatcher and
// starts it in its own goroutine. It returns an error if a schedule's
// cron spec fails to parse. Call Stop to shut down; on shutdown,
// in-flight jobs are allowed to finish (spec.md §4.4).
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, sched := range s.schedules {
		sched := sched
		if _, err := s.cron.AddFunc(sched.Cron, func() { s.tick(ctx, sched.Job) }); err != nil {
			return fmt.Errorf("reconciler: bad cron spec %q for job %q: %w", sched.Cron, sched.Job.Name(), err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron dispatcher. It does not block on in-flight runs;
// callers that need that should wait on the context returned by the
// underlying cron.Cron.Stop() themselves if they hold a reference.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// tick acquires the job's lock and runs it once, dropping the tick
// entirely if the lock is already held (previous run still executing,
// or another process owns it).
func (s *Scheduler) tick(ctx context.Context, job Job) {
	release, ok, err := s.locker.TryAcquire(ctx, "reconciler:"+job.Name())
	if err != nil {
		s.logger.Error("reconciler: lock acquire error", "job", job.Name(), "error", err)
		return
	}
	if !ok {
		s.metrics.IncJobSkippedLocked(job.Name())
		return
	}
	defer release(ctx)

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.metrics.IncJobError(job.Name())
		s.logger.Error("reconciler: job failed", "job", job.Name(), "error", err)
	}
	s.metrics.ObserveJobDuration(job.Name(), time.Since(start))
}

// RunOnce runs every registered job's Run method exactly once,
// bypassing the cron dispatcher and lock — used by tests and by an
// operator CLI that wants to force a sweep.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, sched := range s.schedules {
		if err := sched.Job.Run(ctx); err != nil {
			s.logger.Error("reconciler: job failed", "job", sched.Job.Name(), "error", err)
		}
	}
}
