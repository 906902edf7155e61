// Package saga implements the saga orchestrator: an engine that runs
// an ordered list of steps as one logical unit of work, compensating
// completed steps in reverse order when a later step exhausts its
// retries or the saga-level deadline elapses.
package saga

import (
	"context"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// Status is the lifecycle state of a saga or one of its steps.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusExecuting    Status = "EXECUTING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusCompFailed   Status = "COMPENSATION_FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// RetryConfig controls the per-step retry/backoff behavior.
type RetryConfig struct {
	MaxRetries        int
	Delay             time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig matches spec.md's saga.defaultMaxRetries /
// saga.defaultBackoffMultiplier knobs when a step does not override them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 0, Delay: 0, BackoffMultiplier: 1}
}

// Step is one unit of work in a saga definition, generic over the
// saga's shared context type Ctx. Execute performs the forward action
// and returns the (possibly updated) context; Compensate undoes it.
type Step[Ctx any] struct {
	Name       string
	Execute    func(ctx context.Context, c Ctx) (Ctx, error)
	Compensate func(ctx context.Context, c Ctx) error
	Retry      *RetryConfig
}

// Definition is an ordered, named list of steps.
type Definition[Ctx any] struct {
	Name  string
	Steps []Step[Ctx]
}

// Options controls saga-wide and per-step timeouts.
type Options struct {
	StepTimeout time.Duration
	SagaTimeout time.Duration
	// Durable, when true, persists a copy of the saga's state when it
	// starts and again when it reaches a terminal status to the
	// saga_runs table so the reconciler's saga-timeouts job has
	// something to scan (spec.md §3 "durable copy optional").
	Durable bool
}

// DefaultOptions returns the spec's default timeouts (30s step / 300s saga).
func DefaultOptions() Options {
	return Options{StepTimeout: 30 * time.Second, SagaTimeout: 300 * time.Second}
}

// StepState is the recorded progress of a single step within a saga run.
type StepState struct {
	Name        string
	Status      Status
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	Error       string
}

// State is the in-memory record of one running (or completed) saga.
type State[Ctx any] struct {
	ID          ids.ID
	Name        string
	Status      Status
	Context     Ctx
	CurrentStep int
	Steps       []StepState
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// Result is returned by Execute.
type Result[Ctx any] struct {
	Success bool
	SagaID  ids.ID
	Status  Status
	Context Ctx
	Error   string
	Steps   []StepState
}
