package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

// TransitionPublisher is notified of saga/step status transitions.
// The outbox-backed implementation wired in cmd/server appends a
// SAGA_TRANSITION event in its own transaction; that transaction is
// separate from the Store's saga_runs writes.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, sagaID ids.ID, sagaName string, status Status, stepName string, stepStatus Status) error
}

// Metrics is the narrow surface the orchestrator needs; the concrete
// Prometheus implementation is supplied by the caller so this package
// stays free of registration side effects.
type Metrics interface {
	ObserveStepDuration(sagaName, stepName string, d time.Duration)
	IncRetry(sagaName, stepName string)
	IncCompensation(sagaName, stepName string, failed bool)
	ObserveOutcome(sagaName string, status Status)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStepDuration(string, string, time.Duration) {}
func (noopMetrics) IncRetry(string, string)                           {}
func (noopMetrics) IncCompensation(string, string, bool)              {}
func (noopMetrics) ObserveOutcome(string, Status)                     {}

// Orchestrator executes saga definitions sharing a context type Ctx.
type Orchestrator[Ctx any] struct {
	logger    *slog.Logger
	metrics   Metrics
	publisher TransitionPublisher
	store     Store

	active sync.Map // ids.ID -> *runningSaga[Ctx]

	mu          sync.Mutex
	shutdown    bool
	shutdownCh  chan struct{}
}

// SetStore wires a durable Store so that, when Options.Durable is set,
// Execute persists an initial and a terminal snapshot the reconciler's
// saga-timeouts job (spec.md §4.4) can scan. Nil disables persistence (the default);
// durability is best-effort and never fails a saga execution.
func (o *Orchestrator[Ctx]) SetStore(store Store) {
	o.store = store
}

type runningSaga[Ctx any] struct {
	state  *State[Ctx]
	cancel context.CancelFunc
}

// New creates an Orchestrator. logger/metrics/publisher may be nil, in
// which case sane no-op defaults are used.
func New[Ctx any](logger *slog.Logger, metrics Metrics, publisher TransitionPublisher) *Orchestrator[Ctx] {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Orchestrator[Ctx]{
		logger:     logger,
		metrics:    metrics,
		publisher:  publisher,
		shutdownCh: make(chan struct{}),
	}
}

// Execute runs definition to completion, returning a Result describing
// the saga's terminal status and final context.
func (o *Orchestrator[Ctx]) Execute(ctx context.Context, definition Definition[Ctx], initial Ctx, opts Options) (*Result[Ctx], error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultOptions().StepTimeout
	}
	if opts.SagaTimeout <= 0 {
		opts.SagaTimeout = DefaultOptions().SagaTimeout
	}

	sagaID := ids.New()
	log := o.logger.With("saga_id", sagaID.String(), "saga_name", definition.Name)

	state := &State[Ctx]{
		ID:        sagaID,
		Name:      definition.Name,
		Status:    StatusExecuting,
		Context:   initial,
		StartedAt: time.Now(),
		Steps:     make([]StepState, len(definition.Steps)),
	}
	for i, s := range definition.Steps {
		state.Steps[i] = StepState{Name: s.Name, Status: StatusPending}
	}

	sagaCtx, cancel := context.WithTimeout(ctx, opts.SagaTimeout)
	defer cancel()

	rs := &runningSaga[Ctx]{state: state, cancel: cancel}
	o.active.Store(sagaID, rs)
	defer o.active.Delete(sagaID)

	timeoutAt := state.StartedAt.Add(opts.SagaTimeout)
	o.persist(ctx, state, opts, timeoutAt)

	if len(definition.Steps) == 0 {
		state.Status = StatusCompleted
		now := time.Now()
		state.CompletedAt = &now
		o.notify(ctx, state, "")
		o.metrics.ObserveOutcome(definition.Name, state.Status)
		o.persist(ctx, state, opts, timeoutAt)
		return toResult(state), nil
	}

	lastCompleted := -1
	var sagaErr error

runSteps:
	for i := range definition.Steps {
		step := definition.Steps[i]
		state.CurrentStep = i
		state.Steps[i].Status = StatusExecuting
		startedAt := time.Now()
		state.Steps[i].StartedAt = &startedAt

		newCtx, err := o.runStepWithRetry(sagaCtx, definition.Name, step, state.Context, opts.StepTimeout, &state.Steps[i])
		completedAt := time.Now()

		select {
		case <-o.shutdownCh:
			sagaErr = ErrShutdown
			state.Steps[i].Status = StatusFailed
			state.Steps[i].Error = ErrShutdown.Error()
			state.Steps[i].CompletedAt = &completedAt
			break runSteps
		default:
		}

		if err != nil {
			state.Steps[i].Status = StatusFailed
			state.Steps[i].Error = err.Error()
			state.Steps[i].CompletedAt = &completedAt
			sagaErr = err

			if sagaCtx.Err() != nil && sagaCtx.Err() == context.DeadlineExceeded {
				sagaErr = &TimeoutError{Scope: "saga", Name: definition.Name}
			}
			break runSteps
		}

		state.Context = newCtx
		state.Steps[i].Status = StatusCompleted
		state.Steps[i].CompletedAt = &completedAt
		lastCompleted = i
		o.metrics.ObserveStepDuration(definition.Name, step.Name, completedAt.Sub(startedAt))
		o.notify(ctx, state, step.Name)

		if sagaCtx.Err() != nil {
			sagaErr = &TimeoutError{Scope: "saga", Name: definition.Name}
			break runSteps
		}
	}

	if sagaErr == nil {
		state.Status = StatusCompleted
		now := time.Now()
		state.CompletedAt = &now
		o.notify(ctx, state, "")
		o.metrics.ObserveOutcome(definition.Name, state.Status)
		o.persist(ctx, state, opts, timeoutAt)
		return toResult(state), nil
	}

	log.Error("saga step failed, compensating", "error", sagaErr, "last_completed", lastCompleted)
	state.Error = sagaErr.Error()

	isShutdown := sagaErr == ErrShutdown
	if isShutdown {
		state.Status = StatusFailed
		now := time.Now()
		state.CompletedAt = &now
		o.notify(ctx, state, "")
		o.metrics.ObserveOutcome(definition.Name, state.Status)
		o.persist(ctx, state, opts, timeoutAt)
		return toResult(state), nil
	}

	state.Status = StatusCompensating
	o.notify(ctx, state, "")
	o.compensate(ctx, definition, state, lastCompleted, opts.StepTimeout)

	now := time.Now()
	state.CompletedAt = &now
	anyCompFailed := false
	for _, s := range state.Steps {
		if s.Status == StatusCompFailed {
			anyCompFailed = true
		}
	}
	if anyCompFailed {
		state.Status = StatusCompFailed
	} else {
		state.Status = StatusCompensated
	}
	o.notify(ctx, state, "")
	o.metrics.ObserveOutcome(definition.Name, state.Status)
	o.persist(ctx, state, opts, timeoutAt)
	return toResult(state), nil
}

// persist best-effort writes state's current snapshot to the durable
// Store when both Options.Durable and SetStore are configured. A
// failure here is logged, never propagated: durability is an aid to
// the reconciler's saga-timeouts job, not a correctness requirement of
// Execute itself.
func (o *Orchestrator[Ctx]) persist(ctx context.Context, state *State[Ctx], opts Options, timeoutAt time.Time) {
	if !opts.Durable || o.store == nil {
		return
	}
	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		o.logger.Error("saga: marshal steps for durable snapshot", "saga_id", state.ID.String(), "error", err)
		return
	}
	run := Run{
		ID:          state.ID,
		Name:        state.Name,
		Status:      state.Status,
		StepsJSON:   stepsJSON,
		Error:       state.Error,
		StartedAt:   state.StartedAt,
		TimeoutAt:   timeoutAt,
		CompletedAt: state.CompletedAt,
	}
	if err := o.store.Upsert(ctx, run); err != nil {
		o.logger.Error("saga: persist durable snapshot", "saga_id", state.ID.String(), "error", err)
	}
}

// runStepWithRetry runs one step to success, applying the step's retry
// policy on failure or timeout. It never returns a TimeoutError for
// the saga-level deadline; that is detected by the caller via sagaCtx.
func (o *Orchestrator[Ctx]) runStepWithRetry(sagaCtx context.Context, sagaName string, step Step[Ctx], c Ctx, stepTimeout time.Duration, stepState *StepState) (Ctx, error) {
	retry := DefaultRetryConfig()
	if step.Retry != nil {
		retry = *step.Retry
	}
	if retry.BackoffMultiplier <= 0 {
		retry.BackoffMultiplier = 1
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(sagaCtx, stepTimeout)
		result, err := runWithTimeout(stepCtx, c, step.Execute)
		cancel()
		stepState.RetryCount = attempt

		if err == nil {
			return result, nil
		}
		lastErr = err

		if sagaCtx.Err() != nil {
			return c, sagaCtx.Err()
		}
		if attempt >= retry.MaxRetries {
			return c, lastErr
		}

		o.metrics.IncRetry(sagaName, step.Name)
		delay := time.Duration(float64(retry.Delay) * math.Pow(retry.BackoffMultiplier, float64(attempt)))
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-sagaCtx.Done():
				timer.Stop()
				return c, sagaCtx.Err()
			}
		}
	}
}

func runWithTimeout[Ctx any](ctx context.Context, c Ctx, fn func(context.Context, Ctx) (Ctx, error)) (Ctx, error) {
	type outcome struct {
		ctx Ctx
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		newCtx, err := fn(ctx, c)
		done <- outcome{ctx: newCtx, err: err}
	}()

	select {
	case o := <-done:
		return o.ctx, o.err
	case <-ctx.Done():
		var zero Ctx
		return zero, fmt.Errorf("step timeout: %w", ctx.Err())
	}
}

func (o *Orchestrator[Ctx]) compensate(ctx context.Context, definition Definition[Ctx], state *State[Ctx], lastCompleted int, stepTimeout time.Duration) {
	for j := lastCompleted; j >= 0; j-- {
		step := definition.Steps[j]
		if state.Steps[j].Status != StatusCompleted {
			continue
		}

		compCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		err := runCompensateWithTimeout(compCtx, state.Context, step.Compensate)
		cancel()

		if err != nil {
			o.logger.Error("compensation failed", "saga_id", state.ID.String(), "step", step.Name, "error", err)
			state.Steps[j].Status = StatusCompFailed
			state.Steps[j].Error = err.Error()
			o.metrics.IncCompensation(definition.Name, step.Name, true)
			continue
		}
		state.Steps[j].Status = StatusCompensated
		o.metrics.IncCompensation(definition.Name, step.Name, false)
	}
}

func runCompensateWithTimeout[Ctx any](ctx context.Context, c Ctx, fn func(context.Context, Ctx) error) error {
	if fn == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, c)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("compensation timeout: %w", ctx.Err())
	}
}

func (o *Orchestrator[Ctx]) notify(ctx context.Context, state *State[Ctx], stepName string) {
	if o.publisher == nil {
		return
	}
	stepStatus := Status("")
	for _, s := range state.Steps {
		if s.Name == stepName {
			stepStatus = s.Status
		}
	}
	if err := o.publisher.PublishTransition(ctx, state.ID, state.Name, state.Status, stepName, stepStatus); err != nil {
		o.logger.Error("failed to publish saga transition", "saga_id", state.ID.String(), "error", err)
	}
}

// Shutdown force-fails every active saga with ErrShutdown and cancels
// their contexts, per spec.md §4.1 step 6. Compensation is not
// attempted: shutdown is an administrative abort, not a rollback.
func (o *Orchestrator[Ctx]) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	close(o.shutdownCh)
	o.mu.Unlock()

	o.active.Range(func(key, value interface{}) bool {
		rs := value.(*runningSaga[Ctx])
		rs.cancel()
		return true
	})
}

// ActiveCount reports the number of sagas currently registered.
func (o *Orchestrator[Ctx]) ActiveCount() int {
	n := 0
	o.active.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func toResult[Ctx any](state *State[Ctx]) *Result[Ctx] {
	return &Result[Ctx]{
		Success: state.Status == StatusCompleted,
		SagaID:  state.ID,
		Status:  state.Status,
		Context: state.Context,
		Error:   state.Error,
		Steps:   state.Steps,
	}
}
