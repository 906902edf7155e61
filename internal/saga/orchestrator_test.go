package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/alert-history/internal/ids"
)

type counterCtx struct{ v int }

func TestExecute_AllStepsSucceed(t *testing.T) {
	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{
		Name: "increment",
		Steps: []Step[counterCtx]{
			{Name: "A", Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { c.v++; return c, nil }},
			{Name: "B", Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { c.v++; return c, nil }},
			{Name: "C", Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { c.v++; return c, nil }},
		},
	}

	result, err := o.Execute(context.Background(), def, counterCtx{}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Context.v)
	for _, s := range result.Steps {
		assert.Equal(t, StatusCompleted, s.Status)
	}
}

func TestExecute_EmptySaga(t *testing.T) {
	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{Name: "empty"}

	result, err := o.Execute(context.Background(), def, counterCtx{v: 42}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 42, result.Context.v)
	assert.Empty(t, result.Steps)
}

func TestExecute_CompensationOrder(t *testing.T) {
	var mu sync.Mutex
	var compensated []string

	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{
		Name: "compensate-order",
		Steps: []Step[counterCtx]{
			{
				Name:       "A",
				Execute:    func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil },
				Compensate: func(_ context.Context, c counterCtx) error { mu.Lock(); compensated = append(compensated, "A"); mu.Unlock(); return nil },
			},
			{
				Name:       "B",
				Execute:    func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil },
				Compensate: func(_ context.Context, c counterCtx) error { mu.Lock(); compensated = append(compensated, "B"); mu.Unlock(); return nil },
			},
			{
				Name:    "C",
				Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { return c, errors.New("boom") },
			},
		},
	}

	result, err := o.Execute(context.Background(), def, counterCtx{}, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusCompensated, result.Status)
	assert.Equal(t, []string{"B", "A"}, compensated)
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	attempts := 0
	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{
		Name: "retry",
		Steps: []Step[counterCtx]{
			{
				Name: "flaky",
				Execute: func(_ context.Context, c counterCtx) (counterCtx, error) {
					attempts++
					if attempts < 3 {
						return c, errors.New("transient")
					}
					return c, nil
				},
				Retry: &RetryConfig{MaxRetries: 3, Delay: 10 * time.Millisecond, BackoffMultiplier: 1},
			},
		},
	}

	result, err := o.Execute(context.Background(), def, counterCtx{}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, result.Steps[0].RetryCount)
}

func TestExecute_StepTimeout(t *testing.T) {
	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{
		Name: "slow",
		Steps: []Step[counterCtx]{
			{
				Name: "A",
				Execute: func(_ context.Context, c counterCtx) (counterCtx, error) {
					return c, nil
				},
			},
			{
				Name: "B",
				Execute: func(ctx context.Context, c counterCtx) (counterCtx, error) {
					select {
					case <-time.After(2 * time.Second):
						return c, nil
					case <-ctx.Done():
						return c, ctx.Err()
					}
				},
				Compensate: func(_ context.Context, c counterCtx) error { return nil },
			},
		},
	}

	opts := Options{StepTimeout: 50 * time.Millisecond, SagaTimeout: 5 * time.Second}
	result, err := o.Execute(context.Background(), def, counterCtx{}, opts)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
	assert.Equal(t, StatusCompensated, result.Status)
	assert.Equal(t, StatusCompensated, result.Steps[0].Status)
}

func TestExecute_CompensationFailureDoesNotAbortRemaining(t *testing.T) {
	var mu sync.Mutex
	var compensated []string

	o := New[counterCtx](nil, nil, nil)
	def := Definition[counterCtx]{
		Name: "partial-compensation-failure",
		Steps: []Step[counterCtx]{
			{
				Name:       "A",
				Execute:    func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil },
				Compensate: func(_ context.Context, c counterCtx) error { mu.Lock(); compensated = append(compensated, "A"); mu.Unlock(); return nil },
			},
			{
				Name:       "B",
				Execute:    func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil },
				Compensate: func(_ context.Context, c counterCtx) error { return errors.New("compensation failed") },
			},
			{
				Name:    "C",
				Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { return c, errors.New("boom") },
			},
		},
	}

	result, err := o.Execute(context.Background(), def, counterCtx{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusCompFailed, result.Status)
	assert.Equal(t, []string{"A"}, compensated)
	assert.Equal(t, StatusCompFailed, result.Steps[1].Status)
	assert.Equal(t, StatusCompensated, result.Steps[0].Status)
}

func TestShutdown_FailsActiveSagas(t *testing.T) {
	o := New[counterCtx](nil, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	def := Definition[counterCtx]{
		Name: "long-running",
		Steps: []Step[counterCtx]{
			{
				Name: "blocking",
				Execute: func(ctx context.Context, c counterCtx) (counterCtx, error) {
					close(started)
					select {
					case <-release:
						return c, nil
					case <-ctx.Done():
						return c, ctx.Err()
					}
				},
			},
		},
	}

	var result *Result[counterCtx]
	var execErr error
	done := make(chan struct{})
	go func() {
		result, execErr = o.Execute(context.Background(), def, counterCtx{}, Options{StepTimeout: 5 * time.Second, SagaTimeout: 5 * time.Second})
		close(done)
	}()

	<-started
	assert.Equal(t, 1, o.ActiveCount())
	o.Shutdown(context.Background())
	close(release)
	<-done

	require.NoError(t, execErr)
	assert.False(t, result.Success)
}

// fakeStore is a hand-rolled in-memory Store double, matching the
// teacher's fake-over-mock convention.
type fakeStore struct {
	mu    sync.Mutex
	runs  map[ids.ID]Run
	calls int
}

func newFakeStore() *fakeStore { return &fakeStore{runs: map[ids.ID]Run{}} }

func (s *fakeStore) Upsert(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) TimedOut(context.Context, time.Time) ([]Run, error) { return nil, nil }
func (s *fakeStore) MarkTimedOut(context.Context, ids.ID) error         { return nil }
func (s *fakeStore) DeleteCompletedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestExecute_DurableSnapshotsToStore(t *testing.T) {
	store := newFakeStore()
	o := New[counterCtx](nil, nil, nil)
	o.SetStore(store)

	def := Definition[counterCtx]{
		Name: "durable",
		Steps: []Step[counterCtx]{
			{Name: "A", Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil }},
		},
	}

	opts := DefaultOptions()
	opts.Durable = true
	result, err := o.Execute(context.Background(), def, counterCtx{}, opts)
	require.NoError(t, err)
	require.True(t, result.Success)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.GreaterOrEqual(t, store.calls, 2) // initial + completed snapshot
	run, ok := store.runs[result.SagaID]
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestExecute_NotDurableSkipsStore(t *testing.T) {
	store := newFakeStore()
	o := New[counterCtx](nil, nil, nil)
	o.SetStore(store)

	def := Definition[counterCtx]{
		Name:  "not-durable",
		Steps: []Step[counterCtx]{{Name: "A", Execute: func(_ context.Context, c counterCtx) (counterCtx, error) { return c, nil }}},
	}

	_, err := o.Execute(context.Background(), def, counterCtx{}, DefaultOptions())
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 0, store.calls)
}
