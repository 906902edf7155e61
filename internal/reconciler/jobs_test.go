package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/alert-history/internal/ids"
	"github.com/vitaliisemenov/alert-history/internal/outbox"
)

type fakeSessionRepo struct {
	expiredCalls int
	gcCalls      int
}

func (f *fakeSessionRepo) DeleteExpiredSessions(context.Context, time.Time) (int64, error) {
	f.expiredCalls++
	return 3, nil
}

func (f *fakeSessionRepo) DeleteExpiredRevokedTokens(context.Context, time.Time) (int64, error) {
	f.gcCalls++
	return 2, nil
}

func TestExpireSessionsJob(t *testing.T) {
	repo := &fakeSessionRepo{}
	job := ExpireSessionsJob{Repo: repo}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, repo.expiredCalls)
	assert.Equal(t, "expire-sessions", job.Name())
}

func TestGCRevokedTokensJob(t *testing.T) {
	repo := &fakeSessionRepo{}
	job := GCRevokedTokensJob{Repo: repo}
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, repo.gcCalls)
}

// fakeOutbox is a minimal outbox.Repository double for the consent/DSR
// per-row jobs; only AppendEvent and the two GC deletes are exercised.
type fakeOutbox struct {
	mu       sync.Mutex
	appended []outbox.NewEvent
}

func (f *fakeOutbox) AppendEvent(_ context.Context, _ pgx.Tx, ev outbox.NewEvent) (ids.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, ev)
	return ids.New(), nil
}

func (f *fakeOutbox) Claim(context.Context, int) ([]outbox.Event, error) { return nil, nil }
func (f *fakeOutbox) MarkCompleted(context.Context, ids.ID) error        { return nil }
func (f *fakeOutbox) MarkFailed(context.Context, ids.ID, error) error    { return nil }
func (f *fakeOutbox) DeleteCompletedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeOutbox) DeadLetters(context.Context, outbox.DeadLetterStatus, int) ([]outbox.DeadLetterEvent, error) {
	return nil, nil
}
func (f *fakeOutbox) ResolveDeadLetter(context.Context, ids.ID, outbox.DeadLetterStatus) error {
	return nil
}
func (f *fakeOutbox) DeleteDeadLettersBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// fakeDSRRepo is an in-memory DSRRepository double.
type fakeDSRRepo struct {
	rows map[ids.ID]DSRRequest
}

func newFakeDSRRepo(rows ...DSRRequest) *fakeDSRRepo {
	m := map[ids.ID]DSRRequest{}
	for _, r := range rows {
		m[r.ID] = r
	}
	return &fakeDSRRepo{rows: m}
}

func (f *fakeDSRRepo) DueForReview(_ context.Context, now time.Time, window time.Duration) ([]DSRRequest, error) {
	var out []DSRRequest
	for _, r := range f.rows {
		if r.Status != DSROpen || r.EscalationLevel == EscalationOverdue {
			continue
		}
		if !r.DueDate.After(now.Add(window)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDSRRepo) ApplyTransition(_ context.Context, _ pgx.Tx, id ids.ID, level EscalationLevel) error {
	r := f.rows[id]
	r.EscalationLevel = level
	f.rows[id] = r
	return nil
}

func (f *fakeDSRRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

// TestDSRDeadlinesJob_Warning exercises spec.md §8 scenario 7: a DSR
// due in 6 days escalates NONE -> WARNING and emits one event.
func TestDSRDeadlinesJob_Warning(t *testing.T) {
	now := time.Now().UTC()
	dsr := DSRRequest{ID: ids.New(), AccountID: ids.New(), Status: DSROpen, DueDate: now.Add(6 * 24 * time.Hour), EscalationLevel: EscalationNone}
	repo := newFakeDSRRepo(dsr)
	ob := &fakeOutbox{}

	job := DSRDeadlinesJob{DSRs: repo, Outbox: ob}
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, EscalationWarning, repo.rows[dsr.ID].EscalationLevel)
	require.Len(t, ob.appended, 1)
	assert.Equal(t, "DSR_DEADLINE_WARNING", ob.appended[0].EventType)
}

func TestDSRDeadlinesJob_NoOpWhenNotDue(t *testing.T) {
	now := time.Now().UTC()
	dsr := DSRRequest{ID: ids.New(), AccountID: ids.New(), Status: DSROpen, DueDate: now.Add(20 * 24 * time.Hour), EscalationLevel: EscalationNone}
	repo := newFakeDSRRepo(dsr)
	ob := &fakeOutbox{}

	job := DSRDeadlinesJob{DSRs: repo, Outbox: ob}
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, ob.appended)
	assert.Equal(t, EscalationNone, repo.rows[dsr.ID].EscalationLevel)
}

// fakeConsentRepo is an in-memory ConsentRepository double.
type fakeConsentRepo struct {
	rows map[ids.ID]Consent
}

func newFakeConsentRepo(rows ...Consent) *fakeConsentRepo {
	m := map[ids.ID]Consent{}
	for _, r := range rows {
		m[r.ID] = r
	}
	return &fakeConsentRepo{rows: m}
}

func (f *fakeConsentRepo) DueForReview(_ context.Context, now time.Time, window time.Duration) ([]Consent, error) {
	var out []Consent
	for _, c := range f.rows {
		if c.Status != ConsentActive {
			continue
		}
		if !c.ExpiresAt.After(now.Add(window)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConsentRepo) ApplyTransition(_ context.Context, _ pgx.Tx, id ids.ID, level EscalationLevel, status ConsentStatus) error {
	c := f.rows[id]
	c.EscalationLevel = level
	c.Status = status
	f.rows[id] = c
	return nil
}

func (f *fakeConsentRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

func TestConsentExpiryJob_MarksExpired(t *testing.T) {
	now := time.Now().UTC()
	consent := Consent{ID: ids.New(), AccountID: ids.New(), DocumentType: "tos", Status: ConsentActive, ExpiresAt: now.Add(-time.Hour), EscalationLevel: EscalationNone}
	repo := newFakeConsentRepo(consent)
	ob := &fakeOutbox{}

	job := ConsentExpiryJob{Consents: repo, Outbox: ob}
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, ConsentExpired, repo.rows[consent.ID].Status)
	require.Len(t, ob.appended, 1)
	assert.Equal(t, "CONSENT_EXPIRED", ob.appended[0].EventType)
}

func TestConsentExpiryJob_WarnsBeforeExpiry(t *testing.T) {
	now := time.Now().UTC()
	consent := Consent{ID: ids.New(), AccountID: ids.New(), DocumentType: "privacy", Status: ConsentActive, ExpiresAt: now.Add(10 * 24 * time.Hour), EscalationLevel: EscalationNone}
	repo := newFakeConsentRepo(consent)
	ob := &fakeOutbox{}

	job := ConsentExpiryJob{Consents: repo, Outbox: ob}
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, EscalationWarning, repo.rows[consent.ID].EscalationLevel)
	require.Len(t, ob.appended, 1)
	assert.Equal(t, "CONSENT_EXPIRING_SOON", ob.appended[0].EventType)
}
