package session

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
	"github.com/vitaliisemenov/alert-history/internal/txutil"
)

// fakeRepo is a hand-rolled in-memory Repository double for unit
// testing Service without a live Postgres connection.
type fakeRepo struct {
	mu       sync.Mutex
	byID     map[ids.ID]*Session
	byTok    map[string]ids.ID
	byRef    map[string]ids.ID
	byPrev   map[string]ids.ID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID: map[ids.ID]*Session{}, byTok: map[string]ids.ID{},
		byRef: map[string]ids.ID{}, byPrev: map[string]ids.ID{},
	}
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.byID[s.ID] = &cp
	f.byTok[s.TokenHash] = s.ID
	f.byRef[s.RefreshTokenHash] = s.ID
	return nil
}

func (f *fakeRepo) FindByTokenHash(_ context.Context, h string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byTok[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeRepo) FindByRefreshTokenHash(_ context.Context, h string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRef[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeRepo) FindByPreviousRefreshTokenHash(_ context.Context, h string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byPrev[h]
	if !ok {
		return nil, ErrNotFound
	}
	s := f.byID[id]
	if !s.IsActive {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id ids.ID) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ActiveCountForAccount(_ context.Context, accountID ids.ID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.byID {
		if s.AccountID == accountID && s.IsActive && time.Now().Before(s.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Rotate(_ context.Context, _ pgx.Tx, id ids.ID, newTokenHash, newRefreshHash, oldRefreshHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(f.byTok, s.TokenHash)
	delete(f.byRef, s.RefreshTokenHash)
	s.TokenHash = newTokenHash
	s.RefreshTokenHash = newRefreshHash
	s.PreviousRefreshTokenHash = &oldRefreshHash
	s.ExpiresAt = expiresAt
	f.byTok[newTokenHash] = id
	f.byRef[newRefreshHash] = id
	f.byPrev[oldRefreshHash] = id
	return nil
}

func (f *fakeRepo) Revoke(_ context.Context, _ pgx.Tx, id ids.ID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	s.RevokedReason = &reason
	return nil
}

func (f *fakeRepo) RevokeAllForAccount(_ context.Context, _ pgx.Tx, accountID ids.ID, excludeID *ids.ID, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.byID {
		if s.AccountID != accountID || !s.IsActive {
			continue
		}
		if excludeID != nil && s.ID == *excludeID {
			continue
		}
		s.IsActive = false
		s.RevokedReason = &reason
		n++
	}
	return n, nil
}

func (f *fakeRepo) Touch(_ context.Context, id ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (f *fakeRepo) InsertRevokedToken(context.Context, pgx.Tx, RevokedToken) error { return nil }
func (f *fakeRepo) DeleteExpiredRevokedTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) DeleteExpiredSessions(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeOutbox is a minimal outbox.Repository double that just records
// appended events; tests assert on its count rather than dispatch.
type fakeOutbox struct {
	mu     sync.Mutex
	events []outbox.NewEvent
}

func (f *fakeOutbox) AppendEvent(_ context.Context, _ pgx.Tx, ev outbox.NewEvent) (ids.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
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

// fakeTxRunner runs fn immediately against a nil pgx.Tx; the fake
// repositories ignore the tx argument and mutate their in-memory maps
// directly, so no real transaction semantics are needed in unit tests.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn txutil.TxFn) error {
	return fn(ctx, nil)
}

func newTestService() (*Service, *fakeRepo, *fakeOutbox) {
	repo := newFakeRepo()
	ob := &fakeOutbox{}
	svc := &Service{tx: fakeTxRunner{}, repo: repo, outbox: ob, cfg: DefaultConfig()}
	return svc, repo, ob
}

func TestCreate_IssuesTokenPairAndPersistsHashesOnly(t *testing.T) {
	svc, repo, ob := newTestService()
	accountID := ids.New()

	sess, pair, err := svc.Create(context.Background(), CreateInput{AccountID: accountID})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, sess.TokenHash)
	assert.Len(t, sess.TokenHash, 64) // hex-encoded sha256, never the plaintext

	stored, err := repo.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.TokenHash, stored.TokenHash)
	require.Len(t, ob.events, 1)
	assert.Equal(t, "SESSION_CREATED", ob.events[0].EventType)
}

func TestCreate_MaxSessionsExceeded(t *testing.T) {
	svc, repo, _ := newTestService()
	accountID := ids.New()
	for i := 0; i < DefaultConfig().MaxSessionsPerAccount; i++ {
		plainAccess, hashAccess, _ := generateToken()
		_, hashRefresh, _ := generateToken()
		_ = plainAccess
		require.NoError(t, repo.Insert(context.Background(), nil, Session{
			ID: ids.New(), AccountID: accountID, TokenHash: hashAccess, RefreshTokenHash: hashRefresh,
			ExpiresAt: time.Now().Add(time.Hour), IsActive: true,
		}))
	}

	_, _, err := svc.Create(context.Background(), CreateInput{AccountID: accountID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxSessionsExceeded)
}

func TestValidate_ActiveUnexpiredSessionReturnsIt(t *testing.T) {
	svc, repo, _ := newTestService()
	plain, hash, err := generateToken()
	require.NoError(t, err)
	sess := Session{ID: ids.New(), AccountID: ids.New(), TokenHash: hash, RefreshTokenHash: "r",
		ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	require.NoError(t, repo.Insert(context.Background(), nil, sess))

	found, err := svc.Validate(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)
}

func TestValidate_ExpiredSessionIsUnauthorized(t *testing.T) {
	svc, repo, _ := newTestService()
	plain, hash, err := generateToken()
	require.NoError(t, err)
	sess := Session{ID: ids.New(), TokenHash: hash, RefreshTokenHash: "r",
		ExpiresAt: time.Now().Add(-time.Minute), IsActive: true}
	require.NoError(t, repo.Insert(context.Background(), nil, sess))

	_, err = svc.Validate(context.Background(), plain)
	require.Error(t, err)
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestValidate_UnknownTokenIsUnauthorized(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Validate(context.Background(), "never-issued")
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestRefresh_KnownButRotatedTokenIsForbiddenAndRevokesAll(t *testing.T) {
	repo := newFakeRepo()
	ob := &fakeOutbox{}
	svc := &Service{tx: fakeTxRunner{}, repo: repo, outbox: ob, cfg: DefaultConfig()}

	accountID := ids.New()
	oldPlain, oldHash, _ := generateToken()
	sess := Session{ID: ids.New(), AccountID: accountID, TokenHash: "access1", RefreshTokenHash: "newref",
		PreviousRefreshTokenHash: &oldHash, ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	require.NoError(t, repo.Insert(context.Background(), nil, sess))
	repo.byPrev[oldHash] = sess.ID

	_, _, err := svc.Refresh(context.Background(), oldPlain, nil)
	require.Error(t, err)
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	found, _ := repo.FindByID(context.Background(), sess.ID)
	assert.False(t, found.IsActive)
}

func TestRefresh_NeverSeenTokenIsUnauthorizedNotForbidden(t *testing.T) {
	svc, _, _ := newTestService()
	_, _, err := svc.Refresh(context.Background(), "totally-unknown", nil)
	require.Error(t, err)
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestRefresh_RotatesTokensAndRecordsPreviousHash(t *testing.T) {
	svc, repo, ob := newTestService()
	accountID := ids.New()
	plain, hash, err := generateToken()
	require.NoError(t, err)
	sess := Session{ID: ids.New(), AccountID: accountID, TokenHash: "access1", RefreshTokenHash: hash,
		ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	require.NoError(t, repo.Insert(context.Background(), nil, sess))

	newSess, pair, err := svc.Refresh(context.Background(), plain, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, plain, pair.RefreshToken)
	assert.Equal(t, hash, *newSess.PreviousRefreshTokenHash)
	assert.Len(t, ob.events, 1)
	assert.Equal(t, "SESSION_REFRESHED", ob.events[0].EventType)

	// The old refresh hash must now resolve via byPrev, not byRef.
	_, err = repo.FindByRefreshTokenHash(context.Background(), hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefresh_BindingRiskAboveThresholdIsForbidden(t *testing.T) {
	repo := newFakeRepo()
	ob := &fakeOutbox{}
	cfg := DefaultConfig()
	cfg.EnableBinding = true
	cfg.IPBindingStrict = true
	svc := &Service{tx: fakeTxRunner{}, repo: repo, outbox: ob, cfg: cfg}

	plain, hash, err := generateToken()
	require.NoError(t, err)
	storedIP := "203.0.113.10"
	storedUA := "Mozilla/5.0 Windows Chrome/120.0"
	storedDevice := ids.New()
	sess := Session{ID: ids.New(), AccountID: ids.New(), TokenHash: "access1", RefreshTokenHash: hash,
		IPAddress: &storedIP, UserAgent: &storedUA, DeviceID: &storedDevice,
		ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	require.NoError(t, repo.Insert(context.Background(), nil, sess))

	// strict IP mismatch 50 + unrelated UA 30 + other device 40 = 120 >= 100
	presentedDevice := ids.New().String()
	_, _, err = svc.Refresh(context.Background(), plain,
		&BindingContext{IPAddress: "198.51.100.5", UserAgent: "curl/8.1.0", DeviceID: &presentedDevice})
	require.Error(t, err)
	var forbidden *ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestTouch_NoopsOnMissingSession(t *testing.T) {
	svc, _, _ := newTestService()
	svc.Touch(context.Background(), ids.New()) // must not panic
}
