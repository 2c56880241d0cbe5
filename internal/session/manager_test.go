package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-hq/gatehouse/internal/identity"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	_ "github.com/gatehouse-hq/gatehouse/internal/testing/guard"
)

type stubProvider struct {
	accounts map[string]int64 // email -> principal id, password is "correct"
	onUpdate func(principalID int64, secret string, clearForcedReset bool) error
}

func (s *stubProvider) VerifyPassword(ctx context.Context, email, password string) (int64, error) {
	id, ok := s.accounts[email]
	if !ok || password != "correct" {
		return 0, identity.ErrCredentialRejected
	}
	return id, nil
}

func (s *stubProvider) UpdateCredential(ctx context.Context, principalID int64, secret string, clearForcedReset bool) error {
	if s.onUpdate != nil {
		return s.onUpdate(principalID, secret, clearForcedReset)
	}
	return nil
}

type stubProfiles struct {
	mu       sync.Mutex
	profiles map[int64]*rbac.Principal
	err      error
}

func (s *stubProfiles) FetchProfile(ctx context.Context, principalID int64) (*rbac.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[principalID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *stubProfiles) setError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fixture struct {
	manager   *Manager
	provider  *stubProvider
	profiles  *stubProfiles
	decisions *rbac.DecisionCache
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	editor := rbac.Role{
		ID:          2,
		Name:        "editor",
		Permissions: []rbac.Permission{{ID: 1, Resource: "users", Action: "view"}},
	}
	profiles := &stubProfiles{profiles: map[int64]*rbac.Principal{
		1: {ID: 1, Email: "user@test.local", FullName: "Test User", IsActive: true, Roles: []rbac.Role{editor}},
		2: {ID: 2, Email: "frozen@test.local", IsActive: false},
	}}
	provider := &stubProvider{accounts: map[string]int64{
		"user@test.local":   1,
		"frozen@test.local": 2,
	}}

	decisions := rbac.NewDecisionCache(5*time.Minute, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore(client, time.Hour)
	manager := NewManager(logger, provider, profiles, store, decisions, Config{
		IdleTimeout:    15 * time.Minute,
		ProfileTimeout: time.Second,
	})

	now := time.Now()
	clock := &now
	manager.now = func() time.Time { return *clock }
	store.now = func() time.Time { return *clock }

	return &fixture{manager: manager, provider: provider, profiles: profiles, decisions: decisions, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func drainEvents(m *Manager) []Event {
	var events []Event
	for {
		select {
		case evt := <-m.Events():
			events = append(events, evt)
		default:
			return events
		}
	}
}

func TestSignInSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, principal, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, int64(1), principal.ID)
	assert.True(t, principal.IsActive)

	events := drainEvents(f.manager)
	require.Len(t, events, 1)
	assert.Equal(t, SessionBecameActive, events[0].Kind)
	assert.Equal(t, token, events[0].Token)
}

func TestSignInCredentialRejected(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.manager.SignIn(context.Background(), "user@test.local", "wrong")
	assert.ErrorIs(t, err, identity.ErrCredentialRejected)

	_, _, err = f.manager.SignIn(context.Background(), "ghost@test.local", "correct")
	assert.ErrorIs(t, err, identity.ErrCredentialRejected)
}

func TestSignInInactiveAccount(t *testing.T) {
	f := newFixture(t)

	token, _, err := f.manager.SignIn(context.Background(), "frozen@test.local", "correct")
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.Empty(t, token, "no session may be committed for an inactive account")
	assert.Empty(t, drainEvents(f.manager))
}

func TestResolveActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	principal, status, err := f.manager.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, int64(1), principal.ID)
}

func TestResolveUnknownToken(t *testing.T) {
	f := newFixture(t)

	_, status, err := f.manager.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, StatusNone, status)
}

func TestIdleTimeoutSignsOutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)
	drainEvents(f.manager)

	f.advance(15*time.Minute + time.Second)
	_, _, err = f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	var ended int
	for _, evt := range drainEvents(f.manager) {
		if evt.Kind == SessionEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended, "sign-out fires exactly once")

	// The session is gone for good.
	_, _, err = f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestActivityResetsIdleClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	// A qualifying event just before expiry resets the timer.
	f.advance(15*time.Minute - time.Millisecond)
	_, status, err := f.manager.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)

	// Another near-limit gap still succeeds because the clock was reset.
	f.advance(15*time.Minute - time.Millisecond)
	_, _, err = f.manager.Resolve(ctx, token)
	assert.NoError(t, err)
}

func TestResolveDegradesToSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	// Simulate a restart losing in-process state, then a hung store.
	f.manager.Invalidate(1)
	f.profiles.setError(errors.New("profile store down"))

	principal, status, err := f.manager.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, int64(1), principal.ID)
}

func TestResolveProfileUnavailableWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	f.manager.Invalidate(1)
	require.NoError(t, f.manager.store.DeleteSnapshot(ctx, 1))
	f.profiles.setError(errors.New("profile store down"))

	_, status, err := f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrProfileUnavailable)
	assert.Equal(t, StatusNone, status)
}

func TestResolveDiscoversDeactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)
	drainEvents(f.manager)

	f.profiles.profiles[1].IsActive = false
	f.manager.Invalidate(1)

	_, _, err = f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrAccountInactive)

	// Forced sign-out, not a retry: the session no longer exists.
	_, _, err = f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshPrincipalInvalidatesDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, principal, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	require.True(t, f.decisions.Get(principal, "users", "view"))

	// Role revoked behind the manager's back.
	f.profiles.profiles[1].Roles = nil

	refreshed, err := f.manager.RefreshPrincipal(ctx, token)
	require.NoError(t, err)

	// Cache answer immediately after refresh matches a direct evaluation
	// of the refreshed principal.
	assert.Equal(t, rbac.Evaluate(refreshed, "users", "view"), f.decisions.Get(refreshed, "users", "view"))
	assert.False(t, f.decisions.Get(refreshed, "users", "view"))
}

func TestChangePasswordRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.profiles.profiles[1].NeedsPasswordReset = true
	f.provider.onUpdate = func(principalID int64, secret string, clearForcedReset bool) error {
		if clearForcedReset {
			f.profiles.profiles[principalID].NeedsPasswordReset = false
		}
		return nil
	}

	token, principal, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)
	require.True(t, principal.NeedsPasswordReset)

	require.NoError(t, f.manager.ChangePassword(ctx, token, "new-secret-123", true))

	refreshed, status, err := f.manager.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.False(t, refreshed.NeedsPasswordReset)
}

func TestChangePasswordPropagatesCredentialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	boom := errors.New("weak password")
	f.provider.onUpdate = func(int64, string, bool) error { return boom }

	token, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	err = f.manager.ChangePassword(ctx, token, "short", false)
	assert.ErrorIs(t, err, boom)
}

func TestSignOutClearsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, principal, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)
	f.decisions.Get(principal, "users", "view")
	require.NotZero(t, f.decisions.Len())
	drainEvents(f.manager)

	f.manager.SignOut(ctx, token)

	assert.Zero(t, f.decisions.Len())
	_, _, err = f.manager.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)

	events := drainEvents(f.manager)
	require.Len(t, events, 1)
	assert.Equal(t, SessionEnded, events[0].Kind)
}

func TestSweepIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tokenA, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	tokenB, _, err := f.manager.SignIn(ctx, "user@test.local", "correct")
	require.NoError(t, err)

	f.advance(6 * time.Minute) // A idle for 16m, B for 6m

	n, err := f.manager.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = f.manager.Resolve(ctx, tokenA)
	assert.ErrorIs(t, err, ErrNoSession)
	_, _, err = f.manager.Resolve(ctx, tokenB)
	assert.NoError(t, err)
}
