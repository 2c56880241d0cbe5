package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-hq/gatehouse/internal/identity"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
)

// Status qualifies the principal returned by Resolve.
type Status int

const (
	// StatusNone means no usable session exists.
	StatusNone Status = iota
	// StatusActive means the principal was loaded from the profile
	// store and is authoritative.
	StatusActive
	// StatusDegraded means the profile store was unreachable and the
	// principal came from the last-known snapshot. A background refresh
	// has been scheduled; decisions remain valid but stale-bounded.
	StatusDegraded
)

var (
	// ErrAccountInactive indicates a deactivated account. Detection at
	// any point forces sign-out rather than a retry.
	ErrAccountInactive = errors.New("session: account inactive")
	// ErrSessionExpired indicates the idle timeout elapsed and the
	// session has been terminated.
	ErrSessionExpired = errors.New("session: expired after inactivity")
	// ErrProfileUnavailable indicates a session exists but the
	// principal record could not be produced, not even from a snapshot.
	ErrProfileUnavailable = errors.New("session: profile unavailable")
)

// Config tunes the manager's timeouts.
type Config struct {
	// IdleTimeout terminates sessions with no activity. Zero selects
	// the 15 minute default.
	IdleTimeout time.Duration
	// ProfileTimeout bounds every profile-store round trip so a hung
	// dependency degrades instead of blocking. Zero selects 8 seconds.
	ProfileTimeout time.Duration
}

const (
	defaultIdleTimeout    = 15 * time.Minute
	defaultProfileTimeout = 8 * time.Second
	eventBuffer           = 128
)

// Manager owns the session lifecycle. It is the single writer of the
// current principal records and of the decision cache's invalidation;
// readers always observe a whole principal record, never a partial
// update.
type Manager struct {
	logger    *slog.Logger
	provider  identity.Provider
	profiles  identity.ProfileStore
	store     *Store
	decisions *rbac.DecisionCache

	idleTimeout    time.Duration
	profileTimeout time.Duration

	group  singleflight.Group
	events chan Event
	now    func() time.Time

	mu      sync.RWMutex
	current map[string]*rbac.Principal
}

// NewManager constructs a Manager.
func NewManager(logger *slog.Logger, provider identity.Provider, profiles identity.ProfileStore, store *Store, decisions *rbac.DecisionCache, cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = defaultProfileTimeout
	}
	return &Manager{
		logger:         logger,
		provider:       provider,
		profiles:       profiles,
		store:          store,
		decisions:      decisions,
		idleTimeout:    cfg.IdleTimeout,
		profileTimeout: cfg.ProfileTimeout,
		events:         make(chan Event, eventBuffer),
		now:            time.Now,
		current:        make(map[string]*rbac.Principal),
	}
}

// Events exposes the lifecycle event stream. Subscribers must keep
// draining; a full buffer drops the oldest-pending publication with a
// warning rather than stalling session transitions.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// SignIn verifies credentials, loads the principal and establishes a
// session. An inactive account never receives a session: the sign-in is
// reversed before any state is committed.
func (m *Manager) SignIn(ctx context.Context, email, password string) (string, *rbac.Principal, error) {
	principalID, err := m.provider.VerifyPassword(ctx, email, password)
	if err != nil {
		return "", nil, err
	}

	principal, err := m.loadProfile(ctx, principalID)
	if err != nil {
		return "", nil, fmt.Errorf("session: sign in: %w", err)
	}
	if !principal.IsActive {
		return "", nil, ErrAccountInactive
	}

	rec, err := m.store.Create(ctx, principalID)
	if err != nil {
		return "", nil, fmt.Errorf("session: sign in: %w", err)
	}
	if err := m.store.SaveSnapshot(ctx, principal); err != nil {
		m.logger.Warn("save principal snapshot", slog.Any("error", err))
	}

	m.setPrincipal(rec.Token, principal)
	m.decisions.InvalidateAll()
	m.publish(SessionBecameActive, rec.Token, principalID)
	return rec.Token, principal, nil
}

// Resolve restores the session behind the token and returns its
// principal. The idle timeout is enforced here; a successful resolution
// counts as an activity event and resets the idle clock. Profile-store
// failures degrade to the last-known snapshot instead of surfacing a
// hard error.
func (m *Manager) Resolve(ctx context.Context, token string) (*rbac.Principal, Status, error) {
	rec, err := m.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, StatusNone, ErrNoSession
		}
		return nil, StatusNone, err
	}

	if m.now().Sub(rec.LastSeen) > m.idleTimeout {
		m.SignOut(ctx, token)
		return nil, StatusNone, ErrSessionExpired
	}

	if principal := m.getPrincipal(token); principal != nil {
		m.touch(ctx, token)
		return principal, StatusActive, nil
	}

	principal, err := m.loadProfile(ctx, rec.PrincipalID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrMalformedProfile) {
			// The account is gone or unusable; this session cannot be
			// restored, now or later.
			m.SignOut(ctx, token)
			return nil, StatusNone, ErrNoSession
		}
		snapshot, snapErr := m.store.LoadSnapshot(ctx, rec.PrincipalID)
		if snapErr != nil {
			m.logger.Warn("profile load failed with no snapshot",
				slog.Int64("principal_id", rec.PrincipalID), slog.Any("error", err))
			return nil, StatusNone, ErrProfileUnavailable
		}
		m.logger.Warn("serving stale principal snapshot",
			slog.Int64("principal_id", rec.PrincipalID), slog.Any("error", err))
		if !snapshot.IsActive {
			m.SignOut(ctx, token)
			return nil, StatusNone, ErrAccountInactive
		}
		m.scheduleRefresh(token)
		m.touch(ctx, token)
		return snapshot, StatusDegraded, nil
	}

	if !principal.IsActive {
		// Server-side revocation equivalent: discovering inactivity
		// terminates the session.
		m.SignOut(ctx, token)
		return nil, StatusNone, ErrAccountInactive
	}

	if err := m.store.SaveSnapshot(ctx, principal); err != nil {
		m.logger.Warn("save principal snapshot", slog.Any("error", err))
	}
	m.setPrincipal(token, principal)
	m.touch(ctx, token)
	return principal, StatusActive, nil
}

// SignOut tears the session down. Store failures are logged, never
// propagated: the in-process state is authoritative and is always
// cleared.
func (m *Manager) SignOut(ctx context.Context, token string) {
	rec, err := m.store.Get(ctx, token)
	if err != nil && !errors.Is(err, ErrNoSession) {
		m.logger.Warn("load session during sign out", slog.Any("error", err))
	}

	m.mu.Lock()
	delete(m.current, token)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, token); err != nil {
		m.logger.Warn("delete session", slog.Any("error", err))
	}
	var principalID int64
	if rec != nil {
		principalID = rec.PrincipalID
		if err := m.store.DeleteSnapshot(ctx, rec.PrincipalID); err != nil {
			m.logger.Warn("delete principal snapshot", slog.Any("error", err))
		}
	}

	m.decisions.InvalidateAll()
	m.publish(SessionEnded, token, principalID)
}

// RefreshPrincipal re-fetches the principal record, replaces it
// atomically and invalidates the decision cache before returning.
// Concurrent refreshes of the same session collapse into one fetch.
func (m *Manager) RefreshPrincipal(ctx context.Context, token string) (*rbac.Principal, error) {
	result, err, _ := m.group.Do(token, func() (any, error) {
		rec, err := m.store.Get(ctx, token)
		if err != nil {
			return nil, err
		}
		principal, err := m.loadProfile(ctx, rec.PrincipalID)
		if err != nil {
			return nil, fmt.Errorf("session: refresh: %w", err)
		}
		if !principal.IsActive {
			m.SignOut(ctx, token)
			return nil, ErrAccountInactive
		}

		m.setPrincipal(token, principal)
		if err := m.store.SaveSnapshot(ctx, principal); err != nil {
			m.logger.Warn("save principal snapshot", slog.Any("error", err))
		}
		m.decisions.InvalidateAll()
		m.publish(PrincipalRefreshed, token, principal.ID)
		return principal, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*rbac.Principal), nil
}

// ChangePassword updates the credential and refreshes the principal so
// the forced-reset flag is re-read from the store. clearForcedReset
// distinguishes a mandatory or recovery change from a voluntary one.
// Credential failures propagate verbatim for user-facing display.
func (m *Manager) ChangePassword(ctx context.Context, token, newPassword string, clearForcedReset bool) error {
	rec, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := m.provider.UpdateCredential(ctx, rec.PrincipalID, newPassword, clearForcedReset); err != nil {
		return err
	}
	if _, err := m.RefreshPrincipal(ctx, token); err != nil {
		return err
	}
	return nil
}

// Invalidate drops in-process principal state and memoized decisions for
// every session of the principal. Called after admin mutations of a
// user's roles, permissions or activation flag; the next Resolve reloads
// the profile.
func (m *Manager) Invalidate(principalID int64) {
	m.mu.Lock()
	for token, principal := range m.current {
		if principal.ID == principalID {
			delete(m.current, token)
		}
	}
	m.mu.Unlock()
	m.decisions.InvalidateAll()
}

// InvalidateAll drops every in-process principal record and all memoized
// decisions. Called after mutations whose blast radius cannot be scoped to
// one principal, such as editing a role's permission set.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	m.current = make(map[string]*rbac.Principal)
	m.mu.Unlock()
	m.decisions.InvalidateAll()
}

// SweepIdle signs out every session whose idle timeout has elapsed and
// returns how many were terminated.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.idleTimeout)
	tokens, err := m.store.IdleTokens(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, token := range tokens {
		m.SignOut(ctx, token)
	}
	return len(tokens), nil
}

// Run drives the idle sweep until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.SweepIdle(ctx); err != nil {
				m.logger.Warn("idle sweep", slog.Any("error", err))
			} else if n > 0 {
				m.logger.Info("idle sessions terminated", slog.Int("count", n))
			}
		}
	}
}

// IdleTimeout exposes the configured idle limit.
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

func (m *Manager) loadProfile(ctx context.Context, principalID int64) (*rbac.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, m.profileTimeout)
	defer cancel()
	return m.profiles.FetchProfile(ctx, principalID)
}

func (m *Manager) setPrincipal(token string, p *rbac.Principal) {
	m.mu.Lock()
	m.current[token] = p
	m.mu.Unlock()
}

func (m *Manager) getPrincipal(token string) *rbac.Principal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[token]
}

func (m *Manager) touch(ctx context.Context, token string) {
	if err := m.store.Touch(ctx, token); err != nil && !errors.Is(err, ErrNoSession) {
		m.logger.Warn("touch session", slog.Any("error", err))
	}
}

func (m *Manager) scheduleRefresh(token string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.profileTimeout)
		defer cancel()
		if _, err := m.RefreshPrincipal(ctx, token); err != nil {
			m.logger.Warn("background principal refresh", slog.Any("error", err))
		}
	}()
}

// publish emits a lifecycle event without blocking the caller. Delivery
// is best effort: when the buffer is full the event is dropped with a
// warning. Observers get telemetry only; authorization state never
// depends on an event being consumed.
func (m *Manager) publish(kind EventKind, token string, principalID int64) {
	evt := Event{Kind: kind, Token: token, PrincipalID: principalID, At: m.now()}
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("event buffer full, dropping", slog.String("kind", kind.String()))
	}
}
