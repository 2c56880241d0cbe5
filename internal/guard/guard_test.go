package guard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-hq/gatehouse/internal/identity"
	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	"github.com/gatehouse-hq/gatehouse/internal/session"
)

func allowAll(*rbac.Principal, string, string) bool { return true }
func denyAll(*rbac.Principal, string, string) bool  { return false }
func evaluate(p *rbac.Principal, r, a string) bool  { return rbac.Evaluate(p, r, a) }

func TestDecideTable(t *testing.T) {
	active := &rbac.Principal{ID: 1, IsActive: true}
	admin := &rbac.Principal{ID: 2, IsActive: true, Roles: []rbac.Role{{ID: 1, Name: rbac.AdminRoleName}}}
	inactive := &rbac.Principal{ID: 3, IsActive: false}
	forced := &rbac.Principal{ID: 4, IsActive: true, NeedsPasswordReset: true}

	cases := []struct {
		name      string
		restoring bool
		session   bool
		principal *rbac.Principal
		req       Requirement
		target    string
		allow     func(*rbac.Principal, string, string) bool
		want      Outcome
	}{
		{"restoring with session", true, true, nil, Requirement{}, "/dashboard", allowAll, OutcomeLoading},
		{"no session", false, false, nil, Requirement{}, "/dashboard", allowAll, OutcomeRedirectLogin},
		{"session without principal", false, true, nil, Requirement{}, "/dashboard", allowAll, OutcomeRedirectLogin},
		{"forced reset elsewhere", false, true, forced, Requirement{}, "/dashboard", allowAll, OutcomeRedirectPasswordChange},
		{"forced reset on password page", false, true, forced, Requirement{}, "/auth/password", allowAll, OutcomeAllow},
		{"inactive principal", false, true, inactive, Requirement{}, "/dashboard", allowAll, OutcomeInactiveNotice},
		{"admin-only for non-admin", false, true, active, Requirement{AdminOnly: true}, "/admin", allowAll, OutcomeRedirectHome},
		{"admin-only for admin", false, true, admin, Requirement{AdminOnly: true}, "/admin", evaluate, OutcomeAllow},
		{"capability denied", false, true, active, Requirement{Resource: "users", Action: "manage"}, "/users", denyAll, OutcomeDenied},
		{"capability granted", false, true, admin, Requirement{Resource: "users", Action: "manage"}, "/users", evaluate, OutcomeAllow},
		{"authenticated only", false, true, active, Requirement{}, "/dashboard", denyAll, OutcomeAllow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.restoring, tc.session, tc.principal, tc.req, tc.target, "/auth/password", tc.allow)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecideEmptyRolesDenied(t *testing.T) {
	p := &rbac.Principal{ID: 1, IsActive: true}
	got := Decide(false, true, p, Requirement{Resource: "users", Action: "manage"}, "/users", "/auth/password", evaluate)
	assert.Equal(t, OutcomeDenied, got)
}

type guardProvider struct{}

func (guardProvider) VerifyPassword(ctx context.Context, email, password string) (int64, error) {
	if password != "correct" {
		return 0, identity.ErrCredentialRejected
	}
	return 1, nil
}

func (guardProvider) UpdateCredential(context.Context, int64, string, bool) error { return nil }

type guardProfiles struct {
	principal *rbac.Principal
}

func (g *guardProfiles) FetchProfile(ctx context.Context, principalID int64) (*rbac.Principal, error) {
	clone := *g.principal
	return &clone, nil
}

func newGuard(t *testing.T, principal *rbac.Principal) (*Guard, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	decisions := rbac.NewDecisionCache(5*time.Minute, nil)
	store := session.NewStore(client, time.Hour)
	manager := session.NewManager(logger, guardProvider{}, &guardProfiles{principal: principal}, store, decisions, session.Config{})

	token, _, err := manager.SignIn(context.Background(), principal.Email, "correct")
	require.NoError(t, err)

	return &Guard{Sessions: manager, Decisions: decisions, Logger: logger}, token
}

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, PrincipalFromContext(r.Context()), "principal must be injected")
		require.NotEmpty(t, TokenFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestProtectAllowsAdminEverywhere(t *testing.T) {
	g, token := newGuard(t, &rbac.Principal{
		ID: 1, Email: "admin@test.local", IsActive: true,
		Roles: []rbac.Role{{ID: 1, Name: rbac.AdminRoleName}},
	})

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	g.RequireCapability("users", "manage")(protectedHandler(t)).ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code)
}

func TestProtectDeniesMissingCapability(t *testing.T) {
	g, token := newGuard(t, &rbac.Principal{ID: 1, Email: "user@test.local", IsActive: true})

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	g.RequireCapability("users", "manage")(protectedHandler(t)).ServeHTTP(res, req)

	assert.Equal(t, http.StatusForbidden, res.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &problem))
	assert.Equal(t, "Access Denied", problem.Title)
}

func TestProtectRedirectsAnonymousToLogin(t *testing.T) {
	g, _ := newGuard(t, &rbac.Principal{ID: 1, Email: "user@test.local", IsActive: true})

	req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=2", nil)
	res := httptest.NewRecorder()
	g.Authenticated()(protectedHandler(t)).ServeHTTP(res, req)

	assert.Equal(t, http.StatusUnauthorized, res.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &problem))
	assert.Equal(t, "/auth/login?next=%2Fdashboard%3Ftab%3D2", problem.Location,
		"requested location is preserved for post-login return")
}

func TestProtectForcesPasswordChange(t *testing.T) {
	g, token := newGuard(t, &rbac.Principal{
		ID: 1, Email: "user@test.local", IsActive: true, NeedsPasswordReset: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	g.Authenticated()(protectedHandler(t)).ServeHTTP(res, req)

	assert.Equal(t, http.StatusForbidden, res.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &problem))
	assert.Equal(t, "/auth/password", problem.Location)

	// The password change route itself stays reachable.
	req = httptest.NewRequest(http.MethodPut, "/auth/password", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res = httptest.NewRecorder()
	g.Authenticated()(protectedHandler(t)).ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestProtectSoftRedirectsNonAdmin(t *testing.T) {
	g, token := newGuard(t, &rbac.Principal{ID: 1, Email: "user@test.local", IsActive: true})

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	g.RequireAdmin()(protectedHandler(t)).ServeHTTP(res, req)

	assert.Equal(t, http.StatusSeeOther, res.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &problem))
	assert.Equal(t, "/", problem.Location)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", TokenFromRequest(req))

	cookieReq := httptest.NewRequest(http.MethodGet, "/", nil)
	cookieReq.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", TokenFromRequest(cookieReq))
}
