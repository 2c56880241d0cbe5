// Package guard gates protected routes on session state and
// authorization decisions before any protected side effect runs.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	"github.com/gatehouse-hq/gatehouse/internal/session"
)

// CookieName is the fallback session cookie for browser clients that do
// not send an Authorization header.
const CookieName = "gatehouse_session"

// Outcome enumerates what the guard decided for a request.
type Outcome int

const (
	// OutcomeAllow renders the protected content.
	OutcomeAllow Outcome = iota
	// OutcomeLoading signals the session exists but the principal is
	// still being restored.
	OutcomeLoading
	// OutcomeRedirectLogin sends the client to login, preserving the
	// requested location for post-login return.
	OutcomeRedirectLogin
	// OutcomeRedirectPasswordChange forces the client to the password
	// change page.
	OutcomeRedirectPasswordChange
	// OutcomeInactiveNotice is the terminal deactivated-account notice.
	OutcomeInactiveNotice
	// OutcomeRedirectHome soft-redirects a non-admin away from an
	// admin-only capability.
	OutcomeRedirectHome
	// OutcomeDenied is the access-denied notice for a missing
	// capability.
	OutcomeDenied
)

// Requirement describes the capability a route demands. The zero value
// requires authentication only.
type Requirement struct {
	AdminOnly bool
	Resource  string
	Action    string
}

// Decide applies the guard's decision table in priority order. allow is
// the authorization query, normally the decision cache.
func Decide(restoring, hasSession bool, p *rbac.Principal, req Requirement, targetPath, passwordPath string, allow func(*rbac.Principal, string, string) bool) Outcome {
	if restoring && hasSession {
		return OutcomeLoading
	}
	if !hasSession || p == nil {
		return OutcomeRedirectLogin
	}
	if p.NeedsPasswordReset && targetPath != passwordPath {
		return OutcomeRedirectPasswordChange
	}
	if !p.IsActive {
		return OutcomeInactiveNotice
	}
	if req.AdminOnly && !rbac.IsAdmin(p) {
		return OutcomeRedirectHome
	}
	if req.Resource != "" && !allow(p, req.Resource, req.Action) {
		return OutcomeDenied
	}
	return OutcomeAllow
}

// Guard is the HTTP-facing route guard.
type Guard struct {
	Sessions  *session.Manager
	Decisions *rbac.DecisionCache
	Logger    *slog.Logger

	// Navigation targets; empty values select the defaults.
	LoginPath    string
	PasswordPath string
	HomePath     string
}

func (g *Guard) loginPath() string {
	if g.LoginPath == "" {
		return "/auth/login"
	}
	return g.LoginPath
}

func (g *Guard) passwordPath() string {
	if g.PasswordPath == "" {
		return "/auth/password"
	}
	return g.PasswordPath
}

func (g *Guard) homePath() string {
	if g.HomePath == "" {
		return "/"
	}
	return g.HomePath
}

// Authenticated requires a valid session and nothing more.
func (g *Guard) Authenticated() func(http.Handler) http.Handler {
	return g.Protect(Requirement{})
}

// RequireAdmin requires the admin role.
func (g *Guard) RequireAdmin() func(http.Handler) http.Handler {
	return g.Protect(Requirement{AdminOnly: true})
}

// RequireCapability requires the given (resource, action) capability.
func (g *Guard) RequireCapability(resource, action string) func(http.Handler) http.Handler {
	return g.Protect(Requirement{Resource: resource, Action: action})
}

// Protect builds middleware enforcing the requirement. The resolved
// principal and token are injected into the request context for
// downstream handlers.
func (g *Guard) Protect(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				g.respond(w, r, OutcomeRedirectLogin)
				return
			}

			// The restoring case surfaces as ErrProfileUnavailable; a
			// degraded principal is served as-is while the authoritative
			// refresh runs in the background.
			principal, _, err := g.Sessions.Resolve(r.Context(), token)
			if err != nil {
				g.respondError(w, r, err)
				return
			}

			outcome := Decide(false, true, principal, req, r.URL.Path, g.passwordPath(), g.Decisions.Get)
			if outcome != OutcomeAllow {
				g.respond(w, r, outcome)
				return
			}

			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *Guard) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionExpired):
		g.respond(w, r, OutcomeRedirectLogin)
	case errors.Is(err, session.ErrProfileUnavailable):
		g.respond(w, r, OutcomeLoading)
	case errors.Is(err, session.ErrAccountInactive):
		g.respond(w, r, OutcomeInactiveNotice)
	default:
		if g.Logger != nil {
			g.Logger.Error("guard resolve session", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (g *Guard) respond(w http.ResponseWriter, r *http.Request, outcome Outcome) {
	switch outcome {
	case OutcomeLoading:
		w.Header().Set("Retry-After", "2")
		httpx.Problem(w, http.StatusServiceUnavailable, "Session Restoring", "principal record is still loading")
	case OutcomeRedirectLogin:
		location := g.loginPath() + "?next=" + url.QueryEscape(r.URL.RequestURI())
		httpx.ProblemWithLocation(w, http.StatusUnauthorized, "Unauthenticated", "sign in to continue", location)
	case OutcomeRedirectPasswordChange:
		httpx.ProblemWithLocation(w, http.StatusForbidden, "Password Change Required", "a password change is required before continuing", g.passwordPath())
	case OutcomeInactiveNotice:
		httpx.Problem(w, http.StatusForbidden, "Account Inactive", "this account has been deactivated; contact an administrator")
	case OutcomeRedirectHome:
		httpx.ProblemWithLocation(w, http.StatusSeeOther, "Not Permitted", "", g.homePath())
	case OutcomeDenied:
		httpx.Problem(w, http.StatusForbidden, "Access Denied", "missing required permission")
	}
}

// TokenFromRequest extracts the session token from the Authorization
// header, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal stores the resolved principal in the context.
func ContextWithPrincipal(ctx context.Context, p *rbac.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal placed by the guard.
func PrincipalFromContext(ctx context.Context) *rbac.Principal {
	p, _ := ctx.Value(principalContextKey{}).(*rbac.Principal)
	return p
}

// ContextWithToken stores the session token in the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext extracts the session token placed by the guard.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}
