// Package auth wires the HTTP endpoints for the session lifecycle:
// sign-in, sign-out, the current-principal view, authorization queries,
// password changes and recovery.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-hq/gatehouse/internal/guard"
	"github.com/gatehouse-hq/gatehouse/internal/identity"
	"github.com/gatehouse-hq/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-hq/gatehouse/internal/rbac"
	"github.com/gatehouse-hq/gatehouse/internal/session"
)

// RecoveryMailer enqueues password recovery email delivery.
type RecoveryMailer interface {
	EnqueueRecoveryEmail(ctx context.Context, email, redirectURL string) error
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	sessions    *session.Manager
	decisions   *rbac.DecisionCache
	mailer      RecoveryMailer
	validator   *validator.Validate
	recoveryURL string
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, sessions *session.Manager, decisions *rbac.DecisionCache, mailer RecoveryMailer, recoveryURL string) *Handler {
	return &Handler{
		logger:      logger,
		sessions:    sessions,
		decisions:   decisions,
		mailer:      mailer,
		validator:   validator.New(),
		recoveryURL: recoveryURL,
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router, g *guard.Guard) {
	r.Post("/login", h.login)
	r.Post("/recover", h.recoverPassword)
	r.Group(func(r chi.Router) {
		r.Use(g.Authenticated())
		r.Post("/logout", h.logout)
		r.Get("/me", h.me)
		r.Get("/can", h.can)
		r.Post("/refresh", h.refresh)
		r.Put("/password", h.changePassword)
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	Principal principalResponse `json:"principal"`
}

type principalResponse struct {
	ID                 int64            `json:"id"`
	Email              string           `json:"email"`
	FullName           string           `json:"full_name"`
	IsActive           bool             `json:"is_active"`
	NeedsPasswordReset bool             `json:"needs_password_reset"`
	IsAdmin            bool             `json:"is_admin"`
	Roles              []string         `json:"roles"`
	Capabilities       []capabilityItem `json:"capabilities"`
	MenuAccess         []string         `json:"menu_access"`
	SubMenuAccess      []string         `json:"sub_menu_access"`
	ComponentAccess    []string         `json:"component_access"`
}

type capabilityItem struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func toPrincipalResponse(p *rbac.Principal) principalResponse {
	roles := make([]string, 0, len(p.Roles))
	for _, role := range p.Roles {
		roles = append(roles, role.Name)
	}
	caps := rbac.FlattenSorted(p.Roles)
	items := make([]capabilityItem, 0, len(caps))
	for _, c := range caps {
		items = append(items, capabilityItem{Resource: c.Resource, Action: c.Action})
	}
	return principalResponse{
		ID:                 p.ID,
		Email:              p.Email,
		FullName:           p.FullName,
		IsActive:           p.IsActive,
		NeedsPasswordReset: p.NeedsPasswordReset,
		IsAdmin:            rbac.IsAdmin(p),
		Roles:              roles,
		Capabilities:       items,
		MenuAccess:         p.MenuAccess,
		SubMenuAccess:      p.SubMenuAccess,
		ComponentAccess:    p.ComponentAccess,
	}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	token, principal, err := h.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrCredentialRejected):
			httpx.Problem(w, http.StatusUnauthorized, "Invalid Credentials", "email or password is incorrect")
		case errors.Is(err, session.ErrAccountInactive):
			httpx.Problem(w, http.StatusForbidden, "Account Inactive", "this account has been deactivated; contact an administrator")
		default:
			h.logger.Error("sign in", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     guard.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	httpx.JSON(w, http.StatusOK, loginResponse{Token: token, Principal: toPrincipalResponse(principal)})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut(r.Context(), guard.TokenFromContext(r.Context()))
	http.SetCookie(w, &http.Cookie{
		Name:     guard.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	principal := guard.PrincipalFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, toPrincipalResponse(principal))
}

type canResponse struct {
	Allowed bool `json:"allowed"`
}

// can answers capability and coarse-access queries for the current
// principal: ?resource=&action=, ?menu=, ?menu=&sub_menu=, ?component=.
func (h *Handler) can(w http.ResponseWriter, r *http.Request) {
	principal := guard.PrincipalFromContext(r.Context())
	query := r.URL.Query()

	switch {
	case query.Get("resource") != "" && query.Get("action") != "":
		allowed := h.decisions.Get(principal, query.Get("resource"), query.Get("action"))
		httpx.JSON(w, http.StatusOK, canResponse{Allowed: allowed})
	case query.Get("menu") != "" && query.Get("sub_menu") != "":
		httpx.JSON(w, http.StatusOK, canResponse{Allowed: rbac.HasSubMenuAccess(principal, query.Get("menu"), query.Get("sub_menu"))})
	case query.Get("menu") != "":
		httpx.JSON(w, http.StatusOK, canResponse{Allowed: rbac.HasMenuAccess(principal, query.Get("menu"))})
	case query.Get("component") != "":
		httpx.JSON(w, http.StatusOK, canResponse{Allowed: rbac.HasComponentAccess(principal, query.Get("component"))})
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "specify resource+action, menu, menu+sub_menu or component")
	}
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	principal, err := h.sessions.RefreshPrincipal(r.Context(), guard.TokenFromContext(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountInactive):
			httpx.Problem(w, http.StatusForbidden, "Account Inactive", "this account has been deactivated")
		case errors.Is(err, session.ErrNoSession):
			httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "")
		default:
			h.logger.Error("refresh principal", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusOK, toPrincipalResponse(principal))
}

type changePasswordRequest struct {
	NewPassword      string `json:"new_password" validate:"required,min=8"`
	ClearForcedReset bool   `json:"clear_forced_reset"`
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	err := h.sessions.ChangePassword(r.Context(), guard.TokenFromContext(r.Context()), req.NewPassword, req.ClearForcedReset)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "")
			return
		}
		// Password change failures carry user-facing detail.
		httpx.Problem(w, http.StatusUnprocessableEntity, "Password Change Failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recoverRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) recoverPassword(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.mailer.EnqueueRecoveryEmail(r.Context(), req.Email, h.recoveryURL); err != nil {
		h.logger.Error("enqueue recovery email", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "recovery email could not be queued")
		return
	}
	// Always 202 regardless of whether the address exists.
	w.WriteHeader(http.StatusAccepted)
}
