package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/service"
)

// Registrar is the signup workflow.
type Registrar interface {
	Register(ctx context.Context, req model.RegistrationRequest) (*service.RegistrationResult, error)
}

// Authenticator signs users in and looks up their profile.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*service.SignInResult, error)
	Profile(ctx context.Context, userID string) (*model.Profile, error)
}

// EmailConfirmer is implemented by identity providers that serve their own
// confirmation links. The hosted provider does not need it.
type EmailConfirmer interface {
	ConfirmEmail(ctx context.Context, token string) (*model.Identity, string, error)
}

// AuthHandler serves signup, sign-in, confirmation and the session routes.
type AuthHandler struct {
	registrar     Registrar
	authenticator Authenticator
	confirmer     EmailConfirmer // nil unless the local provider is in use
	secureCookies bool
	logger        *slog.Logger
}

func NewAuthHandler(
	registrar Registrar,
	authenticator Authenticator,
	confirmer EmailConfirmer,
	secureCookies bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		registrar:     registrar,
		authenticator: authenticator,
		confirmer:     confirmer,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

// authRequest is the body of POST /api/auth. Action picks the operation;
// the profile fields are only read for signup.
type authRequest struct {
	Action    string `json:"action"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
}

// signInResponse is returned by a successful sign-in. The token itself
// travels in the cookie, not the body.
type signInResponse struct {
	Success  bool       `json:"success"`
	Role     model.Role `json:"role"`
	Redirect string     `json:"redirect"`
	User     struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// HandleAuth dispatches on the action field.
//
// HTTP: POST /api/auth
//
//	{"action": "signup", "email": ..., "password": ..., "firstName": ...,
//	 "lastName": ..., "phone": ..., "role": "writer"}
//	{"action": "signin", "email": ..., "password": ...}
func (h *AuthHandler) HandleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "signup":
		h.signUp(w, r, req)
	case "signin":
		h.signIn(w, r, req)
	default:
		writeError(w, apperror.ValidationFailed("action", "Invalid action"))
	}
}

func (h *AuthHandler) signUp(w http.ResponseWriter, r *http.Request, req authRequest) {
	res, err := h.registrar.Register(r.Context(), model.RegistrationRequest{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Role:      req.Role,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) signIn(w http.ResponseWriter, r *http.Request, req authRequest) {
	res, err := h.authenticator.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, res.Session.AccessToken, time.Until(res.Session.ExpiresAt))

	var body signInResponse
	body.Success = true
	body.Role = res.Role
	body.Redirect = res.Redirect
	body.User.ID = res.Session.Identity.ID
	body.User.Email = res.Session.Identity.Email
	writeJSON(w, http.StatusOK, body)
}

// HandleConfirm completes email confirmation for the local provider and
// redirects to the URL given at signup.
//
// HTTP: GET /auth/confirm?token=...
func (h *AuthHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	if h.confirmer == nil {
		writeError(w, apperror.NotFound("route", r.URL.Path))
		return
	}

	ident, redirect, err := h.confirmer.ConfirmEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("email confirmed", slog.String("userID", ident.ID))

	if redirect == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Email confirmed. You can now sign in."})
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// HandleLogout clears the session cookie. The token stays valid until it
// expires; without the cookie the browser just stops sending it.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.setSessionCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}

// HandleMe returns the signed-in user's profile.
//
// HTTP: GET /api/me (RequireAuth)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	profile, err := h.authenticator.Profile(r.Context(), userID)
	if err != nil {
		h.logger.Warn("HandleMe: profile lookup failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// setSessionCookie writes the HttpOnly session cookie. A ttl of zero or
// less deletes it.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if ttl <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
