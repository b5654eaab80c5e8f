package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/sakif/marketplace-auth/internal/model"
)

// SessionCookie is the HttpOnly cookie carrying the session token.
const SessionCookie = "token"

// contextKey is unexported so no other package can read or shadow our values.
type contextKey string

const (
	userIDKey contextKey = "userID"
	roleKey   contextKey = "role"
)

// RoleResolver looks up the role of an identity. The profile store
// implements it.
type RoleResolver interface {
	GetRoleForIdentity(ctx context.Context, identityID string) (model.Role, error)
}

// RequireAuth rejects requests without a valid session token with 401 and
// stores the identity id in the context otherwise.
//
// The token is read from the session cookie first and from an
// "Authorization: Bearer" header second, so browser sessions and API
// clients holding a provider access token both work.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, tokens)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a route to the given roles. It must run after
// RequireAuth. The role is looked up in the profile store on every request
// rather than trusted from token claims, so a role change takes effect
// immediately.
func RequireRole(roles RoleResolver, logger *slog.Logger, allowed ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
				return
			}

			role, err := roles.GetRoleForIdentity(r.Context(), userID)
			if err != nil {
				logger.Warn("role lookup failed",
					slog.String("userID", userID),
					slog.String("error", err.Error()),
				)
				writeAuthError(w, http.StatusForbidden, "forbidden", "unable to retrieve user role")
				return
			}

			if !slices.Contains(allowed, role) {
				logger.Info("dashboard access denied",
					slog.String("userID", userID),
					slog.String("role", string(role)),
					slog.String("path", r.URL.Path),
				)
				writeAuthError(w, http.StatusForbidden, "forbidden", "you do not have access to this dashboard")
				return
			}

			ctx := context.WithValue(r.Context(), roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the authenticated identity id, or ("", false)
// for anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// RoleFromContext returns the role resolved by RequireRole.
func RoleFromContext(ctx context.Context) (model.Role, bool) {
	role, ok := ctx.Value(roleKey).(model.Role)
	return role, ok && role != ""
}

// WithUserID returns a context carrying userID, as RequireAuth would.
// Handlers' tests use it to skip token plumbing.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func extractUserID(r *http.Request, tokens *TokenService) (string, error) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return tokens.Validate(cookie.Value)
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return tokens.Validate(token)
	}
	return "", http.ErrNoCookie
}

// writeAuthError writes the same JSON error shape as the handler package.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(authError{Error: message, Code: code})
}

// authError has the same shape as handler.ErrorResponse. It is repeated
// here because handler imports auth.
type authError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
