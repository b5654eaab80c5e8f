// Package handler holds the HTTP layer: decode the request, call a
// service, encode the result.
//
// Handlers never decide business outcomes. They translate apperror kinds
// into status codes and nothing else.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/marketplace-auth/internal/apperror"
)

// maxBodyBytes caps request bodies. Auth payloads are tiny.
const maxBodyBytes = 1 << 16

// ErrorResponse is the body of every error.
//
//	{"error": "Invalid email format", "code": "validation_error"}
//
// Error is always safe to show a user. Code is for programs.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON sends v with the given status. Headers must be set before the
// body is written, hence the order.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			// Headers are gone already; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps an error to a status code and writes it.
//
// STATUS MAPPING:
//
//	ErrValidation, ErrConflict → 400
//	ErrUnauthorized            → 401
//	ErrForbidden               → 403
//	ErrNotFound                → 404
//	anything else              → 500
//
// Conflicts are 400 rather than 409 because the signup client treats
// "email already registered" as a form error like any other.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// Never echo an unknown error; it may hold SQL or file paths.
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "An internal error occurred",
			Code:  "internal_error",
		})
		return
	}

	status, code := statusFor(appErr.Err)
	writeJSON(w, status, ErrorResponse{Error: appErr.Message, Code: code})
}

// statusFor switches on the kind of the outermost AppError only. Its
// cause can be another kind (a role lookup that failed with not found is
// still an upstream failure), so errors.Is over the whole chain would
// pick the wrong status.
func statusFor(kind error) (int, string) {
	switch kind {
	case apperror.ErrValidation:
		return http.StatusBadRequest, "validation_error"
	case apperror.ErrConflict:
		return http.StatusBadRequest, "conflict"
	case apperror.ErrUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case apperror.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case apperror.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case apperror.ErrConsistency:
		return http.StatusInternalServerError, "consistency_timeout"
	case apperror.ErrRolledBack:
		return http.StatusInternalServerError, "rolled_back"
	case apperror.ErrUpstream:
		return http.StatusInternalServerError, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.ValidationFailed("body", "Invalid JSON body")
	}
	return nil
}
