// Package apperror defines the error kinds shared by every layer.
//
// Services return *AppError values wrapping one of the sentinel kinds below.
// Handlers never inspect messages; they map kinds to HTTP status codes with
// errors.Is and show AppError.Message to the caller. Anything that is not an
// AppError is treated as internal and its text is never exposed.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstream marks a failed call to an external store.
	ErrUpstream = errors.New("upstream failure")
	// ErrConsistency marks a write that could not be observed afterwards.
	// The record may exist; callers must not assume either outcome.
	ErrConsistency = errors.New("consistency timeout")
	// ErrRolledBack marks a failure after which compensations were run.
	ErrRolledBack = errors.New("rolled back")
)

type AppError struct {
	Err     error  // kind, one of the sentinels above
	Message string // Human-readable error message, safe to return to clients
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying error, logged but never shown
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause so errors.Is/As reach either.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a request that clashes with existing state.
func Conflict(message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Upstream wraps a failed external call. message is what the client sees.
func Upstream(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrUpstream,
		Message: message,
		Cause:   cause,
	}
}

func Consistency(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrConsistency,
		Message: message,
		Cause:   cause,
	}
}

func RolledBack(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrRolledBack,
		Message: message,
		Cause:   cause,
	}
}

// ProviderError is a decoded error body from an external service.
// Fields are empty when the provider did not supply them.
type ProviderError struct {
	Status  int
	Code    string
	Message string
	Detail  string
	Hint    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// Is lets a 404 from a provider satisfy errors.Is(err, ErrNotFound).
func (e *ProviderError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}
