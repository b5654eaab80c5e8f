// Package service contains the business logic of the signup gateway.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → talks to the identity and profile stores
//
// Services take repository interfaces, never concrete stores, so the
// hosted identity API and the local SQLite one are interchangeable, and
// tests can pass in-memory fakes that count calls.
//
// Everything here returns *apperror.AppError for failures a caller should
// see. Anything else is a bug or an outage and handlers show a generic
// message for it.
package service

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sakif/marketplace-auth/internal/apperror"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// phonePattern admits an optional leading + and the usual separators.
	// The digit count is checked separately.
	phonePattern = regexp.MustCompile(`^\+?[0-9\s\-().]+$`)
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return apperror.ValidationFailed("email", "Email is required")
	}
	if !emailPattern.MatchString(email) {
		return apperror.ValidationFailed("email", "Invalid email format")
	}
	return nil
}

func validatePhone(phone string) error {
	if phone == "" {
		return apperror.ValidationFailed("phone", "Phone number is required")
	}
	if !phonePattern.MatchString(phone) {
		return apperror.ValidationFailed("phone", "Invalid phone number format")
	}
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return apperror.ValidationFailed("phone", "Invalid phone number format")
	}
	return nil
}

// failureAttrs turns err into log attributes, pulling code, detail and hint
// out of provider and PostgreSQL errors when the chain carries one.
func failureAttrs(step string, err error) []any {
	attrs := []any{
		slog.String("step", step),
		slog.String("error", err.Error()),
	}

	var perr *apperror.ProviderError
	if errors.As(err, &perr) {
		attrs = append(attrs, slog.Int("status", perr.Status))
		if perr.Code != "" {
			attrs = append(attrs, slog.String("code", perr.Code))
		}
		if perr.Detail != "" {
			attrs = append(attrs, slog.String("detail", perr.Detail))
		}
		if perr.Hint != "" {
			attrs = append(attrs, slog.String("hint", perr.Hint))
		}
		return attrs
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		attrs = append(attrs, slog.String("code", pgErr.Code))
		if pgErr.Detail != "" {
			attrs = append(attrs, slog.String("detail", pgErr.Detail))
		}
		if pgErr.Hint != "" {
			attrs = append(attrs, slog.String("hint", pgErr.Hint))
		}
	}
	return attrs
}
