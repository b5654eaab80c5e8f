package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sakif/marketplace-auth/internal/apperror"
)

// PasswordSymbols is the punctuation set that satisfies the symbol rule.
const PasswordSymbols = `!@#$%^&*(),.?":{}|<>`

// MinPasswordLength is the shortest password the default policy accepts.
const MinPasswordLength = 8

// PasswordRule is one check of a PasswordPolicy. Message is returned
// verbatim to the client when the rule fails.
type PasswordRule struct {
	Name    string
	Message string
	Check   func(password string) bool
}

// PasswordPolicy is an ordered list of rules. Order matters: Validate
// reports only the first failing rule.
type PasswordPolicy []PasswordRule

// DefaultPasswordPolicy checks length, uppercase, lowercase, digit, symbol,
// in that order.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		{
			Name:    "length",
			Message: "Password must be at least 8 characters long",
			Check: func(p string) bool {
				return utf8.RuneCountInString(p) >= MinPasswordLength
			},
		},
		{
			Name:    "uppercase",
			Message: "Password must contain at least one uppercase letter",
			Check:   containsFunc(unicode.IsUpper),
		},
		{
			Name:    "lowercase",
			Message: "Password must contain at least one lowercase letter",
			Check:   containsFunc(unicode.IsLower),
		},
		{
			Name:    "digit",
			Message: "Password must contain at least one number",
			Check:   containsFunc(unicode.IsDigit),
		},
		{
			Name:    "symbol",
			Message: "Password must contain at least one special character (" + PasswordSymbols + ")",
			Check: func(p string) bool {
				return strings.ContainsAny(p, PasswordSymbols)
			},
		},
	}
}

// Validate returns a validation AppError for the first rule password fails,
// or nil if it passes them all.
func (p PasswordPolicy) Validate(password string) error {
	for _, rule := range p {
		if !rule.Check(password) {
			return apperror.ValidationFailed("password", rule.Message)
		}
	}
	return nil
}

func containsFunc(f func(rune) bool) func(string) bool {
	return func(s string) bool {
		return strings.IndexFunc(s, f) >= 0
	}
}
