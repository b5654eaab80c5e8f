package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

const (
	msgInvalidCredentials = "Invalid email or password"
	msgConfirmEmail       = "Please confirm your email before signing in. A new confirmation link has been sent."
	msgRoleUnavailable    = "Unable to retrieve user role"
	msgSignInFailed       = "Sign in failed"
)

// SignInResult is what a successful sign-in hands back to the handler.
type SignInResult struct {
	Session  *model.Session
	Role     model.Role
	Redirect string
}

// SignInService authenticates credentials and resolves the dashboard the
// user lands on. It is a straight line:
//
//	credentials → session → email confirmed? → role → redirect
//
// and each arrow can fail with its own message.
type SignInService struct {
	identities repository.IdentityStore
	profiles   repository.ProfileStore
	logger     *slog.Logger
}

func NewSignInService(identities repository.IdentityStore, profiles repository.ProfileStore, logger *slog.Logger) *SignInService {
	return &SignInService{identities: identities, profiles: profiles, logger: logger}
}

func (s *SignInService) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperror.ValidationFailed("email", "Email and password are required")
	}

	session, err := s.identities.SignInWithPassword(ctx, email, password)
	switch {
	case errors.Is(err, repository.ErrInvalidCredentials):
		s.logger.Info("sign-in rejected", slog.String("email", email))
		return nil, apperror.Unauthorized(msgInvalidCredentials)
	case errors.Is(err, repository.ErrEmailNotConfirmed):
		return nil, s.requireConfirmation(ctx, email)
	case err != nil:
		s.logger.Error("sign-in failed", failureAttrs("sign_in", err)...)
		return nil, apperror.Upstream(msgSignInFailed, err)
	}

	if !session.Identity.Confirmed() {
		return nil, s.requireConfirmation(ctx, email)
	}

	role, err := s.profiles.GetRoleForIdentity(ctx, session.Identity.ID)
	if err != nil {
		s.logger.Error("sign-in failed",
			append(failureAttrs("resolve_role", err), slog.String("userID", session.Identity.ID))...)
		return nil, apperror.Upstream(msgRoleUnavailable, err)
	}

	s.logger.Info("user signed in",
		slog.String("userID", session.Identity.ID),
		slog.String("role", string(role)),
	)

	return &SignInResult{
		Session:  session,
		Role:     role,
		Redirect: role.DashboardPath(),
	}, nil
}

// requireConfirmation sends a fresh confirmation link and returns the
// error telling the user to use it. A failed resend is only logged; the
// user can sign in again to trigger another.
func (s *SignInService) requireConfirmation(ctx context.Context, email string) error {
	if err := s.identities.ResendConfirmation(ctx, email); err != nil {
		s.logger.Warn("resending confirmation failed",
			append(failureAttrs("resend_confirmation", err), slog.String("email", email))...)
	}
	return apperror.Forbidden(msgConfirmEmail)
}

// Profile returns the signed-in user's profile.
func (s *SignInService) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.Unauthorized("valid authentication required")
	}
	return s.profiles.GetProfileByID(ctx, userID)
}
