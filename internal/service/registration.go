package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
	"github.com/sakif/marketplace-auth/internal/retry"
	"github.com/sakif/marketplace-auth/internal/saga"
)

// Step tags used in failure logs.
const (
	stepUniqueness  = "uniqueness"
	stepEligibility = "eligibility"
	stepIdentity    = "create_identity"
	stepVerify      = "verify_identity"
	stepProfile     = "create_profile"
	stepApproval    = "consume_approval"
)

// Messages shown to callers. Internal detail never goes in here.
const (
	msgEmailExists       = "User with this email already exists"
	msgRoleNotAuthorized = "You are not authorized to register with this role"
	msgIdentityFailed    = "Failed to create user account"
	msgUnverifiable      = "Account could not be verified. Please try again later."
	msgProfileFailed     = "Profile creation failed"
	msgInternal          = "An unexpected error occurred"
	msgRegistered        = "Registration successful. Please check your email to confirm your account."
)

// Defaults for RegistrationConfig.
const (
	DefaultInitialDelay   = 2 * time.Second
	DefaultVerifyAttempts = 3
	DefaultVerifyInterval = time.Second
)

// RegistrationConfig tunes the identity verification phase.
//
// The identity provider's admin API is only eventually consistent with its
// signup endpoint. After creating an identity we wait InitialDelay, then
// try to read it back up to VerifyAttempts times, VerifyInterval apart.
// Altogether that is about four to five seconds before the email-based
// fallback lookup.
type RegistrationConfig struct {
	// RedirectURL is where the confirmation email's link lands.
	RedirectURL    string
	InitialDelay   time.Duration
	VerifyAttempts int
	VerifyInterval time.Duration
}

// RegistrationResult is the success payload of Register.
type RegistrationResult struct {
	Success              bool   `json:"success"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	Message              string `json:"message"`
}

// RegistrationService creates an account across the identity store and the
// profile store, which share no transaction.
//
// Either both records end up existing, or the identity is removed again.
// The removal is best effort: if a cleanup call fails it is logged and the
// caller still sees the original failure.
type RegistrationService struct {
	identities repository.IdentityStore
	profiles   repository.ProfileStore
	policy     auth.PasswordPolicy
	cfg        RegistrationConfig
	logger     *slog.Logger

	// sleep waits out the propagation delay. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRegistrationService(
	identities repository.IdentityStore,
	profiles repository.ProfileStore,
	policy auth.PasswordPolicy,
	cfg RegistrationConfig,
	logger *slog.Logger,
) *RegistrationService {
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = DefaultVerifyAttempts
	}
	if policy == nil {
		policy = auth.DefaultPasswordPolicy()
	}
	return &RegistrationService{
		identities: identities,
		profiles:   profiles,
		policy:     policy,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registration is a validated request.
type registration struct {
	email     string
	password  string
	firstName string
	lastName  string
	phone     string
	role      model.Role
}

// Register runs the signup workflow:
//
//  1. validate the request (no store is touched if this fails)
//  2. reject emails known to either store
//  3. require an unconsumed approval grant for admin and editor
//  4. create the identity
//  5. wait for it to propagate
//  6. read it back by id, a bounded number of times
//  7. failing that, look it up by email and adopt that id
//  8. create the profile and role assignment in one store call
//  9. on failure, delete the profile, role assignment and identity
//  10. consume the approval grant
//  11. report that email confirmation is required
func (s *RegistrationService) Register(ctx context.Context, req model.RegistrationRequest) (*RegistrationResult, error) {
	reg, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if err := s.checkUnique(ctx, reg.email); err != nil {
		return nil, err
	}

	if err := s.checkEligibility(ctx, reg); err != nil {
		return nil, err
	}

	// identityID stays empty until the identity has been observed, so the
	// compensation never deletes an account this request cannot see.
	var identityID string

	sg := saga.New("registration", s.logger)
	err = sg.Run(ctx,
		saga.Step{
			Name: stepIdentity,
			Action: func(ctx context.Context) error {
				id, err := s.createIdentity(ctx, reg)
				identityID = id
				return err
			},
			Compensations: []saga.Compensation{{
				Name: "delete identity",
				Fn: func(ctx context.Context) error {
					if identityID == "" {
						return nil
					}
					err := s.identities.DeleteIdentity(ctx, identityID)
					if errors.Is(err, apperror.ErrNotFound) {
						return nil
					}
					return err
				},
			}},
		},
		saga.Step{
			Name: stepProfile,
			Action: func(ctx context.Context) error {
				return s.createProfile(ctx, identityID, reg)
			},
			Compensations: []saga.Compensation{
				{
					Name: "delete profile",
					Fn: func(ctx context.Context) error {
						return s.profiles.DeleteUserProfile(ctx, identityID)
					},
				},
				{
					Name: "delete role assignment",
					Fn: func(ctx context.Context) error {
						return s.profiles.DeleteRoleAssignment(ctx, identityID)
					},
				},
			},
		},
	)
	if err != nil {
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) {
			return nil, stepErr.Err
		}
		return nil, err
	}

	if reg.role.Privileged() {
		s.consumeGrant(ctx, reg)
	}

	s.logger.Info("user registered",
		slog.String("userID", identityID),
		slog.String("email", reg.email),
		slog.String("role", string(reg.role)),
	)

	return &RegistrationResult{
		Success:              true,
		RequiresConfirmation: true,
		Message:              msgRegistered,
	}, nil
}

// validate checks the request shape. Checks run in a fixed order and the
// first failure is returned.
func (s *RegistrationService) validate(req model.RegistrationRequest) (registration, error) {
	reg := registration{
		email:     normalizeEmail(req.Email),
		password:  req.Password,
		firstName: strings.TrimSpace(req.FirstName),
		lastName:  strings.TrimSpace(req.LastName),
		phone:     strings.TrimSpace(req.Phone),
	}

	if err := validateEmail(reg.email); err != nil {
		return reg, err
	}
	if err := validatePhone(reg.phone); err != nil {
		return reg, err
	}
	if err := s.policy.Validate(reg.password); err != nil {
		return reg, err
	}

	role, ok := model.ParseRole(req.Role)
	if !ok {
		return reg, apperror.ValidationFailed("role", "Invalid role selected")
	}
	reg.role = role
	return reg, nil
}

// checkUnique looks for the email in both stores. It is a read-then-act
// check; the profile store's unique email constraint catches the races it
// lets through.
func (s *RegistrationService) checkUnique(ctx context.Context, email string) error {
	_, err := s.profiles.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		return apperror.Conflict(msgEmailExists)
	case !errors.Is(err, apperror.ErrNotFound):
		s.logger.Error("registration step failed", failureAttrs(stepUniqueness, err)...)
		return apperror.Upstream(msgInternal, err)
	}

	identities, err := s.identities.ListIdentities(ctx)
	if err != nil {
		s.logger.Error("registration step failed", failureAttrs(stepUniqueness, err)...)
		return apperror.Upstream(msgInternal, err)
	}
	if findByEmail(identities, email) != nil {
		return apperror.Conflict(msgEmailExists)
	}
	return nil
}

func (s *RegistrationService) checkEligibility(ctx context.Context, reg registration) error {
	if !reg.role.Privileged() {
		return nil
	}

	_, err := s.profiles.FindApprovalGrant(ctx, reg.email, reg.role)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperror.ErrNotFound):
		s.logger.Info("registration refused: no approval grant",
			slog.String("email", reg.email),
			slog.String("role", string(reg.role)),
		)
		return apperror.Forbidden(msgRoleNotAuthorized)
	default:
		s.logger.Error("registration step failed", failureAttrs(stepEligibility, err)...)
		return apperror.Upstream(msgInternal, err)
	}
}

// createIdentity creates the identity and waits until it can be read back.
// It returns the id to use from here on, which is the one found by email
// when reading back by id never succeeded.
func (s *RegistrationService) createIdentity(ctx context.Context, reg registration) (string, error) {
	created, err := s.identities.CreateIdentity(ctx, model.NewIdentity{
		Email:    reg.email,
		Password: reg.password,
		Metadata: model.IdentityMetadata{
			FirstName: reg.firstName,
			LastName:  reg.lastName,
			Phone:     reg.phone,
			Role:      reg.role,
		},
		RedirectURL: s.cfg.RedirectURL,
	})
	if err != nil {
		s.logger.Error("registration step failed", failureAttrs(stepIdentity, err)...)
		var perr *apperror.ProviderError
		if errors.As(err, &perr) && perr.Code == "user_already_exists" {
			return "", apperror.Conflict(msgEmailExists)
		}
		return "", apperror.Upstream(msgIdentityFailed, err)
	}
	if created == nil || created.ID == "" {
		err := errors.New("identity store returned no identity")
		s.logger.Error("registration step failed", failureAttrs(stepIdentity, err)...)
		return "", apperror.Upstream(msgIdentityFailed, err)
	}

	if err := s.sleep(ctx, s.cfg.InitialDelay); err != nil {
		return "", apperror.Upstream(msgInternal, err)
	}

	err = retry.Do(ctx,
		retry.Policy{Attempts: s.cfg.VerifyAttempts, Delay: s.cfg.VerifyInterval},
		func(ctx context.Context) error {
			ident, err := s.identities.GetIdentityByID(ctx, created.ID)
			if err != nil {
				return err
			}
			if ident == nil {
				return apperror.NotFound("identity", created.ID)
			}
			return nil
		},
		func(attempt int, err error, next time.Duration) {
			s.logger.Debug("identity not visible yet",
				slog.String("userID", created.ID),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.String("error", err.Error()),
			)
		},
	)
	if err == nil {
		return created.ID, nil
	}
	s.logger.Warn("identity not visible by id, falling back to email lookup",
		slog.String("userID", created.ID),
		slog.String("error", err.Error()),
	)

	identities, err := s.identities.ListIdentities(ctx)
	if err != nil {
		s.logger.Error("registration step failed", failureAttrs(stepVerify, err)...)
		return "", apperror.Consistency(msgUnverifiable, err)
	}
	found := findByEmail(identities, reg.email)
	if found == nil {
		err := errors.New("identity not found by id or email")
		s.logger.Error("registration step failed",
			append(failureAttrs(stepVerify, err), slog.String("userID", created.ID))...)
		return "", apperror.Consistency(msgUnverifiable, err)
	}

	if found.ID != created.ID {
		s.logger.Warn("adopting identity id found by email",
			slog.String("createdID", created.ID),
			slog.String("foundID", found.ID),
		)
	}
	return found.ID, nil
}

func (s *RegistrationService) createProfile(ctx context.Context, identityID string, reg registration) error {
	res, err := s.profiles.CreateUserProfile(ctx, model.NewProfile{
		IdentityID: identityID,
		Email:      reg.email,
		FirstName:  reg.firstName,
		LastName:   reg.lastName,
		Phone:      reg.phone,
		Role:       reg.role,
	})
	if err != nil {
		s.logger.Error("registration step failed", failureAttrs(stepProfile, err)...)
		return apperror.RolledBack(msgProfileFailed, err)
	}
	if !res.Success {
		cause := errors.New(res.Reason)
		s.logger.Error("registration step failed",
			append(failureAttrs(stepProfile, cause), slog.String("userID", identityID))...)
		return apperror.RolledBack(profileFailureMessage(res.Reason), cause)
	}
	return nil
}

// profileFailureMessage maps the store's machine reason to something safe
// to show. Known reasons get a hint; the raw text is never included.
func profileFailureMessage(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "duplicate key"):
		return msgProfileFailed + ": duplicate record"
	case strings.Contains(r, "constraint"):
		return msgProfileFailed + ": invalid profile data"
	default:
		return msgProfileFailed
	}
}

// consumeGrant marks the approval used. The account already exists at this
// point, so a failure is logged and the registration still succeeds; the
// grant stays open for an operator to revoke.
func (s *RegistrationService) consumeGrant(ctx context.Context, reg registration) {
	if err := s.profiles.ConsumeApprovalGrant(ctx, reg.email, reg.role); err != nil {
		s.logger.Error("registration step failed",
			append(failureAttrs(stepApproval, err),
				slog.String("email", reg.email),
				slog.String("role", string(reg.role)),
			)...)
	}
}

func findByEmail(identities []model.Identity, email string) *model.Identity {
	for i := range identities {
		if strings.EqualFold(identities[i].Email, email) {
			return &identities[i]
		}
	}
	return nil
}
