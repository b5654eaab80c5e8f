package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

// GrantService is the operator side of approval grants: who may register
// as an admin or editor.
type GrantService struct {
	grants repository.GrantStore
	logger *slog.Logger
}

func NewGrantService(grants repository.GrantStore, logger *slog.Logger) *GrantService {
	return &GrantService{grants: grants, logger: logger}
}

// Create issues a grant for (email, role). Only privileged roles take
// grants; writers and employers register without one.
func (s *GrantService) Create(ctx context.Context, email, role string) (*model.ApprovalGrant, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	r, ok := model.ParseRole(role)
	if !ok {
		return nil, apperror.ValidationFailed("role", "Invalid role selected")
	}
	if !r.Privileged() {
		return nil, apperror.ValidationFailed("role", "Approval grants are only needed for admin and editor")
	}

	g, err := s.grants.CreateApprovalGrant(ctx, email, r)
	if err != nil {
		s.logger.Error("failed to create approval grant",
			slog.String("email", email),
			slog.String("role", string(r)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("approval grant created",
		slog.String("id", g.ID),
		slog.String("email", g.Email),
		slog.String("role", string(g.Role)),
	)
	return g, nil
}

func (s *GrantService) List(ctx context.Context) ([]model.ApprovalGrant, error) {
	grants, err := s.grants.ListApprovalGrants(ctx)
	if err != nil {
		s.logger.Error("failed to list approval grants", slog.String("error", err.Error()))
		return nil, err
	}
	return grants, nil
}

// Revoke deletes a grant. Returns apperror.ErrNotFound for an unknown id.
func (s *GrantService) Revoke(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "grant ID is required")
	}

	if err := s.grants.RevokeApprovalGrant(ctx, id); err != nil {
		return err
	}

	s.logger.Info("approval grant revoked", slog.String("id", id))
	return nil
}
