// Package repository declares the store contracts the services depend on.
//
// Two independent systems of record sit behind these interfaces: the
// IdentityStore (credentials, confirmation, sessions) and the ProfileStore
// (application profiles, role assignments, approval grants). They share no
// transaction; the registration workflow sequences and compensates writes
// across them by hand.
//
// Lookups that find nothing return an error satisfying
// errors.Is(err, apperror.ErrNotFound).
package repository

import (
	"context"
	"errors"

	"github.com/sakif/marketplace-auth/internal/model"
)

var (
	// ErrInvalidCredentials is returned by SignInWithPassword when the email
	// is unknown or the password does not match. The two are not told apart.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrEmailNotConfirmed is returned by providers that refuse to issue a
	// session before the address is confirmed. Providers that do issue one
	// report the state through Identity.Confirmed instead.
	ErrEmailNotConfirmed = errors.New("email not confirmed")
)

// IdentityStore is the identity provider. Reads by id may lag behind
// CreateIdentity; callers that need read-after-write must poll.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, params model.NewIdentity) (*model.Identity, error)
	GetIdentityByID(ctx context.Context, id string) (*model.Identity, error)
	// ListIdentities returns every identity. Administrative and potentially slow.
	ListIdentities(ctx context.Context) ([]model.Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	ResendConfirmation(ctx context.Context, email string) error
}

// ProfileStore holds application-level user data.
type ProfileStore interface {
	FindUserByEmail(ctx context.Context, email string) (*model.Profile, error)
	GetProfileByID(ctx context.Context, identityID string) (*model.Profile, error)

	// FindApprovalGrant returns only unconsumed grants for (email, role).
	FindApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error)
	ConsumeApprovalGrant(ctx context.Context, email string, role model.Role) error

	// CreateUserProfile writes the profile and its role assignment as one
	// atomic unit. Constraint failures come back as Success=false with a
	// Reason rather than as an error; err is reserved for transport failures.
	CreateUserProfile(ctx context.Context, p model.NewProfile) (model.ProfileResult, error)
	DeleteUserProfile(ctx context.Context, identityID string) error
	DeleteRoleAssignment(ctx context.Context, identityID string) error
	GetRoleForIdentity(ctx context.Context, identityID string) (model.Role, error)
}

// GrantStore is the operator side of approval grants.
type GrantStore interface {
	CreateApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error)
	ListApprovalGrants(ctx context.Context) ([]model.ApprovalGrant, error)
	RevokeApprovalGrant(ctx context.Context, id string) error
}

// ProfileGrantStore is what concrete profile backends implement.
type ProfileGrantStore interface {
	ProfileStore
	GrantStore
	Close() error
}
