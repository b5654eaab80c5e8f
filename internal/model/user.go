// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// Role is one of the fixed account roles of the marketplace.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleWriter   Role = "writer"
	RoleEmployer Role = "employer"
)

// Roles lists every valid role, in display order.
var Roles = []Role{RoleAdmin, RoleEditor, RoleWriter, RoleEmployer}

// ParseRole normalises s and reports whether it names a valid role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range Roles {
		if r == valid {
			return r, true
		}
	}
	return "", false
}

// Privileged reports whether registering with r needs an ApprovalGrant.
// Writers and employers are self-serve.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleEditor
}

// DashboardPath is where a signed-in user with this role lands.
func (r Role) DashboardPath() string {
	return "/dashboard/" + string(r)
}

// RegistrationRequest is the transient signup input. It is validated and
// discarded; nothing stores it as-is.
type RegistrationRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
}

// IdentityMetadata is the convenience copy of profile fields the identity
// provider keeps next to the credentials.
type IdentityMetadata struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      Role   `json:"role,omitempty"`
}

// NewIdentity is the input to IdentityStore.CreateIdentity.
type NewIdentity struct {
	Email       string
	Password    string
	Metadata    IdentityMetadata
	RedirectURL string // where the confirmation link lands
}

// Identity is an account as seen by the identity provider. ID is the
// authoritative user key for every other store.
type Identity struct {
	ID               string           `json:"id"`
	Email            string           `json:"email"`
	EmailConfirmedAt *time.Time       `json:"emailConfirmedAt,omitempty"`
	Metadata         IdentityMetadata `json:"metadata"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Confirmed reports whether the email address has been verified.
func (i *Identity) Confirmed() bool {
	return i.EmailConfirmedAt != nil && !i.EmailConfirmedAt.IsZero()
}

// Session is the result of a successful credentials check.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
	Identity    Identity
}
