package model

import "time"

// Profile is the application-side user record, keyed by the identity id.
// Its existence is the signal that registration completed.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Phone       string    `json:"phone"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"displayName"` // derived by the store
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewProfile is the input to ProfileStore.CreateUserProfile.
type NewProfile struct {
	IdentityID string
	Email      string
	FirstName  string
	LastName   string
	Phone      string
	Role       Role
}

// ProfileResult is what the atomic create-profile operation reports.
// Reason is machine-oriented and must not be shown to end users.
type ProfileResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ApprovalGrant allows one email to register once under a privileged role.
type ApprovalGrant struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	Consumed   bool       `json:"consumed"`
	CreatedAt  time.Time  `json:"createdAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
}
