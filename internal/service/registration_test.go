package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/model"
)

func newTestRegistration(t *testing.T) (*RegistrationService, *fakeIdentities, *fakeProfiles) {
	t.Helper()
	ids := newFakeIdentities()
	profiles := newFakeProfiles()
	svc := NewRegistrationService(ids, profiles, auth.DefaultPasswordPolicy(), RegistrationConfig{
		RedirectURL:    "http://localhost:3000/login",
		InitialDelay:   DefaultInitialDelay,
		VerifyAttempts: DefaultVerifyAttempts,
		VerifyInterval: time.Millisecond,
	}, discardLogger())

	// Record the propagation wait instead of sleeping through it.
	svc.sleep = func(_ context.Context, d time.Duration) error {
		if d != DefaultInitialDelay {
			t.Errorf("initial delay = %v, want %v", d, DefaultInitialDelay)
		}
		return nil
	}
	return svc, ids, profiles
}

func validRequest(role string) model.RegistrationRequest {
	return model.RegistrationRequest{
		Email:     "new@x.com",
		Password:  "Abcd123!",
		FirstName: "New",
		LastName:  "User",
		Phone:     "0712345678",
		Role:      role,
	}
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want kind %v", err, kind)
	}
}

// =========================================================================
// VALIDATION
// =========================================================================

// Malformed input is rejected before either store is called.
func TestRegister_ValidationPrecedesSideEffects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*model.RegistrationRequest)
		field   string
		message string
	}{
		{"missing email", func(r *model.RegistrationRequest) { r.Email = "" }, "email", "Email is required"},
		{"bad email", func(r *model.RegistrationRequest) { r.Email = "not-an-email" }, "email", "Invalid email format"},
		{"email with space", func(r *model.RegistrationRequest) { r.Email = "a b@x.com" }, "email", "Invalid email format"},
		{"short phone", func(r *model.RegistrationRequest) { r.Phone = "12345" }, "phone", "Invalid phone number format"},
		{"letters in phone", func(r *model.RegistrationRequest) { r.Phone = "07123abc678" }, "phone", "Invalid phone number format"},
		{"missing phone", func(r *model.RegistrationRequest) { r.Phone = "" }, "phone", "Phone number is required"},
		{"short password", func(r *model.RegistrationRequest) { r.Password = "a" }, "password", "Password must be at least 8 characters long"},
		{"no symbol", func(r *model.RegistrationRequest) { r.Password = "Abcd1234" }, "password", ""},
		{"unknown role", func(r *model.RegistrationRequest) { r.Role = "superuser" }, "role", "Invalid role selected"},
		{"empty role", func(r *model.RegistrationRequest) { r.Role = "" }, "role", "Invalid role selected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ids, profiles := newTestRegistration(t)
			req := validRequest("writer")
			tt.mutate(&req)

			_, err := svc.Register(context.Background(), req)
			wantKind(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			if !errors.As(err, &appErr) || appErr.Field != tt.field {
				t.Errorf("field = %q, want %q", appErr.Field, tt.field)
			}
			if tt.message != "" && appErr.Message != tt.message {
				t.Errorf("message = %q, want %q", appErr.Message, tt.message)
			}

			if len(ids.log) != 0 || len(profiles.log) != 0 {
				t.Errorf("stores were called: identities=%v profiles=%v", ids.log, profiles.log)
			}
		})
	}
}

func TestRegister_AcceptsPhoneFormats(t *testing.T) {
	for _, phone := range []string{"0712345678", "+254 712 345 678", "(071) 234-5678", "+1-555-123-4567"} {
		if err := validatePhone(phone); err != nil {
			t.Errorf("validatePhone(%q) = %v, want nil", phone, err)
		}
	}
}

// =========================================================================
// HAPPY PATHS
// =========================================================================

func TestRegister_SelfServeRole(t *testing.T) {
	for _, role := range []string{"writer", "employer"} {
		t.Run(role, func(t *testing.T) {
			svc, ids, profiles := newTestRegistration(t)

			got, err := svc.Register(context.Background(), validRequest(role))
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			want := &RegistrationResult{Success: true, RequiresConfirmation: true, Message: msgRegistered}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}

			if n := ids.count("CreateIdentity"); n != 1 {
				t.Errorf("CreateIdentity calls = %d, want 1", n)
			}
			if n := profiles.count("CreateUserProfile"); n != 1 {
				t.Errorf("CreateUserProfile calls = %d, want 1", n)
			}
			if n := profiles.count("FindApprovalGrant"); n != 0 {
				t.Errorf("FindApprovalGrant calls = %d, want 0 for self-serve role", n)
			}
			if n := profiles.count("ConsumeApprovalGrant"); n != 0 {
				t.Errorf("ConsumeApprovalGrant calls = %d, want 0", n)
			}
			if n := ids.count("DeleteIdentity"); n != 0 {
				t.Errorf("DeleteIdentity calls = %d, want 0", n)
			}
		})
	}
}

// The identity is created with the profile fields as metadata, the
// confirmation redirect, and a normalised email.
func TestRegister_IdentityPayload(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	req := validRequest("writer")
	req.Email = "  New@X.com "

	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ident := ids.byID["ident-1"]
	if ident == nil {
		t.Fatal("identity ident-1 not stored")
	}
	want := model.IdentityMetadata{FirstName: "New", LastName: "User", Phone: "0712345678", Role: model.RoleWriter}
	if diff := cmp.Diff(want, ident.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if ident.Email != "new@x.com" {
		t.Errorf("email = %q, want normalised", ident.Email)
	}
	if p := profiles.profiles["ident-1"]; p.Email != "new@x.com" || p.Role != model.RoleWriter {
		t.Errorf("profile = %+v", p)
	}
}

// Approval is consumed only once the whole registration succeeded.
func TestRegister_ApprovalConsumptionIsSuccessGated(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	ctx := context.Background()
	profiles.CreateApprovalGrant(ctx, "new@x.com", model.RoleEditor)

	// First attempt fails at profile creation.
	profiles.createResult = &model.ProfileResult{Success: false, Reason: "connection lost"}
	if _, err := svc.Register(ctx, validRequest("editor")); err == nil {
		t.Fatal("Register() succeeded, want failure")
	}
	if g := profiles.grant("new@x.com", model.RoleEditor); g.Consumed {
		t.Fatal("grant consumed by a failed registration")
	}
	if n := ids.count("DeleteIdentity"); n != 1 {
		t.Fatalf("DeleteIdentity calls = %d, want 1", n)
	}

	// Second attempt succeeds.
	profiles.createResult = nil
	if _, err := svc.Register(ctx, validRequest("editor")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	g := profiles.grant("new@x.com", model.RoleEditor)
	if !g.Consumed {
		t.Error("grant not consumed after successful registration")
	}
	if profiles.calls["ConsumeApprovalGrant"] != 1 {
		t.Errorf("ConsumeApprovalGrant calls = %d, want 1", profiles.calls["ConsumeApprovalGrant"])
	}
}

func TestRegister_ConsumeFailureStillSucceeds(t *testing.T) {
	svc, _, profiles := newTestRegistration(t)
	ctx := context.Background()
	profiles.CreateApprovalGrant(ctx, "new@x.com", model.RoleAdmin)
	profiles.consumeErr = errors.New("timeout")

	got, err := svc.Register(ctx, validRequest("admin"))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !got.Success {
		t.Error("result not successful")
	}
}

// =========================================================================
// CONFLICTS AND ELIGIBILITY
// =========================================================================

func TestRegister_EmailExists(t *testing.T) {
	t.Run("in profile store", func(t *testing.T) {
		svc, ids, profiles := newTestRegistration(t)
		profiles.profiles["old"] = model.Profile{ID: "old", Email: "NEW@x.com"}

		_, err := svc.Register(context.Background(), validRequest("writer"))
		wantKind(t, err, apperror.ErrConflict)
		if n := ids.count("CreateIdentity"); n != 0 {
			t.Errorf("CreateIdentity calls = %d, want 0", n)
		}
	})

	t.Run("in identity store", func(t *testing.T) {
		svc, ids, _ := newTestRegistration(t)
		ids.add(model.Identity{ID: "old", Email: "new@x.com"}, "x")

		_, err := svc.Register(context.Background(), validRequest("writer"))
		wantKind(t, err, apperror.ErrConflict)
		if n := ids.count("CreateIdentity"); n != 0 {
			t.Errorf("CreateIdentity calls = %d, want 0", n)
		}
	})

	t.Run("provider reports duplicate", func(t *testing.T) {
		svc, ids, _ := newTestRegistration(t)
		ids.createErr = &apperror.ProviderError{Status: 422, Code: "user_already_exists", Message: "User already registered"}

		_, err := svc.Register(context.Background(), validRequest("writer"))
		wantKind(t, err, apperror.ErrConflict)
	})
}

func TestRegister_UniquenessLookupFailure(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	profiles.findErr = errors.New("db down")

	_, err := svc.Register(context.Background(), validRequest("writer"))
	wantKind(t, err, apperror.ErrUpstream)
	if n := ids.count("CreateIdentity"); n != 0 {
		t.Errorf("CreateIdentity calls = %d, want 0", n)
	}
}

// A privileged role without a grant is refused before any identity exists.
func TestRegister_PrivilegedRoleWithoutGrant(t *testing.T) {
	for _, role := range []string{"admin", "editor"} {
		t.Run(role, func(t *testing.T) {
			svc, ids, profiles := newTestRegistration(t)

			_, err := svc.Register(context.Background(), validRequest(role))
			wantKind(t, err, apperror.ErrForbidden)

			var appErr *apperror.AppError
			errors.As(err, &appErr)
			if !strings.HasPrefix(appErr.Message, "You are not authorized") {
				t.Errorf("message = %q", appErr.Message)
			}
			if n := ids.count("CreateIdentity"); n != 0 {
				t.Errorf("CreateIdentity calls = %d, want 0", n)
			}
			if n := profiles.count("FindApprovalGrant"); n != 1 {
				t.Errorf("FindApprovalGrant calls = %d, want 1", n)
			}
		})
	}
}

// A grant for another role does not qualify.
func TestRegister_GrantForOtherRole(t *testing.T) {
	svc, _, profiles := newTestRegistration(t)
	profiles.CreateApprovalGrant(context.Background(), "new@x.com", model.RoleEditor)

	_, err := svc.Register(context.Background(), validRequest("admin"))
	wantKind(t, err, apperror.ErrForbidden)
}

// =========================================================================
// IDENTITY CREATION AND VERIFICATION
// =========================================================================

func TestRegister_IdentityCreationFails(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	ids.createErr = &apperror.ProviderError{Status: 500, Message: "smtp unavailable"}

	_, err := svc.Register(context.Background(), validRequest("writer"))
	wantKind(t, err, apperror.ErrUpstream)

	var appErr *apperror.AppError
	errors.As(err, &appErr)
	if appErr.Message != msgIdentityFailed {
		t.Errorf("message = %q, want %q", appErr.Message, msgIdentityFailed)
	}
	if n := profiles.count("CreateUserProfile"); n != 0 {
		t.Errorf("CreateUserProfile calls = %d, want 0", n)
	}
	if n := ids.count("DeleteIdentity"); n != 0 {
		t.Errorf("DeleteIdentity calls = %d, want 0: nothing to roll back", n)
	}
}

// Transient read misses are retried within the budget.
func TestRegister_VerificationRecoversWithinBudget(t *testing.T) {
	svc, ids, _ := newTestRegistration(t)
	ids.invisibleFor = 2

	if _, err := svc.Register(context.Background(), validRequest("writer")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if n := ids.count("GetIdentityByID"); n != 3 {
		t.Errorf("GetIdentityByID calls = %d, want 3", n)
	}
	// One listing for the uniqueness check, none for fallback.
	if n := ids.count("ListIdentities"); n != 1 {
		t.Errorf("ListIdentities calls = %d, want 1", n)
	}
}

// Verification makes exactly three reads and one fallback listing before
// giving up, and an identity it never saw is not deleted.
func TestRegister_RetryBound(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	ids.invisibleFor = -1
	ids.listHides = true

	_, err := svc.Register(context.Background(), validRequest("writer"))
	wantKind(t, err, apperror.ErrConsistency)

	if n := ids.count("GetIdentityByID"); n != 3 {
		t.Errorf("GetIdentityByID calls = %d, want 3", n)
	}
	// Uniqueness check + exactly one fallback.
	if n := ids.count("ListIdentities"); n != 2 {
		t.Errorf("ListIdentities calls = %d, want 2", n)
	}
	if n := profiles.count("CreateUserProfile"); n != 0 {
		t.Errorf("CreateUserProfile calls = %d, want 0", n)
	}
	if n := ids.count("DeleteIdentity"); n != 0 {
		t.Errorf("DeleteIdentity calls = %d, want 0", n)
	}
}

// When the id from creation never resolves, the id found by email wins.
func TestRegister_FallbackAdoptsListedID(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	ids.createdID = "phantom-id"
	ids.invisibleFor = -1

	if _, err := svc.Register(context.Background(), validRequest("writer")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, ok := profiles.profiles["ident-1"]; !ok {
		t.Errorf("profile not created under listed id; profiles = %v", profiles.profiles)
	}
	if _, ok := profiles.profiles["phantom-id"]; ok {
		t.Error("profile created under the id returned by creation")
	}

	want := []string{
		"CreateIdentity:new@x.com",
		"GetIdentityByID:phantom-id",
		"GetIdentityByID:phantom-id",
		"GetIdentityByID:phantom-id",
		"ListIdentities:",
	}
	if diff := cmp.Diff(want, ids.log[1:]); diff != "" {
		t.Errorf("identity call log mismatch (-want +got):\n%s", diff)
	}
}

// =========================================================================
// PROFILE FAILURE AND ROLLBACK
// =========================================================================

func TestRegister_ProfileFailureRollsBack(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	profiles.createResult = &model.ProfileResult{
		Success: false,
		Reason:  `duplicate key value violates unique constraint "profiles_pkey"`,
	}

	_, err := svc.Register(context.Background(), validRequest("writer"))
	wantKind(t, err, apperror.ErrRolledBack)

	var appErr *apperror.AppError
	errors.As(err, &appErr)
	if appErr.Message != "Profile creation failed: duplicate record" {
		t.Errorf("message = %q", appErr.Message)
	}
	if strings.Contains(appErr.Message, "profiles_pkey") {
		t.Error("message leaks the store's reason")
	}

	wantProfiles := []string{
		"FindUserByEmail:new@x.com",
		"CreateUserProfile:ident-1",
		"DeleteUserProfile:ident-1",
		"DeleteRoleAssignment:ident-1",
	}
	if diff := cmp.Diff(wantProfiles, profiles.log); diff != "" {
		t.Errorf("profile call log mismatch (-want +got):\n%s", diff)
	}
	if got := ids.log[len(ids.log)-1]; got != "DeleteIdentity:ident-1" {
		t.Errorf("last identity call = %q, want DeleteIdentity:ident-1", got)
	}
	if len(ids.byID) != 0 {
		t.Errorf("identity left behind: %v", ids.byID)
	}
}

// Cleanup failures are logged, every cleanup still runs, and the caller
// sees the original failure.
func TestRegister_CleanupIsBestEffort(t *testing.T) {
	svc, ids, profiles := newTestRegistration(t)
	profiles.createErr = errors.New("statement timeout")
	profiles.deleteErr = errors.New("db down")
	ids.deleteErr = errors.New("admin api down")

	_, err := svc.Register(context.Background(), validRequest("writer"))
	wantKind(t, err, apperror.ErrRolledBack)

	var appErr *apperror.AppError
	errors.As(err, &appErr)
	if appErr.Message != msgProfileFailed {
		t.Errorf("message = %q, want %q", appErr.Message, msgProfileFailed)
	}
	for _, m := range []string{"DeleteUserProfile", "DeleteRoleAssignment"} {
		if n := profiles.count(m); n != 1 {
			t.Errorf("%s calls = %d, want 1", m, n)
		}
	}
	if n := ids.count("DeleteIdentity"); n != 1 {
		t.Errorf("DeleteIdentity calls = %d, want 1", n)
	}
}

func TestProfileFailureMessage(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{`duplicate key value violates unique constraint "profiles_email_key"`, "Profile creation failed: duplicate record"},
		{"duplicate key: UNIQUE constraint failed: profiles.email", "Profile creation failed: duplicate record"},
		{`new row violates check constraint "profiles_role_check"`, "Profile creation failed: invalid profile data"},
		{"", "Profile creation failed"},
	}
	for _, tt := range tests {
		if got := profileFailureMessage(tt.reason); got != tt.want {
			t.Errorf("profileFailureMessage(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
