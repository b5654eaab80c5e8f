package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

func newTestSignIn(t *testing.T) (*SignInService, *fakeIdentities, *fakeProfiles) {
	t.Helper()
	ids := newFakeIdentities()
	profiles := newFakeProfiles()
	return NewSignInService(ids, profiles, discardLogger()), ids, profiles
}

func confirmedIdentity(id, email string) model.Identity {
	now := time.Now()
	return model.Identity{ID: id, Email: email, EmailConfirmedAt: &now}
}

func TestSignIn_Success(t *testing.T) {
	svc, ids, profiles := newTestSignIn(t)
	ids.add(confirmedIdentity("u1", "ed@x.com"), "Secret#123")
	profiles.roles["u1"] = model.RoleEditor

	got, err := svc.SignIn(context.Background(), " ED@x.com ", "Secret#123")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if got.Role != model.RoleEditor {
		t.Errorf("Role = %q, want editor", got.Role)
	}
	if got.Redirect != "/dashboard/editor" {
		t.Errorf("Redirect = %q, want /dashboard/editor", got.Redirect)
	}
	if got.Session.AccessToken == "" {
		t.Error("no access token")
	}
	if n := ids.count("ResendConfirmation"); n != 0 {
		t.Errorf("ResendConfirmation calls = %d, want 0", n)
	}
}

func TestSignIn_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(ids *fakeIdentities, profiles *fakeProfiles)
		email      string
		password   string
		wantKind   error
		wantMsg    string
		wantResend int
	}{
		{
			name:     "missing fields",
			setup:    func(*fakeIdentities, *fakeProfiles) {},
			email:    "",
			password: "",
			wantKind: apperror.ErrValidation,
		},
		{
			name: "wrong password",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.add(confirmedIdentity("u1", "ed@x.com"), "Secret#123")
			},
			email:    "ed@x.com",
			password: "nope",
			wantKind: apperror.ErrUnauthorized,
			wantMsg:  msgInvalidCredentials,
		},
		{
			name: "unconfirmed session",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.add(model.Identity{ID: "u1", Email: "ed@x.com"}, "Secret#123")
			},
			email:      "ed@x.com",
			password:   "Secret#123",
			wantKind:   apperror.ErrForbidden,
			wantMsg:    msgConfirmEmail,
			wantResend: 1,
		},
		{
			name: "provider refuses unconfirmed",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.signInErr = repository.ErrEmailNotConfirmed
			},
			email:      "ed@x.com",
			password:   "Secret#123",
			wantKind:   apperror.ErrForbidden,
			wantMsg:    msgConfirmEmail,
			wantResend: 1,
		},
		{
			name: "resend failure still asks for confirmation",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.signInErr = repository.ErrEmailNotConfirmed
				ids.resendErr = errors.New("rate limited")
			},
			email:      "ed@x.com",
			password:   "Secret#123",
			wantKind:   apperror.ErrForbidden,
			wantMsg:    msgConfirmEmail,
			wantResend: 1,
		},
		{
			name: "no role",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.add(confirmedIdentity("u1", "ed@x.com"), "Secret#123")
			},
			email:    "ed@x.com",
			password: "Secret#123",
			wantKind: apperror.ErrUpstream,
			wantMsg:  msgRoleUnavailable,
		},
		{
			name: "provider outage",
			setup: func(ids *fakeIdentities, _ *fakeProfiles) {
				ids.signInErr = &apperror.ProviderError{Status: 503, Message: "unavailable"}
			},
			email:    "ed@x.com",
			password: "Secret#123",
			wantKind: apperror.ErrUpstream,
			wantMsg:  msgSignInFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ids, profiles := newTestSignIn(t)
			tt.setup(ids, profiles)

			_, err := svc.SignIn(context.Background(), tt.email, tt.password)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("err = %v, want kind %v", err, tt.wantKind)
			}
			var appErr *apperror.AppError
			if tt.wantMsg != "" && (!errors.As(err, &appErr) || appErr.Message != tt.wantMsg) {
				t.Errorf("message = %v, want %q", err, tt.wantMsg)
			}
			if n := ids.count("ResendConfirmation"); n != tt.wantResend {
				t.Errorf("ResendConfirmation calls = %d, want %d", n, tt.wantResend)
			}
		})
	}
}

func TestSignIn_Profile(t *testing.T) {
	svc, _, profiles := newTestSignIn(t)
	profiles.profiles["u1"] = model.Profile{ID: "u1", Email: "ed@x.com", Role: model.RoleEditor}

	p, err := svc.Profile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if p.Email != "ed@x.com" {
		t.Errorf("Email = %q", p.Email)
	}

	if _, err := svc.Profile(context.Background(), "missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
