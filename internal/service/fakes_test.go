package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

// =========================================================================
// FAKE STORES
// =========================================================================
//
// Hand-written in-memory fakes. Every method counts its calls so tests can
// assert what the workflow did and, just as often, what it did not do.
// Behaviour is switched with the exported-looking fields.

var (
	_ repository.IdentityStore = (*fakeIdentities)(nil)
	_ repository.ProfileStore  = (*fakeProfiles)(nil)
	_ repository.GrantStore    = (*fakeProfiles)(nil)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIdentities struct {
	mu     sync.Mutex
	byID   map[string]*model.Identity
	nextID int
	calls  map[string]int
	log    []string // call order, "method:arg"

	createErr error
	// createdID overrides the id CreateIdentity reports back, while the
	// identity is stored under its real id.
	createdID string
	// invisibleFor makes GetIdentityByID miss this many times before the
	// identity becomes readable. -1 means never.
	invisibleFor int
	listErr      error
	listHides    bool // ListIdentities returns nothing
	deleteErr    error
	signInErr    error
	resendErr    error
	passwords    map[string]string
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		byID:      map[string]*model.Identity{},
		calls:     map[string]int{},
		passwords: map[string]string{},
	}
}

func (f *fakeIdentities) record(method, arg string) {
	f.calls[method]++
	f.log = append(f.log, method+":"+arg)
}

func (f *fakeIdentities) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// add stores an identity directly, bypassing CreateIdentity.
func (f *fakeIdentities) add(ident model.Identity, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[ident.ID] = &ident
	f.passwords[ident.Email] = password
}

func (f *fakeIdentities) CreateIdentity(_ context.Context, p model.NewIdentity) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateIdentity", p.Email)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	ident := model.Identity{
		ID:        fmt.Sprintf("ident-%d", f.nextID),
		Email:     p.Email,
		Metadata:  p.Metadata,
		CreatedAt: time.Now(),
	}
	f.byID[ident.ID] = &ident
	f.passwords[p.Email] = p.Password

	out := ident
	if f.createdID != "" {
		out.ID = f.createdID
	}
	return &out, nil
}

func (f *fakeIdentities) GetIdentityByID(_ context.Context, id string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetIdentityByID", id)
	if f.invisibleFor < 0 {
		return nil, &apperror.ProviderError{Status: 404, Code: "user_not_found", Message: "User not found"}
	}
	if f.invisibleFor > 0 {
		f.invisibleFor--
		return nil, errors.New("connection reset by peer")
	}
	ident, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("identity", id)
	}
	out := *ident
	return &out, nil
}

func (f *fakeIdentities) ListIdentities(_ context.Context) ([]model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListIdentities", "")
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listHides {
		return []model.Identity{}, nil
	}
	out := make([]model.Identity, 0, len(f.byID))
	for _, ident := range f.byID {
		out = append(out, *ident)
	}
	return out, nil
}

func (f *fakeIdentities) DeleteIdentity(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteIdentity", id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.byID[id]; !ok {
		return apperror.NotFound("identity", id)
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeIdentities) SignInWithPassword(_ context.Context, email, password string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SignInWithPassword", email)
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	for _, ident := range f.byID {
		if strings.EqualFold(ident.Email, email) && f.passwords[ident.Email] == password {
			return &model.Session{AccessToken: "token-" + ident.ID, ExpiresAt: time.Now().Add(time.Hour), Identity: *ident}, nil
		}
	}
	return nil, repository.ErrInvalidCredentials
}

func (f *fakeIdentities) ResendConfirmation(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ResendConfirmation", email)
	return f.resendErr
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]model.Profile
	roles    map[string]model.Role
	grants   map[string]*model.ApprovalGrant // key: email/role
	calls    map[string]int
	log      []string

	findErr      error
	createErr    error
	createResult *model.ProfileResult // forced result, nil = real behaviour
	consumeErr   error
	roleErr      error
	getErr       error
	deleteErr    error
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{
		profiles: map[string]model.Profile{},
		roles:    map[string]model.Role{},
		grants:   map[string]*model.ApprovalGrant{},
		calls:    map[string]int{},
	}
}

func grantKey(email string, role model.Role) string { return email + "/" + string(role) }

func (f *fakeProfiles) record(method, arg string) {
	f.calls[method]++
	f.log = append(f.log, method+":"+arg)
}

func (f *fakeProfiles) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeProfiles) grant(email string, role model.Role) *model.ApprovalGrant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[grantKey(email, role)]
}

func (f *fakeProfiles) FindUserByEmail(_ context.Context, email string) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FindUserByEmail", email)
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, p := range f.profiles {
		if strings.EqualFold(p.Email, email) {
			out := p
			return &out, nil
		}
	}
	return nil, apperror.NotFound("profile", email)
}

func (f *fakeProfiles) GetProfileByID(_ context.Context, id string) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetProfileByID", id)
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.profiles[id]
	if !ok {
		return nil, apperror.NotFound("profile", id)
	}
	return &p, nil
}

func (f *fakeProfiles) FindApprovalGrant(_ context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FindApprovalGrant", grantKey(email, role))
	g, ok := f.grants[grantKey(email, role)]
	if !ok || g.Consumed {
		return nil, apperror.NotFound("approval grant", grantKey(email, role))
	}
	out := *g
	return &out, nil
}

func (f *fakeProfiles) ConsumeApprovalGrant(_ context.Context, email string, role model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ConsumeApprovalGrant", grantKey(email, role))
	if f.consumeErr != nil {
		return f.consumeErr
	}
	g, ok := f.grants[grantKey(email, role)]
	if !ok || g.Consumed {
		return apperror.NotFound("approval grant", grantKey(email, role))
	}
	now := time.Now()
	g.Consumed = true
	g.ConsumedAt = &now
	return nil
}

func (f *fakeProfiles) CreateUserProfile(_ context.Context, np model.NewProfile) (model.ProfileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateUserProfile", np.IdentityID)
	if f.createErr != nil {
		return model.ProfileResult{}, f.createErr
	}
	if f.createResult != nil {
		return *f.createResult, nil
	}
	for _, p := range f.profiles {
		if strings.EqualFold(p.Email, np.Email) {
			return model.ProfileResult{Success: false, Reason: `duplicate key value violates unique constraint "profiles_email_key"`}, nil
		}
	}
	f.profiles[np.IdentityID] = model.Profile{
		ID:        np.IdentityID,
		Email:     np.Email,
		FirstName: np.FirstName,
		LastName:  np.LastName,
		Phone:     np.Phone,
		Role:      np.Role,
	}
	f.roles[np.IdentityID] = np.Role
	return model.ProfileResult{Success: true}, nil
}

func (f *fakeProfiles) DeleteUserProfile(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteUserProfile", id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.profiles, id)
	return nil
}

func (f *fakeProfiles) DeleteRoleAssignment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteRoleAssignment", id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.roles, id)
	return nil
}

func (f *fakeProfiles) GetRoleForIdentity(_ context.Context, id string) (model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetRoleForIdentity", id)
	if f.roleErr != nil {
		return "", f.roleErr
	}
	r, ok := f.roles[id]
	if !ok {
		return "", apperror.NotFound("role assignment", id)
	}
	return r, nil
}

func (f *fakeProfiles) CreateApprovalGrant(_ context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateApprovalGrant", grantKey(email, role))
	g := &model.ApprovalGrant{ID: "grant-" + grantKey(email, role), Email: email, Role: role, CreatedAt: time.Now()}
	f.grants[grantKey(email, role)] = g
	out := *g
	return &out, nil
}

func (f *fakeProfiles) ListApprovalGrants(_ context.Context) ([]model.ApprovalGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListApprovalGrants", "")
	out := make([]model.ApprovalGrant, 0, len(f.grants))
	for _, g := range f.grants {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeProfiles) RevokeApprovalGrant(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RevokeApprovalGrant", id)
	for k, g := range f.grants {
		if g.ID == id {
			delete(f.grants, k)
			return nil
		}
	}
	return apperror.NotFound("approval grant", id)
}
