package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

var _ repository.ProfileGrantStore = (*ProfileDB)(nil)

// ProfileDB is the profile store on SQLite.
type ProfileDB struct {
	db *DB
}

// NewProfileDB migrates the profile schema on db and returns the store.
// The store owns db from here on; Close closes it.
func NewProfileDB(db *DB) (*ProfileDB, error) {
	p := &ProfileDB{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite: migrating profile store: %w", err)
	}
	return p, nil
}

// OpenProfileDB is New followed by NewProfileDB.
func OpenProfileDB(path string) (*ProfileDB, error) {
	db, err := New(path)
	if err != nil {
		return nil, err
	}
	p, err := NewProfileDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *ProfileDB) Close() error { return p.db.Close() }

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
//
// The UNIQUE email constraint on profiles is the backstop for two
// registrations of the same address racing past the service's pre-check.
func (p *ProfileDB) migrate() error {
	return p.db.exec("creating profile tables", `
		CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL UNIQUE COLLATE NOCASE,
			first_name   TEXT NOT NULL DEFAULT '',
			last_name    TEXT NOT NULL DEFAULT '',
			phone        TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL CHECK (role IN ('admin', 'editor', 'writer', 'employer')),
			display_name TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS role_assignments (
			identity_id TEXT PRIMARY KEY,
			role        TEXT NOT NULL CHECK (role IN ('admin', 'editor', 'writer', 'employer')),
			assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS approval_grants (
			id          TEXT PRIMARY KEY,
			email       TEXT NOT NULL COLLATE NOCASE,
			role        TEXT NOT NULL CHECK (role IN ('admin', 'editor')),
			consumed    INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			consumed_at DATETIME,
			UNIQUE (email, role)
		);
	`)
}

const profileColumns = `id, email, first_name, last_name, phone, role, display_name, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*model.Profile, error) {
	var pr model.Profile
	var role string
	err := row.Scan(
		&pr.ID,
		&pr.Email,
		&pr.FirstName,
		&pr.LastName,
		&pr.Phone,
		&role,
		&pr.DisplayName,
		&pr.CreatedAt,
		&pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.Role = model.Role(role)
	return &pr, nil
}

// FindUserByEmail looks a profile up by email, case-insensitively.
func (p *ProfileDB) FindUserByEmail(ctx context.Context, email string) (*model.Profile, error) {
	pr, err := scanProfile(p.db.conn.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE email = ?`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("profile", email)
		}
		return nil, fmt.Errorf("sqlite: finding profile by email: %w", err)
	}
	return pr, nil
}

func (p *ProfileDB) GetProfileByID(ctx context.Context, identityID string) (*model.Profile, error) {
	pr, err := scanProfile(p.db.conn.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, identityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("profile", identityID)
		}
		return nil, fmt.Errorf("sqlite: getting profile %s: %w", identityID, err)
	}
	return pr, nil
}

// CreateUserProfile inserts the profile and its role assignment in one
// transaction. Constraint failures (duplicate email or id, bad role) roll
// the transaction back and come back as an unsuccessful result.
func (p *ProfileDB) CreateUserProfile(ctx context.Context, np model.NewProfile) (model.ProfileResult, error) {
	tx, err := p.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return model.ProfileResult{}, fmt.Errorf("sqlite: beginning profile transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (id, email, first_name, last_name, phone, role, display_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		np.IdentityID,
		np.Email,
		np.FirstName,
		np.LastName,
		np.Phone,
		string(np.Role),
		DisplayName(np.FirstName, np.LastName, np.Email),
		now,
		now,
	)
	if reason, ok := constraintViolation(err); ok {
		return model.ProfileResult{Success: false, Reason: reason}, nil
	}
	if err != nil {
		return model.ProfileResult{}, fmt.Errorf("sqlite: inserting profile %s: %w", np.IdentityID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO role_assignments (identity_id, role, assigned_at) VALUES (?, ?, ?)`,
		np.IdentityID, string(np.Role), now,
	)
	if reason, ok := constraintViolation(err); ok {
		return model.ProfileResult{Success: false, Reason: reason}, nil
	}
	if err != nil {
		return model.ProfileResult{}, fmt.Errorf("sqlite: inserting role assignment %s: %w", np.IdentityID, err)
	}

	if err := tx.Commit(); err != nil {
		return model.ProfileResult{}, fmt.Errorf("sqlite: committing profile %s: %w", np.IdentityID, err)
	}
	return model.ProfileResult{Success: true}, nil
}

// DeleteUserProfile removes the profile row. Deleting a missing row is not
// an error: rollback calls this without knowing how far creation got.
func (p *ProfileDB) DeleteUserProfile(ctx context.Context, identityID string) error {
	if _, err := p.db.conn.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, identityID); err != nil {
		return fmt.Errorf("sqlite: deleting profile %s: %w", identityID, err)
	}
	return nil
}

// DeleteRoleAssignment is idempotent like DeleteUserProfile.
func (p *ProfileDB) DeleteRoleAssignment(ctx context.Context, identityID string) error {
	if _, err := p.db.conn.ExecContext(ctx, `DELETE FROM role_assignments WHERE identity_id = ?`, identityID); err != nil {
		return fmt.Errorf("sqlite: deleting role assignment %s: %w", identityID, err)
	}
	return nil
}

func (p *ProfileDB) GetRoleForIdentity(ctx context.Context, identityID string) (model.Role, error) {
	var role string
	err := p.db.conn.QueryRowContext(ctx,
		`SELECT role FROM role_assignments WHERE identity_id = ?`, identityID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.NotFound("role assignment", identityID)
		}
		return "", fmt.Errorf("sqlite: getting role for %s: %w", identityID, err)
	}
	return model.Role(role), nil
}

// DisplayName is the derived name shown on dashboards: "First Last" when
// either is set, else the local part of the email.
func DisplayName(first, last, email string) string {
	if name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last)); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

// =========================================================================
// APPROVAL GRANTS
// =========================================================================

const grantColumns = `id, email, role, consumed, created_at, consumed_at`

func scanGrant(row interface{ Scan(...any) error }) (*model.ApprovalGrant, error) {
	var g model.ApprovalGrant
	var role string
	var consumedAt sql.NullTime
	if err := row.Scan(&g.ID, &g.Email, &role, &g.Consumed, &g.CreatedAt, &consumedAt); err != nil {
		return nil, err
	}
	g.Role = model.Role(role)
	if consumedAt.Valid {
		t := consumedAt.Time
		g.ConsumedAt = &t
	}
	return &g, nil
}

// FindApprovalGrant returns the unconsumed grant for (email, role).
func (p *ProfileDB) FindApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	g, err := scanGrant(p.db.conn.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM approval_grants
		 WHERE email = ? AND role = ? AND consumed = 0`,
		email, string(role),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("approval grant", email+"/"+string(role))
		}
		return nil, fmt.Errorf("sqlite: finding approval grant: %w", err)
	}
	return g, nil
}

// ConsumeApprovalGrant flips the grant for exactly (email, role). A grant
// for the same email under another role is left alone.
func (p *ProfileDB) ConsumeApprovalGrant(ctx context.Context, email string, role model.Role) error {
	res, err := p.db.conn.ExecContext(ctx,
		`UPDATE approval_grants SET consumed = 1, consumed_at = ?
		 WHERE email = ? AND role = ? AND consumed = 0`,
		time.Now().UTC(), email, string(role),
	)
	if err != nil {
		return fmt.Errorf("sqlite: consuming approval grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("approval grant", email+"/"+string(role))
	}
	return nil
}

// CreateApprovalGrant issues a grant. Re-granting a pair that was already
// consumed re-opens it under the same id.
func (p *ProfileDB) CreateApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	g, err := scanGrant(p.db.conn.QueryRowContext(ctx,
		`INSERT INTO approval_grants (id, email, role, consumed, created_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT (email, role) DO UPDATE SET consumed = 0, consumed_at = NULL, created_at = excluded.created_at
		 RETURNING `+grantColumns,
		xid.New().String(), email, string(role), time.Now().UTC(),
	))
	if reason, ok := constraintViolation(err); ok {
		return nil, apperror.ValidationFailed("role", reason)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating approval grant: %w", err)
	}
	return g, nil
}

func (p *ProfileDB) ListApprovalGrants(ctx context.Context) ([]model.ApprovalGrant, error) {
	rows, err := p.db.conn.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM approval_grants ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing approval grants: %w", err)
	}
	defer rows.Close()

	grants := []model.ApprovalGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning approval grant: %w", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func (p *ProfileDB) RevokeApprovalGrant(ctx context.Context, id string) error {
	res, err := p.db.conn.ExecContext(ctx, `DELETE FROM approval_grants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: revoking approval grant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("approval grant", id)
	}
	return nil
}
