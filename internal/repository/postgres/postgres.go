// Package postgres implements the profile store on PostgreSQL.
//
// Profile creation goes through the create_user_profile stored function so
// the profile row and its role assignment commit or fail together on the
// server, and constraint failures come back as a {success, reason} result
// instead of an exception.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/xid"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

var _ repository.ProfileGrantStore = (*Store)(nil)

// Store is the PostgreSQL profile store.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool constructs a pgx connection pool from a connection string.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// Open connects, pings, and migrates.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := NewPool(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller must run Migrate before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const profileColumns = `id, email, first_name, last_name, phone, role, display_name, created_at, updated_at`

func scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	var role string
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FirstName,
		&p.LastName,
		&p.Phone,
		&role,
		&p.DisplayName,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	return &p, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(email) = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("profile", email)
		}
		return nil, fmt.Errorf("postgres: find profile by email: %w", err)
	}
	return p, nil
}

func (s *Store) GetProfileByID(ctx context.Context, identityID string) (*model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("profile", identityID)
		}
		return nil, fmt.Errorf("postgres: get profile %s: %w", identityID, err)
	}
	return p, nil
}

// CreateUserProfile calls create_user_profile. A PgError here means the
// call itself failed (bad arguments, missing function), not a constraint.
func (s *Store) CreateUserProfile(ctx context.Context, np model.NewProfile) (model.ProfileResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT create_user_profile($1, $2, $3, $4, $5, $6)`,
		np.IdentityID, np.Email, np.FirstName, np.LastName, np.Phone, string(np.Role),
	).Scan(&raw)
	if err != nil {
		return model.ProfileResult{}, fmt.Errorf("postgres: create_user_profile: %w", err)
	}

	var res model.ProfileResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.ProfileResult{}, fmt.Errorf("postgres: decode create_user_profile result: %w", err)
	}
	return res, nil
}

func (s *Store) DeleteUserProfile(ctx context.Context, identityID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, identityID); err != nil {
		return fmt.Errorf("postgres: delete profile %s: %w", identityID, err)
	}
	return nil
}

func (s *Store) DeleteRoleAssignment(ctx context.Context, identityID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM role_assignments WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("postgres: delete role assignment %s: %w", identityID, err)
	}
	return nil
}

func (s *Store) GetRoleForIdentity(ctx context.Context, identityID string) (model.Role, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM role_assignments WHERE identity_id = $1`, identityID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperror.NotFound("role assignment", identityID)
		}
		return "", fmt.Errorf("postgres: get role for %s: %w", identityID, err)
	}
	return model.Role(role), nil
}

const grantColumns = `id, email, role, consumed, created_at, consumed_at`

func scanGrant(row pgx.Row) (*model.ApprovalGrant, error) {
	var g model.ApprovalGrant
	var role string
	var consumedAt *time.Time
	if err := row.Scan(&g.ID, &g.Email, &role, &g.Consumed, &g.CreatedAt, &consumedAt); err != nil {
		return nil, err
	}
	g.Role = model.Role(role)
	g.ConsumedAt = consumedAt
	return &g, nil
}

func (s *Store) FindApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM approval_grants
		 WHERE lower(email) = lower($1) AND role = $2 AND NOT consumed`,
		email, string(role),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("approval grant", email+"/"+string(role))
		}
		return nil, fmt.Errorf("postgres: find approval grant: %w", err)
	}
	return g, nil
}

func (s *Store) ConsumeApprovalGrant(ctx context.Context, email string, role model.Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_grants SET consumed = TRUE, consumed_at = now()
		 WHERE lower(email) = lower($1) AND role = $2 AND NOT consumed`,
		email, string(role),
	)
	if err != nil {
		return fmt.Errorf("postgres: consume approval grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("approval grant", email+"/"+string(role))
	}
	return nil
}

func (s *Store) CreateApprovalGrant(ctx context.Context, email string, role model.Role) (*model.ApprovalGrant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx,
		`INSERT INTO approval_grants (id, email, role)
		 VALUES ($1, lower($2), $3)
		 ON CONFLICT (email, role) DO UPDATE SET consumed = FALSE, consumed_at = NULL, created_at = now()
		 RETURNING `+grantColumns,
		xid.New().String(), email, string(role),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return nil, apperror.ValidationFailed("role", "approval grants are only issued for admin and editor")
		}
		return nil, fmt.Errorf("postgres: create approval grant: %w", err)
	}
	return g, nil
}

func (s *Store) ListApprovalGrants(ctx context.Context) ([]model.ApprovalGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM approval_grants ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list approval grants: %w", err)
	}
	defer rows.Close()

	grants := []model.ApprovalGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan approval grant: %w", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func (s *Store) RevokeApprovalGrant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approval_grants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: revoke approval grant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("approval grant", id)
	}
	return nil
}
