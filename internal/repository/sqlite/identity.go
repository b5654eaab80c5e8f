package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

var _ repository.IdentityStore = (*IdentityDB)(nil)

// DefaultConfirmationTTL is how long a confirmation link stays valid.
const DefaultConfirmationTTL = 24 * time.Hour

// ConfirmationSender delivers the confirmation link for a new account.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, email, link string) error
}

// LogSender "sends" confirmation links by logging them. It is the default
// for development, where there is no mail relay.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendConfirmation(_ context.Context, email, link string) error {
	s.Logger.Info("confirmation link issued",
		slog.String("email", email),
		slog.String("link", link),
	)
	return nil
}

// IdentityConfig wires the local identity provider.
type IdentityConfig struct {
	// ConfirmURL is the absolute URL of the confirmation endpoint; the
	// token is appended as ?token=.
	ConfirmURL      string
	ConfirmationTTL time.Duration
	Tokens          *auth.TokenService
	Hasher          *auth.PasswordHasher
	Sender          ConfirmationSender
	Logger          *slog.Logger
}

// IdentityDB is a self-hosted identity provider on SQLite. It behaves like
// the hosted one at the IdentityStore boundary: duplicate sign-ups fail
// with a 422 provider error, new accounts start unconfirmed, and sessions
// are HS256 JWTs.
type IdentityDB struct {
	db  *DB
	cfg IdentityConfig
}

func NewIdentityDB(db *DB, cfg IdentityConfig) (*IdentityDB, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("sqlite: identity store needs a token service")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = auth.NewPasswordHasher()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sender == nil {
		cfg.Sender = LogSender{Logger: cfg.Logger}
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = DefaultConfirmationTTL
	}

	s := &IdentityDB{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite: migrating identity store: %w", err)
	}
	return s, nil
}

// OpenIdentityDB is New followed by NewIdentityDB.
func OpenIdentityDB(path string, cfg IdentityConfig) (*IdentityDB, error) {
	db, err := New(path)
	if err != nil {
		return nil, err
	}
	s, err := NewIdentityDB(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *IdentityDB) Close() error { return s.db.Close() }

func (s *IdentityDB) migrate() error {
	return s.db.exec("creating identity tables", `
		CREATE TABLE IF NOT EXISTS identities (
			id                   TEXT PRIMARY KEY,
			email                TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password_hash        TEXT NOT NULL,
			metadata             TEXT NOT NULL DEFAULT '{}',
			email_confirmed_at   DATETIME,
			confirmation_token   TEXT UNIQUE,
			confirmation_sent_at DATETIME,
			redirect_to          TEXT NOT NULL DEFAULT '',
			created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
}

const identityColumns = `id, email, metadata, email_confirmed_at, created_at`

func scanIdentity(row interface{ Scan(...any) error }) (*model.Identity, error) {
	var id model.Identity
	var meta string
	var confirmedAt sql.NullTime
	if err := row.Scan(&id.ID, &id.Email, &meta, &confirmedAt, &id.CreatedAt); err != nil {
		return nil, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &id.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", id.ID, err)
		}
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		id.EmailConfirmedAt = &t
	}
	return &id, nil
}

// CreateIdentity registers an unconfirmed account and sends its
// confirmation link. A failed send does not undo the account; the user
// can ask for the link again.
func (s *IdentityDB) CreateIdentity(ctx context.Context, params model.NewIdentity) (*model.Identity, error) {
	hash, err := s.cfg.Hasher.Hash(params.Password)
	if err != nil {
		return nil, &apperror.ProviderError{Status: 422, Code: "weak_password", Message: err.Error()}
	}

	meta, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encoding identity metadata: %w", err)
	}

	now := time.Now().UTC()
	token := xid.New().String()
	id := uuid.NewString()

	_, err = s.db.conn.ExecContext(ctx,
		`INSERT INTO identities (id, email, password_hash, metadata, confirmation_token, confirmation_sent_at, redirect_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, strings.TrimSpace(params.Email), hash, string(meta), token, now, params.RedirectURL, now,
	)
	if _, ok := constraintViolation(err); ok {
		return nil, &apperror.ProviderError{Status: 422, Code: "user_already_exists", Message: "User already registered"}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: inserting identity: %w", err)
	}

	s.sendConfirmation(ctx, params.Email, token)

	return &model.Identity{
		ID:        id,
		Email:     params.Email,
		Metadata:  params.Metadata,
		CreatedAt: now,
	}, nil
}

func (s *IdentityDB) GetIdentityByID(ctx context.Context, id string) (*model.Identity, error) {
	ident, err := scanIdentity(s.db.conn.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("identity", id)
		}
		return nil, fmt.Errorf("sqlite: getting identity %s: %w", id, err)
	}
	return ident, nil
}

func (s *IdentityDB) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing identities: %w", err)
	}
	defer rows.Close()

	identities := []model.Identity{}
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning identity: %w", err)
		}
		identities = append(identities, *ident)
	}
	return identities, rows.Err()
}

// DeleteIdentity returns a not-found error for an unknown id, the same as
// the hosted provider's admin API.
func (s *IdentityDB) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting identity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("identity", id)
	}
	return nil
}

// SignInWithPassword checks credentials and issues a session. Unconfirmed
// accounts still get a session; the caller decides what to do with it.
func (s *IdentityDB) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var hash string
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT password_hash, `+identityColumns+` FROM identities WHERE email = ?`,
		strings.TrimSpace(email),
	)

	var ident model.Identity
	var meta string
	var confirmedAt sql.NullTime
	err := row.Scan(&hash, &ident.ID, &ident.Email, &meta, &confirmedAt, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: looking up credentials: %w", err)
	}

	if err := s.cfg.Hasher.Verify(hash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, repository.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(meta), &ident.Metadata); err != nil {
		return nil, fmt.Errorf("sqlite: decoding metadata of %s: %w", ident.ID, err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		ident.EmailConfirmedAt = &t
	}

	token, exp, err := s.cfg.Tokens.Generate(ident.ID, ident.Email)
	if err != nil {
		return nil, err
	}
	return &model.Session{AccessToken: token, ExpiresAt: exp, Identity: ident}, nil
}

// ResendConfirmation issues a fresh link. Unknown and already confirmed
// addresses are silently ignored so the endpoint cannot be used to probe
// which emails are registered.
func (s *IdentityDB) ResendConfirmation(ctx context.Context, email string) error {
	token := xid.New().String()
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE identities SET confirmation_token = ?, confirmation_sent_at = ?
		 WHERE email = ? AND email_confirmed_at IS NULL`,
		token, time.Now().UTC(), strings.TrimSpace(email),
	)
	if err != nil {
		return fmt.Errorf("sqlite: reissuing confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	s.sendConfirmation(ctx, email, token)
	return nil
}

// ConfirmEmail marks the account holding token as confirmed and returns it
// together with the redirect URL given at sign-up.
func (s *IdentityDB) ConfirmEmail(ctx context.Context, token string) (*model.Identity, string, error) {
	if token == "" {
		return nil, "", apperror.ValidationFailed("token", "confirmation token is required")
	}

	var id, redirect string
	var sentAt sql.NullTime
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, redirect_to, confirmation_sent_at FROM identities WHERE confirmation_token = ?`, token,
	).Scan(&id, &redirect, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", apperror.ValidationFailed("token", "confirmation link is invalid or has already been used")
	}
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: looking up confirmation token: %w", err)
	}
	if !sentAt.Valid || time.Since(sentAt.Time) > s.cfg.ConfirmationTTL {
		return nil, "", apperror.ValidationFailed("token", "confirmation link has expired")
	}

	_, err = s.db.conn.ExecContext(ctx,
		`UPDATE identities SET email_confirmed_at = ?, confirmation_token = NULL WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: confirming identity %s: %w", id, err)
	}

	ident, err := s.GetIdentityByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return ident, redirect, nil
}

func (s *IdentityDB) sendConfirmation(ctx context.Context, email, token string) {
	link := s.cfg.ConfirmURL + "?token=" + url.QueryEscape(token)
	if err := s.cfg.Sender.SendConfirmation(ctx, email, link); err != nil {
		s.cfg.Logger.Error("sending confirmation failed",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
	}
}
