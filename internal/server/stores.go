package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/config"
	"github.com/sakif/marketplace-auth/internal/handler"
	"github.com/sakif/marketplace-auth/internal/identity/gotrue"
	"github.com/sakif/marketplace-auth/internal/repository"
	"github.com/sakif/marketplace-auth/internal/repository/postgres"
	"github.com/sakif/marketplace-auth/internal/repository/sqlite"
)

// Stores holds the two systems of record picked by configuration.
type Stores struct {
	Identities repository.IdentityStore
	Profiles   repository.ProfileGrantStore
	// Confirmer is set only for the local identity provider, which serves
	// its own confirmation links.
	Confirmer handler.EmailConfirmer

	closers []func() error
}

// Close closes every store that was opened. Safe to call once.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// StoreOptions carries what OpenStores cannot read from config.
type StoreOptions struct {
	Tokens *auth.TokenService
	// Sender delivers local confirmation links. Nil logs them.
	Sender sqlite.ConfirmationSender
	Logger *slog.Logger
}

// OpenStores opens the profile store and the identity provider named in
// cfg. On error nothing is left open.
func OpenStores(ctx context.Context, cfg *config.Config, opts StoreOptions) (*Stores, error) {
	s := &Stores{}

	switch cfg.Profile.Store {
	case config.ProfilePostgres:
		store, err := postgres.Open(ctx, cfg.Profile.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres profile store: %w", err)
		}
		s.Profiles = store
	default:
		if err := ensureDir(cfg.Profile.DBPath); err != nil {
			return nil, err
		}
		store, err := sqlite.OpenProfileDB(cfg.Profile.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite profile store: %w", err)
		}
		s.Profiles = store
	}
	s.closers = append(s.closers, s.Profiles.Close)

	switch cfg.Identity.Provider {
	case config.IdentityGoTrue:
		client, err := gotrue.New(gotrue.Config{
			BaseURL:        cfg.Identity.GoTrueURL,
			AnonKey:        cfg.Identity.AnonKey,
			ServiceRoleKey: cfg.Identity.ServiceRoleKey,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Identities = client
	default:
		if err := ensureDir(cfg.Identity.DBPath); err != nil {
			s.Close()
			return nil, err
		}
		store, err := sqlite.OpenIdentityDB(cfg.Identity.DBPath, sqlite.IdentityConfig{
			ConfirmURL:      cfg.HTTP.BaseURL + "/auth/confirm",
			ConfirmationTTL: cfg.Identity.ConfirmationTTL,
			Tokens:          opts.Tokens,
			Sender:          opts.Sender,
			Logger:          opts.Logger,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening local identity store: %w", err)
		}
		s.Identities = store
		s.Confirmer = store
		s.closers = append(s.closers, store.Close)
	}

	return s, nil
}

// ensureDir creates the parent directory of a database file, like mkdir -p.
func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}
