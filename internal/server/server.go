// Package server is the composition root: it opens the stores, builds the
// services and handlers, and wires them to routes.
//
// Dependencies flow one way:
//
//	config → stores → services → handlers → router
//
// Handlers only see service interfaces and services only see repository
// interfaces, so every layer can be tested with fakes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/config"
	"github.com/sakif/marketplace-auth/internal/handler"
	"github.com/sakif/marketplace-auth/internal/middleware"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository/sqlite"
	"github.com/sakif/marketplace-auth/internal/service"
)

// shutdownTimeout is how long in-flight requests get once Start's context
// is cancelled.
const shutdownTimeout = 30 * time.Second

// Server owns the router, the stores, and the background reconciler.
type Server struct {
	router     *chi.Mux
	cfg        *config.Config
	logger     *slog.Logger
	stores     *Stores
	tokens     *auth.TokenService
	reconciler *service.Reconciler
}

// New opens the configured stores and builds the router. The caller must
// either Start the server or Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tokens, err := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	stores, err := OpenStores(ctx, cfg, StoreOptions{Tokens: tokens, Sender: o.sender, Logger: logger})
	if err != nil {
		return nil, err
	}

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		logger: logger,
		stores: stores,
		tokens: tokens,
	}
	s.setupRoutes()
	return s, nil
}

// Option customises New.
type Option func(*options)

type options struct {
	sender sqlite.ConfirmationSender
}

// WithConfirmationSender replaces the default sender, which only logs
// confirmation links. Ignored by the hosted identity provider.
func WithConfirmationSender(sender sqlite.ConfirmationSender) Option {
	return func(o *options) { o.sender = sender }
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases the stores. Start calls it on the way out.
func (s *Server) Close() error { return s.stores.Close() }

// setupRoutes builds every service and handler and registers the routes.
//
// ROUTES:
//
//	POST   /api/auth                 signup or signin
//	GET    /auth/confirm             local email confirmation
//	POST   /api/auth/logout
//	GET    /api/me                   signed in
//	GET    /api/dashboard/<role>     that role or admin
//	GET    /api/admin/grants         admin
//	POST   /api/admin/grants         admin
//	DELETE /api/admin/grants/{id}    admin
//	POST   /api/admin/sweep          admin
//	GET    /healthz
//
// Middleware order: RequestID must run before Logger so the id is logged,
// and Recoverer sits inside Logger so a panic is logged as a 500.
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	profiles := s.stores.Profiles
	identities := s.stores.Identities

	registration := service.NewRegistrationService(identities, profiles, auth.DefaultPasswordPolicy(), service.RegistrationConfig{
		RedirectURL:    s.cfg.Signup.RedirectURL,
		InitialDelay:   s.cfg.Signup.InitialDelay,
		VerifyAttempts: s.cfg.Signup.VerifyAttempts,
		VerifyInterval: s.cfg.Signup.VerifyInterval,
	}, s.logger)
	signIn := service.NewSignInService(identities, profiles, s.logger)
	grants := service.NewGrantService(profiles, s.logger)
	s.reconciler = service.NewReconciler(identities, profiles, service.ReconcilerConfig{
		Interval: s.cfg.Sweep.Interval,
		MaxAge:   s.cfg.Sweep.MaxAge,
	}, s.logger)

	authHandler := handler.NewAuthHandler(registration, signIn, s.stores.Confirmer, s.cfg.HTTP.SecureCookies, s.logger)
	dashboardHandler := handler.NewDashboardHandler(signIn, s.logger)
	adminHandler := handler.NewAdminHandler(grants, s.reconciler, s.logger)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.Get("/auth/confirm", authHandler.HandleConfirm)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/auth", authHandler.HandleAuth)
		r.Post("/auth/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.tokens))

			r.Get("/me", authHandler.HandleMe)

			// One route per dashboard so each carries its own gate.
			// Admins may open every dashboard.
			for _, role := range model.Roles {
				gate := auth.RequireRole(profiles, s.logger, role, model.RoleAdmin)
				r.With(gate).Get("/dashboard/"+string(role), dashboardHandler.HandleDashboard)
			}

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(profiles, s.logger, model.RoleAdmin))
				r.Get("/grants", adminHandler.HandleListGrants)
				r.Post("/grants", adminHandler.HandleCreateGrant)
				r.Delete("/grants/{id}", adminHandler.HandleRevokeGrant)
				r.Post("/sweep", adminHandler.HandleSweep)
			})
		})
	})
}

// Start serves HTTP and runs the reconciler until ctx is cancelled, then
// shuts down gracefully and closes the stores.
//
// The listener and the reconciler run in one errgroup: if the listener
// fails, the group context is cancelled and the reconciler stops too.
func (s *Server) Start(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("closing stores", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:         s.cfg.HTTP.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		// Signup waits out the provider's propagation delay and retries,
		// which takes several seconds.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("identityProvider", s.cfg.Identity.Provider),
			slog.String("profileStore", s.cfg.Profile.Store),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.reconciler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
