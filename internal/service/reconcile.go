package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/repository"
)

// Defaults for ReconcilerConfig.
const (
	DefaultSweepInterval = time.Hour
	DefaultSweepMaxAge   = 24 * time.Hour
	sweepConcurrency     = 4
)

// ReconcilerConfig controls the orphan sweep.
type ReconcilerConfig struct {
	// Interval between sweeps in Run. Zero or less disables the loop.
	Interval time.Duration
	// MaxAge is how old an unconfirmed identity without a profile must be
	// before it is deleted.
	MaxAge time.Duration
}

// SweepReport summarises one pass.
type SweepReport struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Reconciler deletes identities that registration left behind: the ones it
// could not verify, or whose cleanup failed. An orphan is an identity that
// is unconfirmed, older than MaxAge, and has no profile.
//
// Confirmed identities are never touched, even without a profile; those
// need a human.
type Reconciler struct {
	identities repository.IdentityStore
	profiles   repository.ProfileStore
	cfg        ReconcilerConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconciler(identities repository.IdentityStore, profiles repository.ProfileStore, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSweepMaxAge
	}
	return &Reconciler{
		identities: identities,
		profiles:   profiles,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep runs one pass. Per-identity failures are counted and logged; only
// a failure to list identities aborts the pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	identities, err := r.identities.ListIdentities(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	cutoff := r.now().Add(-r.cfg.MaxAge)
	var deleted, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, ident := range identities {
		if ident.Confirmed() || ident.CreatedAt.After(cutoff) {
			continue
		}
		g.Go(func() error {
			ok, err := r.reap(gctx, ident)
			switch {
			case err != nil:
				failed.Add(1)
				r.logger.Warn("sweep: could not remove orphan identity",
					slog.String("userID", ident.ID),
					slog.String("error", err.Error()),
				)
			case ok:
				deleted.Add(1)
			}
			// Never fail the group; one bad identity must not stop the rest.
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Scanned: len(identities),
		Deleted: int(deleted.Load()),
		Failed:  int(failed.Load()),
	}
	r.logger.Info("sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", report.Failed),
	)
	return report, ctx.Err()
}

// reap deletes ident if it has no profile. It reports whether it deleted.
func (r *Reconciler) reap(ctx context.Context, ident model.Identity) (bool, error) {
	_, err := r.profiles.GetProfileByID(ctx, ident.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return false, err
	}

	// A role assignment without a profile is the residue of a failed
	// rollback; it goes with the identity.
	if err := r.profiles.DeleteRoleAssignment(ctx, ident.ID); err != nil {
		return false, err
	}
	if err := r.identities.DeleteIdentity(ctx, ident.ID); err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return false, err
	}

	r.logger.Info("sweep: removed orphan identity",
		slog.String("userID", ident.ID),
		slog.String("email", ident.Email),
		slog.Time("createdAt", ident.CreatedAt),
	)
	return true, nil
}

// Run sweeps every Interval until ctx is done. It returns nil on shutdown.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		r.logger.Info("sweep disabled")
		return nil
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
