// Command grants manages approval grants and runs the orphan sweep from a
// shell, against the same stores the server is configured with.
//
//	grants add --email ed@example.com --role editor
//	grants list
//	grants revoke --id <grant id>
//	grants sweep
//
// The first admin account can only be bootstrapped this way.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/config"
	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/server"
	"github.com/sakif/marketplace-auth/internal/service"
)

// app is what every subcommand needs. withStores opens it around each
// RunE, so help and completion work without any configuration.
type app struct {
	logger  *slog.Logger
	stores  *server.Stores
	grants  *service.GrantService
	sweeper *service.Reconciler
	out     io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout}

	root := &cobra.Command{
		Use:          "grants",
		Short:        "Manage approval grants for privileged roles",
		SilenceUsage: true,
	}

	root.AddCommand(a.addCmd(), a.listCmd(), a.revokeCmd(), a.sweepCmd())
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))

	tokens, err := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.SessionTTL)
	if err != nil {
		return err
	}
	a.stores, err = server.OpenStores(ctx, cfg, server.StoreOptions{Tokens: tokens, Logger: a.logger})
	if err != nil {
		return err
	}

	a.grants = service.NewGrantService(a.stores.Profiles, a.logger)
	a.sweeper = service.NewReconciler(a.stores.Identities, a.stores.Profiles, service.ReconcilerConfig{
		MaxAge: cfg.Sweep.MaxAge,
	}, a.logger)
	return nil
}

// withStores opens the stores, runs fn, and closes them again.
func (a *app) withStores(fn func(cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := a.open(cmd.Context()); err != nil {
			return err
		}
		defer a.stores.Close()
		return fn(cmd)
	}
}

func (a *app) addCmd() *cobra.Command {
	var email, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Allow an email to register as admin or editor",
		RunE: a.withStores(func(cmd *cobra.Command) error {
			g, err := a.grants.Create(cmd.Context(), email, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "granted %s to %s (id %s)\n", g.Role, g.Email, g.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "email address allowed to register")
	cmd.Flags().StringVar(&role, "role", string(model.RoleEditor), "admin or editor")
	cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List approval grants, newest first",
		RunE: a.withStores(func(cmd *cobra.Command) error {
			grants, err := a.grants.List(cmd.Context())
			if err != nil {
				return err
			}
			printGrants(a.out, grants)
			return nil
		}),
	}
}

func (a *app) revokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Delete an approval grant",
		RunE: a.withStores(func(cmd *cobra.Command) error {
			if err := a.grants.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "revoked %s\n", id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&id, "id", "", "grant id, as shown by list")
	cmd.MarkFlagRequired("id")
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete unconfirmed identities that never got a profile",
		RunE: a.withStores(func(cmd *cobra.Command) error {
			report, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "scanned %d, deleted %d, failed %d\n", report.Scanned, report.Deleted, report.Failed)
			return nil
		}),
	}
}

func printGrants(w io.Writer, grants []model.ApprovalGrant) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tSTATUS\tCREATED")
	for _, g := range grants {
		status := "open"
		if g.Consumed {
			status = "used"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.ID, g.Email, g.Role, status, g.CreatedAt.Format(time.DateTime))
	}
	tw.Flush()
}
