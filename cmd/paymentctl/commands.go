package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/payment-gateway/internal/app"
	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the payments schema",
		Long: `Create or upgrade the payments schema in DATABASE_URL.

Migrations are idempotent; running them against an up-to-date database is a
no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			db, dialect, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db, dialect); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", dialect)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}

	validate := &cobra.Command{
		Use:   "validate [credentials-file]",
		Short: "Check that every configured provider has complete credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Load().CredentialsFile
			if len(args) == 1 {
				path = args[0]
			}
			store, err := config.LoadCredentials(path)
			if err != nil {
				return err
			}
			for _, p := range store.Providers() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", p)
			}
			return nil
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

func reconcileCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print what it did",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := app.New(ctx, config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.NewPoller().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"checked=%d resolved=%d timed_out=%d refunds=%d stale=%d contended=%d errors=%d\n",
				stats.Checked, stats.Resolved, stats.TimedOut, stats.Refunds, stats.Stale, stats.Contended, stats.Errors)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "abort the pass after this long")
	return cmd
}
