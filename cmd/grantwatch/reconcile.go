package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var (
	reconcileOrgID  int64
	reconcileDryRun bool
	reconcileAll    bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile one organization (or all) against its directory provider.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile()
	},
}

func init() {
	reconcileCmd.Flags().Int64Var(&reconcileOrgID, "org", 0, "organization id to reconcile")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "classify and report without writing")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "reconcile every organization")
}

func runReconcile() error {
	if reconcileAll == (reconcileOrgID != 0) {
		return errors.New("pass exactly one of --org or --all")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)
	creds, err := credentialSource(cfg, st)
	if err != nil {
		return err
	}
	runner := reconcile.NewRunner(st, creds, providerFactory(cfg), cfg)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if reconcileAll {
		reports, runErr := runner.RunAll(ctx)
		if err := enc.Encode(reports); err != nil {
			return err
		}
		return runErr
	}

	report, runErr := runner.RunOrg(ctx, reconcileOrgID, reconcileDryRun)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}
