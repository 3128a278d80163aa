package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/metrics"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background reconciliation loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be > 0 to run the worker")
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

	metrics.StartServer(ctx, cfg.MetricsAddr)

	runner := reconcile.NewRunner(st, creds, providerFactory(cfg), cfg)

	slog.Info("reconcile worker started", "interval", cfg.ReconcileInterval)
	scheduler := reconcile.Scheduler{Runner: runner, Interval: cfg.ReconcileInterval}
	scheduler.Run(ctx)
	return nil
}
