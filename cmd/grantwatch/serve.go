package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/httpapi"
	"github.com/grantwatch/grantwatch/internal/metrics"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops API and the background reconciliation loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
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

	metrics.StartServer(ctx, cfg.MetricsAddr)

	runner := reconcile.NewRunner(st, creds, providerFactory(cfg), cfg)
	if cfg.ReconcileInterval > 0 {
		scheduler := reconcile.Scheduler{Runner: runner, Interval: cfg.ReconcileInterval}
		go scheduler.Run(ctx)
	}

	srv := httpapi.NewServer(st, runner, &orgDeduper{st: st, cfg: cfg})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", cfg.HTTPAddr)
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
