package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/dedupe"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var dedupeOrgID int64

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Merge duplicate application rows for one organization.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDedupe()
	},
}

func init() {
	dedupeCmd.Flags().Int64Var(&dedupeOrgID, "org", 0, "organization id to deduplicate")
}

// orgDeduper builds a per-organization merger so the pass is labeled
// with the right provider and rescoring reuses the org's risk config.
type orgDeduper struct {
	st  *store.Store
	cfg config.Config
}

func (d *orgDeduper) Merge(ctx context.Context, orgID int64) (dedupe.Result, error) {
	org, err := d.st.GetOrganization(ctx, orgID)
	if err != nil {
		return dedupe.Result{}, err
	}
	m := &dedupe.Merger{
		Store:    d.st,
		Provider: org.Provider,
		Rescore: func(ctx context.Context, orgID int64) error {
			return reconcile.Rescore(ctx, d.st, orgID, org.Provider, d.cfg)
		},
	}
	return m.Merge(ctx, orgID)
}

func runDedupe() error {
	if dedupeOrgID == 0 {
		return errors.New("--org is required")
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
	deduper := &orgDeduper{st: st, cfg: cfg}

	res, err := deduper.Merge(ctx, dedupeOrgID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
