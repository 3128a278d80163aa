package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var orgsCmd = &cobra.Command{
	Use:   "orgs",
	Short: "Manage organizations.",
}

var (
	orgCreateName       string
	orgCreateProvider   string
	orgCreateExternalID string
)

var orgsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an organization for reconciliation.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(orgCreateName)
		if name == "" {
			return errors.New("--name is required")
		}
		provider := strings.ToLower(strings.TrimSpace(orgCreateProvider))
		switch provider {
		case directory.ProviderGoogle, directory.ProviderEntra, directory.ProviderOkta, directory.ProviderAWSIDC:
		default:
			return fmt.Errorf("unsupported provider %q", orgCreateProvider)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		st, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		org, err := st.CreateOrganization(ctx, name, provider, strings.TrimSpace(orgCreateExternalID))
		if err != nil {
			return err
		}
		cmd.Printf("created organization %d (%s, %s)\n", org.ID, org.Name, org.Provider)
		return nil
	},
}

var orgsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered organizations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		st, cleanup, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		orgs, err := st.ListOrganizations(ctx)
		if err != nil {
			return err
		}
		for _, org := range orgs {
			cmd.Printf("%d\t%s\t%s\t%s\n", org.ID, org.Name, org.Provider, org.ExternalID)
		}
		return nil
	},
}

func openStore(ctx context.Context) (*store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.New(pool), pool.Close, nil
}

func init() {
	orgsCmd.AddCommand(orgsCreateCmd, orgsListCmd)
	orgsCreateCmd.Flags().StringVar(&orgCreateName, "name", "", "Display name for the organization")
	orgsCreateCmd.Flags().StringVar(&orgCreateProvider, "provider", "", "Directory provider (google, entra, okta, awsidc)")
	orgsCreateCmd.Flags().StringVar(&orgCreateExternalID, "external-id", "", "Provider-side tenant or customer identifier")
	_ = orgsCreateCmd.MarkFlagRequired("name")
	_ = orgsCreateCmd.MarkFlagRequired("provider")
}
