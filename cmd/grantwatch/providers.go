package main

import (
	"context"
	"fmt"
	"time"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/credentials"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/directory/awsidc"
	"github.com/grantwatch/grantwatch/internal/directory/entra"
	"github.com/grantwatch/grantwatch/internal/directory/google"
	"github.com/grantwatch/grantwatch/internal/directory/okta"
	"github.com/grantwatch/grantwatch/internal/reconcile"
	"github.com/grantwatch/grantwatch/internal/store"
)

const credentialCacheTTL = 5 * time.Minute

// credentialSource prefers Vault when it is configured and falls back
// to the provider_credentials table. Resolved credentials are cached
// briefly so a scheduler pass resolves each organization once.
func credentialSource(cfg config.Config, st *store.Store) (credentials.Source, error) {
	if cfg.VaultAddr != "" {
		src, err := credentials.NewVaultSource(credentials.VaultOptions{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultMount,
		})
		if err != nil {
			return nil, err
		}
		return credentials.NewCachedSource(src, credentialCacheTTL), nil
	}
	return credentials.NewCachedSource(&credentials.StoreSource{Store: st}, credentialCacheTTL), nil
}

// providerFactory maps stored credentials onto the matching directory
// provider. Google carries its service account JSON in client_secret;
// the remaining provider-specific fields live in the credential extras.
// Okta and AWS pacing is delegated to their SDKs' rate-limit handling.
func providerFactory(cfg config.Config) reconcile.ProviderFactory {
	return func(ctx context.Context, org store.Organization, cred credentials.Credential) (directory.Provider, error) {
		switch org.Provider {
		case directory.ProviderGoogle:
			return google.New(google.Config{
				CustomerID:          cred.ExtraValue("customer_id"),
				ServiceAccountJSON:  cred.ClientSecret,
				DelegatedAdminEmail: cred.ExtraValue("delegated_admin"),
				PageDelay:           cfg.PageDelay,
				GroupWorkers:        cfg.GroupWorkers,
			})
		case directory.ProviderEntra:
			return entra.New(entra.Config{
				TenantID:     cred.ExtraValue("tenant_id"),
				ClientID:     cred.ClientID,
				ClientSecret: cred.ClientSecret,
				PageDelay:    cfg.PageDelay,
				GroupWorkers: cfg.GroupWorkers,
			})
		case directory.ProviderOkta:
			return okta.New(okta.Config{
				BaseURL: cred.ExtraValue("base_url"),
				Token:   cred.ClientSecret,
			})
		case directory.ProviderAWSIDC:
			return awsidc.New(ctx, awsidc.Config{
				Region:          cred.ExtraValue("region"),
				InstanceArn:     cred.ExtraValue("instance_arn"),
				IdentityStoreID: cred.ExtraValue("identity_store_id"),
				AccessKeyID:     cred.ClientID,
				SecretAccessKey: cred.ClientSecret,
				SessionToken:    cred.ExtraValue("session_token"),
			})
		default:
			return nil, fmt.Errorf("organization %d has unsupported provider %q", org.ID, org.Provider)
		}
	}
}
