// Package credentials resolves provider secrets for an organization,
// either from the database or from Vault.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/grantwatch/grantwatch/internal/store"
)

// Credential carries everything a directory provider needs to
// authenticate for one organization.
type Credential struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Extra        map[string]string
}

// ExtraValue returns a named field from the provider-specific extras.
func (c Credential) ExtraValue(key string) string {
	return strings.TrimSpace(c.Extra[key])
}

// Source resolves the credential for an organization and provider.
type Source interface {
	Resolve(ctx context.Context, orgID int64, provider string) (Credential, error)
}

// StoreSource reads credentials from the provider_credentials table.
type StoreSource struct {
	Store *store.Store
}

func (s *StoreSource) Resolve(ctx context.Context, orgID int64, provider string) (Credential, error) {
	rec, err := s.Store.GetProviderCredential(ctx, orgID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Credential{}, fmt.Errorf("no %s credential configured for org %d: %w", provider, orgID, err)
		}
		return Credential{}, err
	}

	extra := map[string]string{}
	if len(rec.Extra) > 0 {
		if err := json.Unmarshal(rec.Extra, &extra); err != nil {
			return Credential{}, fmt.Errorf("decode credential extras for org %d: %w", orgID, err)
		}
	}

	return Credential{
		Provider:     rec.Provider,
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		RefreshToken: rec.RefreshToken,
		Extra:        extra,
	}, nil
}
