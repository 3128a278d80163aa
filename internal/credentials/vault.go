package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultSource reads credentials from a Vault KV v2 mount. Secrets live
// at <mount>/orgs/<orgID>/<provider> with the same field names the
// database source uses; unknown fields become extras.
type VaultSource struct {
	client *vaultapi.Client
	mount  string
}

type VaultOptions struct {
	Address string
	Token   string
	Mount   string
}

func NewVaultSource(opts VaultOptions) (*VaultSource, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("vault token is required")
	}
	mount := strings.Trim(strings.TrimSpace(opts.Mount), "/")
	if mount == "" {
		mount = "secret"
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address
	cfg.HttpClient = &http.Client{Timeout: 120 * time.Second}

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	client.SetToken(token)

	return &VaultSource{client: client, mount: mount}, nil
}

func (s *VaultSource) Resolve(ctx context.Context, orgID int64, provider string) (Credential, error) {
	path := fmt.Sprintf("orgs/%d/%s", orgID, provider)
	secret, err := s.client.KVv2(s.mount).Get(ctx, path)
	if err != nil {
		return Credential{}, fmt.Errorf("vault read %s/%s: %w", s.mount, path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credential{}, fmt.Errorf("vault secret %s/%s is empty", s.mount, path)
	}

	cred := Credential{Provider: provider, Extra: map[string]string{}}
	for key, value := range secret.Data {
		str, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "client_id":
			cred.ClientID = str
		case "client_secret":
			cred.ClientSecret = str
		case "refresh_token":
			cred.RefreshToken = str
		default:
			cred.Extra[key] = str
		}
	}
	return cred, nil
}
