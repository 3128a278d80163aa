package store

import "context"

const upsertProviderCredential = `
INSERT INTO provider_credentials (org_id, provider, client_id, client_secret, refresh_token, extra, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (org_id, provider) DO UPDATE SET
    client_id     = EXCLUDED.client_id,
    client_secret = EXCLUDED.client_secret,
    refresh_token = EXCLUDED.refresh_token,
    extra         = EXCLUDED.extra,
    updated_at    = now()
`

type UpsertProviderCredentialParams struct {
	OrgID        int64
	Provider     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Extra        []byte
}

func (s *Store) UpsertProviderCredential(ctx context.Context, arg UpsertProviderCredentialParams) error {
	extra := arg.Extra
	if len(extra) == 0 {
		extra = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, upsertProviderCredential,
		arg.OrgID, arg.Provider, arg.ClientID, arg.ClientSecret, arg.RefreshToken, extra)
	return err
}

const getProviderCredential = `
SELECT id, org_id, provider, client_id, client_secret, refresh_token, extra, updated_at
FROM provider_credentials
WHERE org_id = $1 AND provider = $2
`

func (s *Store) GetProviderCredential(ctx context.Context, orgID int64, provider string) (ProviderCredential, error) {
	var c ProviderCredential
	err := s.pool.QueryRow(ctx, getProviderCredential, orgID, provider).
		Scan(&c.ID, &c.OrgID, &c.Provider, &c.ClientID, &c.ClientSecret, &c.RefreshToken, &c.Extra, &c.UpdatedAt)
	return c, mapNoRows(err)
}
