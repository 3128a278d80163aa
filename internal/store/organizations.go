package store

import "context"

const createOrganization = `
INSERT INTO organizations (name, provider, external_id)
VALUES ($1, $2, $3)
ON CONFLICT (provider, external_id) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, provider, external_id, created_at
`

func (s *Store) CreateOrganization(ctx context.Context, name, provider, externalID string) (Organization, error) {
	var o Organization
	err := s.pool.QueryRow(ctx, createOrganization, name, provider, externalID).
		Scan(&o.ID, &o.Name, &o.Provider, &o.ExternalID, &o.CreatedAt)
	return o, err
}

const getOrganization = `
SELECT id, name, provider, external_id, created_at
FROM organizations
WHERE id = $1
`

func (s *Store) GetOrganization(ctx context.Context, id int64) (Organization, error) {
	var o Organization
	err := s.pool.QueryRow(ctx, getOrganization, id).
		Scan(&o.ID, &o.Name, &o.Provider, &o.ExternalID, &o.CreatedAt)
	return o, mapNoRows(err)
}

const listOrganizations = `
SELECT id, name, provider, external_id, created_at
FROM organizations
ORDER BY id
`

func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, listOrganizations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Provider, &o.ExternalID, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
