package store

import "context"

const upsertUsersBulk = `
INSERT INTO users (org_id, external_id, email, display_name, status, updated_at)
SELECT $1, t.external_id, t.email, t.display_name, t.status, now()
FROM unnest($2::text[], $3::text[], $4::text[], $5::text[])
    AS t(external_id, email, display_name, status)
ON CONFLICT (org_id, external_id) DO UPDATE SET
    email        = EXCLUDED.email,
    display_name = EXCLUDED.display_name,
    status       = EXCLUDED.status,
    updated_at   = now()
`

type UpsertUsersBulkParams struct {
	OrgID        int64
	ExternalIDs  []string
	Emails       []string
	DisplayNames []string
	Statuses     []string
}

func (s *Store) UpsertUsersBulk(ctx context.Context, arg UpsertUsersBulkParams) (int64, error) {
	tag, err := s.pool.Exec(ctx, upsertUsersBulk,
		arg.OrgID, arg.ExternalIDs, arg.Emails, arg.DisplayNames, arg.Statuses)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listUsersByOrg = `
SELECT id, org_id, external_id, email, display_name, status, created_at, updated_at
FROM users
WHERE org_id = $1
ORDER BY id
`

func (s *Store) ListUsersByOrg(ctx context.Context, orgID int64) ([]User, error) {
	rows, err := s.pool.Query(ctx, listUsersByOrg, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.ExternalID, &u.Email, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const deleteUsersBulk = `
DELETE FROM users WHERE org_id = $1 AND id = ANY($2::bigint[])
`

// DeleteUsersBulk removes user rows; their relationships go with them
// via the foreign key cascade.
func (s *Store) DeleteUsersBulk(ctx context.Context, orgID int64, ids []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteUsersBulk, orgID, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getUserByEmail = `
SELECT id, org_id, external_id, email, display_name, status, created_at, updated_at
FROM users
WHERE org_id = $1 AND lower(email) = lower($2)
`

func (s *Store) GetUserByEmail(ctx context.Context, orgID int64, email string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, getUserByEmail, orgID, email).
		Scan(&u.ID, &u.OrgID, &u.ExternalID, &u.Email, &u.DisplayName, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	return u, mapNoRows(err)
}
