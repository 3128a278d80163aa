package store

import (
	"context"
	"time"
)

const upsertUserApplicationsBulk = `
INSERT INTO user_applications (org_id, user_id, app_id, scopes, source, is_admin, status, last_seen)
SELECT $1, t.user_id, t.app_id,
       CASE WHEN t.scopes = '' THEN '{}'::text[] ELSE string_to_array(t.scopes, chr(30)) END,
       t.source, t.is_admin, 'ACTIVE', now()
FROM unnest($2::bigint[], $3::bigint[], $4::text[], $5::text[], $6::boolean[])
    AS t(user_id, app_id, scopes, source, is_admin)
ON CONFLICT (user_id, app_id) DO UPDATE SET
    scopes      = EXCLUDED.scopes,
    source      = EXCLUDED.source,
    is_admin    = EXCLUDED.is_admin,
    status      = 'ACTIVE',
    stale_since = NULL,
    last_seen   = now()
`

type UpsertUserApplicationsBulkParams struct {
	OrgID    int64
	UserIDs  []int64
	AppIDs   []int64
	Scopes   []string // record-separator joined scope lists, one per grant
	Sources  []string
	IsAdmins []bool
}

func (s *Store) UpsertUserApplicationsBulk(ctx context.Context, arg UpsertUserApplicationsBulkParams) (int64, error) {
	tag, err := s.pool.Exec(ctx, upsertUserApplicationsBulk,
		arg.OrgID, arg.UserIDs, arg.AppIDs, arg.Scopes, arg.Sources, arg.IsAdmins)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listUserApplicationsByOrg = `
SELECT id, org_id, user_id, app_id, scopes, source, status, is_admin, first_seen, last_seen, stale_since
FROM user_applications
WHERE org_id = $1
ORDER BY id
`

func (s *Store) ListUserApplicationsByOrg(ctx context.Context, orgID int64) ([]UserApplication, error) {
	rows, err := s.pool.Query(ctx, listUserApplicationsByOrg, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserApplication
	for rows.Next() {
		var r UserApplication
		if err := rows.Scan(&r.ID, &r.OrgID, &r.UserID, &r.AppID, &r.Scopes, &r.Source,
			&r.Status, &r.IsAdmin, &r.FirstSeen, &r.LastSeen, &r.StaleSince); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const markRelationshipsStaleBulk = `
UPDATE user_applications
SET status = 'STALE', stale_since = now()
WHERE id = ANY($1::bigint[]) AND status = 'ACTIVE'
`

func (s *Store) MarkRelationshipsStaleBulk(ctx context.Context, ids []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, markRelationshipsStaleBulk, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const markRelationshipsRemovedBulk = `
UPDATE user_applications
SET status = 'REMOVED', stale_since = COALESCE(stale_since, now())
WHERE id = ANY($1::bigint[]) AND status IN ('ACTIVE', 'STALE')
`

func (s *Store) MarkRelationshipsRemovedBulk(ctx context.Context, ids []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, markRelationshipsRemovedBulk, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteExpiredRelationships = `
DELETE FROM user_applications
WHERE org_id = $1
  AND (status = 'REMOVED'
       OR (status = 'STALE'
           AND stale_since IS NOT NULL
           AND stale_since <= now() - make_interval(secs => $2)))
`

// PurgeExpiredRelationships drops REMOVED rows unconditionally and
// STALE rows whose grace period has elapsed, measured against the
// database clock. The grace period only shields suspended and archived
// users' grants; a grant revoked upstream is gone on the next pass.
func (s *Store) PurgeExpiredRelationships(ctx context.Context, orgID int64, grace time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredRelationships, orgID, grace.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const countRelationshipsByAppStatus = `
SELECT app_id, status, count(*)
FROM user_applications
WHERE org_id = $1
GROUP BY app_id, status
`

type AppStatusCount struct {
	AppID  int64
	Status string
	Count  int64
}

func (s *Store) CountRelationshipsByAppStatus(ctx context.Context, orgID int64) ([]AppStatusCount, error) {
	rows, err := s.pool.Query(ctx, countRelationshipsByAppStatus, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppStatusCount
	for rows.Next() {
		var c AppStatusCount
		if err := rows.Scan(&c.AppID, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const countAdminGrantsByApp = `
SELECT app_id, count(*)
FROM user_applications
WHERE org_id = $1 AND is_admin AND status <> 'REMOVED'
GROUP BY app_id
`

func (s *Store) CountAdminGrantsByApp(ctx context.Context, orgID int64) (map[int64]int64, error) {
	rows, err := s.pool.Query(ctx, countAdminGrantsByApp, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var appID, n int64
		if err := rows.Scan(&appID, &n); err != nil {
			return nil, err
		}
		out[appID] = n
	}
	return out, rows.Err()
}
