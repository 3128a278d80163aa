package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Upserts refresh provider-observed fields only. Operator annotations
// (owner, notes, sanctioned) survive every sync.
const upsertApplicationsBulk = `
INSERT INTO applications (org_id, name, name_key, domain, scopes, ai_usage, last_seen)
SELECT $1, t.name, t.name_key, t.domain,
       CASE WHEN t.scopes = '' THEN '{}'::text[] ELSE string_to_array(t.scopes, chr(30)) END,
       t.ai_usage, now()
FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
    AS t(name, name_key, domain, scopes, ai_usage)
ON CONFLICT (org_id, name_key) DO UPDATE SET
    name      = EXCLUDED.name,
    domain    = EXCLUDED.domain,
    scopes    = EXCLUDED.scopes,
    ai_usage  = EXCLUDED.ai_usage,
    last_seen = now()
`

type UpsertApplicationsBulkParams struct {
	OrgID    int64
	Names    []string
	NameKeys []string
	Domains  []string
	Scopes   []string // record-separator joined scope lists, one per app
	AIUsages []string
}

func (s *Store) UpsertApplicationsBulk(ctx context.Context, arg UpsertApplicationsBulkParams) (int64, error) {
	tag, err := s.pool.Exec(ctx, upsertApplicationsBulk,
		arg.OrgID, arg.Names, arg.NameKeys, arg.Domains, arg.Scopes, arg.AIUsages)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listApplicationsByOrg = `
SELECT id, org_id, name, name_key, domain, scopes, ai_usage, sanctioned,
       risk_level, risk_score, owner, notes, first_seen, last_seen
FROM applications
WHERE org_id = $1
ORDER BY id
`

func (s *Store) ListApplicationsByOrg(ctx context.Context, orgID int64) ([]Application, error) {
	rows, err := s.pool.Query(ctx, listApplicationsByOrg, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Name, &a.NameKey, &a.Domain, &a.Scopes,
			&a.AIUsage, &a.Sanctioned, &a.RiskLevel, &a.RiskScore, &a.Owner, &a.Notes,
			&a.FirstSeen, &a.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const getApplication = `
SELECT id, org_id, name, name_key, domain, scopes, ai_usage, sanctioned,
       risk_level, risk_score, owner, notes, first_seen, last_seen
FROM applications
WHERE id = $1
`

func (s *Store) GetApplication(ctx context.Context, id int64) (Application, error) {
	var a Application
	err := s.pool.QueryRow(ctx, getApplication, id).
		Scan(&a.ID, &a.OrgID, &a.Name, &a.NameKey, &a.Domain, &a.Scopes,
			&a.AIUsage, &a.Sanctioned, &a.RiskLevel, &a.RiskScore, &a.Owner, &a.Notes,
			&a.FirstSeen, &a.LastSeen)
	return a, mapNoRows(err)
}

const updateApplicationRisk = `
UPDATE applications SET risk_level = $2, risk_score = $3 WHERE id = $1
`

func (s *Store) UpdateApplicationRisk(ctx context.Context, id int64, level string, score float64) error {
	_, err := s.pool.Exec(ctx, updateApplicationRisk, id, level, score)
	return err
}

const updateApplicationAnnotations = `
UPDATE applications SET sanctioned = $2, owner = $3, notes = $4 WHERE id = $1
`

func (s *Store) UpdateApplicationAnnotations(ctx context.Context, id int64, sanctioned bool, owner, notes string) error {
	_, err := s.pool.Exec(ctx, updateApplicationAnnotations, id, sanctioned, owner, notes)
	return err
}

// MergeApplications re-points relationships from the duplicate onto the
// primary and deletes the duplicate, in one transaction. When a user
// holds a relationship on both rows the pair collapses into the
// primary's row with the scope sets unioned.
const mergeConflictingRelationships = `
UPDATE user_applications p
SET scopes   = ARRAY(SELECT DISTINCT s FROM unnest(p.scopes || d.scopes) AS s ORDER BY s),
    is_admin = p.is_admin OR d.is_admin
FROM user_applications d
WHERE p.app_id = $1 AND d.app_id = $2 AND d.user_id = p.user_id
`

const mergeRepointRelationships = `
UPDATE user_applications dup
SET app_id = $1
WHERE dup.app_id = $2
  AND NOT EXISTS (
      SELECT 1 FROM user_applications p
      WHERE p.app_id = $1 AND p.user_id = dup.user_id
  )
`

const mergeUpdatePrimary = `
UPDATE applications SET
    scopes     = $2,
    ai_usage   = $3,
    sanctioned = $4,
    first_seen = LEAST(first_seen, $5),
    last_seen  = GREATEST(last_seen, $6)
WHERE id = $1
`

func (s *Store) MergeApplications(ctx context.Context, primary, duplicate Application, mergedScopes []string, aiUsage string, sanctioned bool) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mergeConflictingRelationships, primary.ID, duplicate.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, mergeRepointRelationships, primary.ID, duplicate.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_applications WHERE app_id = $1`, duplicate.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, mergeUpdatePrimary, primary.ID,
			mergedScopes, aiUsage, sanctioned, duplicate.FirstSeen, duplicate.LastSeen); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM applications WHERE id = $1`, duplicate.ID); err != nil {
			return err
		}
		return nil
	})
}

const deleteApplication = `
DELETE FROM applications WHERE id = $1
`

func (s *Store) DeleteApplication(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, deleteApplication, id)
	return err
}
