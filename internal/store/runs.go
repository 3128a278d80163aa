package store

import (
	"context"

	"github.com/google/uuid"
)

const createReconciliationRun = `
INSERT INTO reconciliation_runs (run_uuid, org_id, dry_run)
VALUES ($1, $2, $3)
RETURNING id
`

func (s *Store) CreateReconciliationRun(ctx context.Context, orgID int64, dryRun bool) (int64, string, error) {
	runUUID := uuid.NewString()
	var id int64
	err := s.pool.QueryRow(ctx, createReconciliationRun, runUUID, orgID, dryRun).Scan(&id)
	return id, runUUID, err
}

const finishReconciliationRun = `
UPDATE reconciliation_runs
SET status = $2, stats = $3, error = $4, finished_at = now()
WHERE id = $1
`

func (s *Store) FinishReconciliationRun(ctx context.Context, id int64, status string, stats []byte, errMsg string) error {
	if len(stats) == 0 {
		stats = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, finishReconciliationRun, id, status, stats, errMsg)
	return err
}

const listReconciliationRuns = `
SELECT id, run_uuid, org_id, status, dry_run, stats, error, started_at, finished_at
FROM reconciliation_runs
WHERE org_id = $1
ORDER BY started_at DESC
LIMIT $2
`

func (s *Store) ListReconciliationRuns(ctx context.Context, orgID int64, limit int32) ([]ReconciliationRun, error) {
	rows, err := s.pool.Query(ctx, listReconciliationRuns, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconciliationRun
	for rows.Next() {
		var r ReconciliationRun
		if err := rows.Scan(&r.ID, &r.RunUUID, &r.OrgID, &r.Status, &r.DryRun,
			&r.Stats, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
