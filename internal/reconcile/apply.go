package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/grantwatch/grantwatch/internal/batch"
	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/grants"
	"github.com/grantwatch/grantwatch/internal/metrics"
	"github.com/grantwatch/grantwatch/internal/risk"
	"github.com/grantwatch/grantwatch/internal/store"
)

// Storage is the slice of the store the reconciler needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Storage interface {
	GetOrganization(ctx context.Context, id int64) (store.Organization, error)
	ListOrganizations(ctx context.Context) ([]store.Organization, error)

	ListUsersByOrg(ctx context.Context, orgID int64) ([]store.User, error)
	UpsertUsersBulk(ctx context.Context, arg store.UpsertUsersBulkParams) (int64, error)
	DeleteUsersBulk(ctx context.Context, orgID int64, ids []int64) (int64, error)

	ListApplicationsByOrg(ctx context.Context, orgID int64) ([]store.Application, error)
	UpsertApplicationsBulk(ctx context.Context, arg store.UpsertApplicationsBulkParams) (int64, error)
	DeleteApplication(ctx context.Context, id int64) error
	UpdateApplicationRisk(ctx context.Context, id int64, level string, score float64) error

	ListUserApplicationsByOrg(ctx context.Context, orgID int64) ([]store.UserApplication, error)
	UpsertUserApplicationsBulk(ctx context.Context, arg store.UpsertUserApplicationsBulkParams) (int64, error)
	MarkRelationshipsStaleBulk(ctx context.Context, ids []int64) (int64, error)
	MarkRelationshipsRemovedBulk(ctx context.Context, ids []int64) (int64, error)
	PurgeExpiredRelationships(ctx context.Context, orgID int64, grace time.Duration) (int64, error)
	CountRelationshipsByAppStatus(ctx context.Context, orgID int64) ([]store.AppStatusCount, error)
	CountAdminGrantsByApp(ctx context.Context, orgID int64) (map[int64]int64, error)

	CreateReconciliationRun(ctx context.Context, orgID int64, dryRun bool) (int64, string, error)
	FinishReconciliationRun(ctx context.Context, id int64, status string, stats []byte, errMsg string) error
	ListReconciliationRuns(ctx context.Context, orgID int64, limit int32) ([]store.ReconciliationRun, error)
}

// PersistenceError marks a failed batch write. The batch is abandoned
// and the pass continues; the error rides along on the result.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ApplyStats counts the mutations one apply pass actually issued.
type ApplyStats struct {
	UsersUpserted         int64
	AppsUpserted          int64
	RelationshipsUpserted int64
	MarkedStale           int64
	MarkedRemoved         int64
	Purged                int64
	UsersDeleted          int64
	AppsDeleted           int64
	Errors                []error
}

// Applier turns a Diff into batched store writes.
type Applier struct {
	store      Storage
	provider   string
	chunkSize  int
	chunkDelay time.Duration
	grace      time.Duration
	weights    config.RiskConfig
}

func NewApplier(st Storage, provider string, cfg config.Config) *Applier {
	return &Applier{
		store:      st,
		provider:   provider,
		chunkSize:  cfg.ChunkSize,
		chunkDelay: cfg.ChunkDelay,
		grace:      cfg.StaleGracePeriod,
		weights:    cfg.Risk,
	}
}

// Apply executes the mutation plan: users and applications first so
// relationship edges can resolve their IDs, then relationship upserts,
// stale and removed marks, the grace-period purge, user deletions,
// zero-grant application deletions, and finally a risk recompute over
// whatever survived. A failed batch is recorded and skipped; later
// steps that do not depend on it still run.
func (a *Applier) Apply(ctx context.Context, orgID int64, d Diff) (ApplyStats, error) {
	var stats ApplyStats

	fail := func(op string, err error) {
		stats.Errors = append(stats.Errors, &PersistenceError{Op: op, Err: err})
		slog.Error("batch mutation failed", "org_id", orgID, "op", op, "err", err)
	}

	usersOK := true
	for _, chunk := range batch.Chunks(d.Users, a.chunkSize) {
		params := store.UpsertUsersBulkParams{OrgID: orgID}
		for _, u := range chunk {
			params.ExternalIDs = append(params.ExternalIDs, u.ExternalID)
			params.Emails = append(params.Emails, u.Email)
			params.DisplayNames = append(params.DisplayNames, u.DisplayName)
			params.Statuses = append(params.Statuses, userStatus(u))
		}
		n, err := a.store.UpsertUsersBulk(ctx, params)
		if err != nil {
			usersOK = false
			fail("upsert users", err)
			continue
		}
		stats.UsersUpserted += n
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return stats, err
		}
	}

	for _, chunk := range batch.Chunks(d.Apps, a.chunkSize) {
		params := store.UpsertApplicationsBulkParams{OrgID: orgID}
		for _, app := range chunk {
			params.Names = append(params.Names, app.Name)
			params.NameKeys = append(params.NameKeys, app.Key)
			params.Domains = append(params.Domains, app.Domain)
			params.Scopes = append(params.Scopes, store.JoinScopes(app.Scopes))
			params.AIUsages = append(params.AIUsages, app.AIUsage)
		}
		n, err := a.store.UpsertApplicationsBulk(ctx, params)
		if err != nil {
			fail("upsert applications", err)
			continue
		}
		stats.AppsUpserted += n
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return stats, err
		}
	}

	if usersOK {
		if err := a.applyEdges(ctx, orgID, d, &stats); err != nil {
			return stats, err
		}
	}

	for _, chunk := range batch.Chunks(d.StaleIDs, a.chunkSize) {
		n, err := a.store.MarkRelationshipsStaleBulk(ctx, chunk)
		if err != nil {
			fail("mark stale", err)
			continue
		}
		stats.MarkedStale += n
		metrics.RelationshipTransitionsTotal.WithLabelValues(a.provider, "stale").Add(float64(n))
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return stats, err
		}
	}

	for _, chunk := range batch.Chunks(d.RemovedIDs, a.chunkSize) {
		n, err := a.store.MarkRelationshipsRemovedBulk(ctx, chunk)
		if err != nil {
			fail("mark removed", err)
			continue
		}
		stats.MarkedRemoved += n
		metrics.RelationshipTransitionsTotal.WithLabelValues(a.provider, "removed").Add(float64(n))
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return stats, err
		}
	}

	if n, err := a.store.PurgeExpiredRelationships(ctx, orgID, a.grace); err != nil {
		fail("purge relationships", err)
	} else {
		stats.Purged = n
	}

	for _, chunk := range batch.Chunks(d.RemovedUserIDs, a.chunkSize) {
		n, err := a.store.DeleteUsersBulk(ctx, orgID, chunk)
		if err != nil {
			fail("delete users", err)
			continue
		}
		stats.UsersDeleted += n
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return stats, err
		}
	}

	if n, err := a.removeEmptyApplications(ctx, orgID); err != nil {
		fail("delete applications", err)
	} else {
		stats.AppsDeleted = n
	}

	if err := a.rescoreApplications(ctx, orgID); err != nil {
		fail("recompute risk", err)
	}

	return stats, ctx.Err()
}

func (a *Applier) applyEdges(ctx context.Context, orgID int64, d Diff, stats *ApplyStats) error {
	users, err := a.store.ListUsersByOrg(ctx, orgID)
	if err != nil {
		stats.Errors = append(stats.Errors, &PersistenceError{Op: "resolve users", Err: err})
		return nil
	}
	apps, err := a.store.ListApplicationsByOrg(ctx, orgID)
	if err != nil {
		stats.Errors = append(stats.Errors, &PersistenceError{Op: "resolve applications", Err: err})
		return nil
	}

	userIDs := make(map[string]int64, len(users))
	for _, u := range users {
		userIDs[grants.NormalizeEmail(u.Email)] = u.ID
	}
	appIDs := make(map[string]int64, len(apps))
	for _, app := range apps {
		appIDs[app.NameKey] = app.ID
	}

	edges := make([]Edge, 0, len(d.Active)+len(d.New))
	edges = append(edges, d.Active...)
	edges = append(edges, d.New...)

	for _, chunk := range batch.Chunks(edges, a.chunkSize) {
		params := store.UpsertUserApplicationsBulkParams{OrgID: orgID}
		for _, e := range chunk {
			userID, ok := userIDs[e.Email]
			if !ok {
				continue
			}
			appID, ok := appIDs[e.AppKey]
			if !ok {
				continue
			}
			params.UserIDs = append(params.UserIDs, userID)
			params.AppIDs = append(params.AppIDs, appID)
			params.Scopes = append(params.Scopes, store.JoinScopes(e.Scopes))
			params.Sources = append(params.Sources, e.Source)
			params.IsAdmins = append(params.IsAdmins, e.IsAdmin)
		}
		if len(params.UserIDs) == 0 {
			continue
		}
		n, err := a.store.UpsertUserApplicationsBulk(ctx, params)
		if err != nil {
			stats.Errors = append(stats.Errors, &PersistenceError{Op: "upsert relationships", Err: err})
			continue
		}
		stats.RelationshipsUpserted += n
		if err := batch.SleepWithContext(ctx, a.chunkDelay); err != nil {
			return err
		}
	}
	return nil
}

// removeEmptyApplications drops applications left without a single
// relationship after the purge.
func (a *Applier) removeEmptyApplications(ctx context.Context, orgID int64) (int64, error) {
	counts, err := a.store.CountRelationshipsByAppStatus(ctx, orgID)
	if err != nil {
		return 0, err
	}
	populated := make(map[int64]bool, len(counts))
	for _, c := range counts {
		if c.Count > 0 {
			populated[c.AppID] = true
		}
	}

	apps, err := a.store.ListApplicationsByOrg(ctx, orgID)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, app := range apps {
		if populated[app.ID] {
			continue
		}
		if err := a.store.DeleteApplication(ctx, app.ID); err != nil {
			return deleted, err
		}
		deleted++
		metrics.RelationshipTransitionsTotal.WithLabelValues(a.provider, "app_removed").Inc()
	}
	return deleted, nil
}

// Rescore recomputes risk fields for an organization outside of a
// reconciliation pass, e.g. after a deduplication merge.
func Rescore(ctx context.Context, st Storage, orgID int64, provider string, cfg config.Config) error {
	return NewApplier(st, provider, cfg).rescoreApplications(ctx, orgID)
}

// rescoreApplications recomputes the derived risk fields for every
// surviving application so they never drift from the relationship set.
func (a *Applier) rescoreApplications(ctx context.Context, orgID int64) error {
	start := time.Now()
	defer func() {
		metrics.RiskScoreDuration.WithLabelValues(a.provider).Observe(time.Since(start).Seconds())
	}()

	apps, err := a.store.ListApplicationsByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	counts, err := a.store.CountRelationshipsByAppStatus(ctx, orgID)
	if err != nil {
		return err
	}
	adminCounts, err := a.store.CountAdminGrantsByApp(ctx, orgID)
	if err != nil {
		return err
	}

	active := make(map[int64]int64, len(apps))
	stale := make(map[int64]int64, len(apps))
	for _, c := range counts {
		switch c.Status {
		case store.RelationshipActive:
			active[c.AppID] += c.Count
		case store.RelationshipStale:
			stale[c.AppID] += c.Count
		}
	}

	levels := make(map[string]int, 3)
	for _, app := range apps {
		level, _ := risk.ComputeLevel(app.Scopes)
		categories := deriveCategories(level, active[app.ID], stale[app.ID], adminCounts[app.ID], app.Sanctioned)
		score := risk.ComputeComposite(categories, app.AIUsage, level, a.weights)
		if level != app.RiskLevel || score != app.RiskScore {
			if err := a.store.UpdateApplicationRisk(ctx, app.ID, level, score); err != nil {
				return err
			}
		}
		if level == risk.LevelHigh {
			slog.Warn("high risk application",
				"org_id", orgID,
				"app", app.Name,
				"score", score,
				"blast_radius", risk.BlastRadius(int(active[app.ID]), score),
			)
		}
		levels[level]++
	}

	for _, level := range []string{risk.LevelLow, risk.LevelMedium, risk.LevelHigh} {
		metrics.RiskLevelsTotal.WithLabelValues(a.provider, level).Set(float64(levels[level]))
	}
	return nil
}

// deriveCategories turns observed relationship facts into the five
// rubric averages the composite scorer consumes, each on a 0-5 scale.
func deriveCategories(level string, activeCount, staleCount, adminCount int64, sanctioned bool) risk.CategoryScores {
	var c risk.CategoryScores

	switch level {
	case risk.LevelHigh:
		c.Scope = 5
	case risk.LevelMedium:
		c.Scope = 3
	default:
		c.Scope = 1
	}

	switch {
	case activeCount >= 100:
		c.UserCount = 5
	case activeCount >= 50:
		c.UserCount = 4
	case activeCount >= 20:
		c.UserCount = 3
	case activeCount >= 5:
		c.UserCount = 2
	case activeCount >= 1:
		c.UserCount = 1
	}

	switch {
	case adminCount >= 5:
		c.AdminGrants = 5
	case adminCount >= 1:
		c.AdminGrants = 3
	}

	if total := activeCount + staleCount; total > 0 {
		c.StaleRatio = 5 * float64(staleCount) / float64(total)
	}

	if !sanctioned {
		c.Unsanctioned = 5
	}

	return c
}

func userStatus(u directory.User) string {
	switch {
	case u.Archived:
		return store.UserStatusArchived
	case u.Suspended:
		return store.UserStatusSuspended
	default:
		return store.UserStatusActive
	}
}
