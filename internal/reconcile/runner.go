package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/grantwatch/grantwatch/internal/batch"
	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/credentials"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/grants"
	"github.com/grantwatch/grantwatch/internal/metrics"
	"github.com/grantwatch/grantwatch/internal/store"
)

// ProviderFactory builds the directory provider for one organization
// from its resolved credentials.
type ProviderFactory func(ctx context.Context, org store.Organization, cred credentials.Credential) (directory.Provider, error)

// ReportDetails carries the human-readable change lists.
type ReportDetails struct {
	RemovedUserEmails   []string `json:"removedUserEmails,omitempty"`
	SuspendedUserEmails []string `json:"suspendedUserEmails,omitempty"`
	ArchivedUserEmails  []string `json:"archivedUserEmails,omitempty"`
	RemovedApplications []string `json:"removedApplications,omitempty"`
	OverbroadApps       []string `json:"overbroadApps,omitempty"`
	PersistenceErrors   []string `json:"persistenceErrors,omitempty"`
}

// Report is the structured outcome of one organization pass. Callers
// can tell "nothing to do" (Success, all counts zero) from "failed"
// (Error set) from "succeeded with N changes".
type Report struct {
	OrgID    int64  `json:"orgId"`
	Provider string `json:"provider"`
	DryRun   bool   `json:"dryRun"`
	Success  bool   `json:"success"`

	RemovedUsers         int `json:"removedUsers"`
	RemovedRelationships int `json:"removedRelationships"`
	RemovedApplications  int `json:"removedApplications"`
	SuspendedUsers       int `json:"suspendedUsers"`
	ArchivedUsers        int `json:"archivedUsers"`
	HardDeletedUsers     int `json:"hardDeletedUsers"`
	NewRelationships     int `json:"newRelationships"`

	Details ReportDetails `json:"details"`
	Error   string        `json:"error,omitempty"`
}

// Runner reconciles organizations one at a time. A fixed delay sits
// between organizations; transient provider failures earn a bounded
// number of extra attempts; one organization's failure never blocks
// the next.
type Runner struct {
	store     Storage
	creds     credentials.Source
	providers ProviderFactory
	cfg       config.Config
}

func NewRunner(st Storage, creds credentials.Source, providers ProviderFactory, cfg config.Config) *Runner {
	return &Runner{store: st, creds: creds, providers: providers, cfg: cfg}
}

// RunAll reconciles every organization sequentially. The returned
// error joins per-organization failures; the reports cover every
// organization regardless.
func (r *Runner) RunAll(ctx context.Context) ([]Report, error) {
	orgs, err := r.store.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}

	var (
		reports []Report
		errs    []error
	)
	for i, org := range orgs {
		if i > 0 {
			if err := batch.SleepWithContext(ctx, r.cfg.OrgDelay); err != nil {
				return reports, err
			}
		}
		report, err := r.RunOrg(ctx, org.ID, false)
		reports = append(reports, report)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("org %d: %w", org.ID, err))
		}
	}
	return reports, errors.Join(errs...)
}

// RunOnce satisfies the scheduler contract.
func (r *Runner) RunOnce(ctx context.Context) error {
	_, err := r.RunAll(ctx)
	return err
}

// RunOrg reconciles one organization. With dryRun the classification
// is computed and reported but no table mutation is issued.
func (r *Runner) RunOrg(ctx context.Context, orgID int64, dryRun bool) (Report, error) {
	org, err := r.store.GetOrganization(ctx, orgID)
	if err != nil {
		return Report{OrgID: orgID, DryRun: dryRun, Error: err.Error()}, err
	}

	report := Report{OrgID: org.ID, Provider: org.Provider, DryRun: dryRun}
	start := time.Now()

	runID, _, err := r.store.CreateReconciliationRun(ctx, org.ID, dryRun)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	runErr := r.runWithRetry(ctx, org, dryRun, &report)

	duration := time.Since(start).Seconds()
	metrics.ReconcileDuration.WithLabelValues(org.Provider).Observe(duration)

	status := store.RunStatusSuccess
	errMsg := ""
	if runErr != nil {
		status = store.RunStatusFailed
		errMsg = runErr.Error()
		report.Error = errMsg
		metrics.ReconcileRunsTotal.WithLabelValues(org.Provider, "failure").Inc()
	} else {
		report.Success = true
		metrics.ReconcileRunsTotal.WithLabelValues(org.Provider, "success").Inc()
		metrics.ReconcileLastSuccessTimestamp.WithLabelValues(org.Provider).Set(float64(time.Now().Unix()))
	}

	stats, marshalErr := json.Marshal(report)
	if marshalErr != nil {
		stats = []byte("{}")
	}
	if err := r.store.FinishReconciliationRun(ctx, runID, status, stats, errMsg); err != nil {
		slog.Error("failed to finalize reconciliation run", "org_id", org.ID, "run_id", runID, "err", err)
	}

	return report, runErr
}

func (r *Runner) runWithRetry(ctx context.Context, org store.Organization, dryRun bool, report *Report) error {
	attempts := r.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var runErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 1 {
			slog.Warn("retrying organization reconciliation",
				"org_id", org.ID,
				"provider", org.Provider,
				"attempt", attempt,
				"max_attempts", attempts,
				"err", runErr,
			)
			if err := batch.SleepWithContext(ctx, r.cfg.RetryDelay); err != nil {
				return errors.Join(runErr, err)
			}
		}

		runErr = r.runOrgOnce(ctx, org, dryRun, report)
		if runErr == nil {
			return nil
		}
		if directory.IsCredential(runErr) || errors.Is(runErr, context.Canceled) {
			return runErr
		}
	}
	return runErr
}

func (r *Runner) runOrgOnce(ctx context.Context, org store.Organization, dryRun bool, report *Report) error {
	cred, err := r.creds.Resolve(ctx, org.ID, org.Provider)
	if err != nil {
		return &directory.CredentialError{Provider: org.Provider, Err: err}
	}
	provider, err := r.providers(ctx, org, cred)
	if err != nil {
		return &directory.CredentialError{Provider: org.Provider, Err: err}
	}

	snap, err := provider.Fetch(ctx)
	if err != nil {
		return err
	}
	fresh := grants.Normalize(snap)
	report.Details.OverbroadApps = overbroadApps(snap, fresh, r.cfg.OverbroadRatio)

	metrics.DirectoryResourcesTotal.WithLabelValues(org.Provider, "users").Set(float64(len(snap.Users)))
	metrics.DirectoryResourcesTotal.WithLabelValues(org.Provider, "groups").Set(float64(len(snap.Groups)))
	metrics.DirectoryResourcesTotal.WithLabelValues(org.Provider, "grants").Set(float64(len(snap.Grants)))

	persisted, err := r.loadPersisted(ctx, org.ID)
	if err != nil {
		return err
	}

	diff := Classify(persisted, snap, fresh)
	fillReport(report, diff)

	if dryRun {
		return nil
	}

	applier := NewApplier(r.store, org.Provider, r.cfg)
	stats, err := applier.Apply(ctx, org.ID, diff)
	if err != nil {
		return err
	}

	report.RemovedRelationships = int(stats.Purged)
	report.RemovedApplications = int(stats.AppsDeleted)
	report.RemovedUsers = int(stats.UsersDeleted)
	for _, e := range stats.Errors {
		report.Details.PersistenceErrors = append(report.Details.PersistenceErrors, e.Error())
	}
	if len(stats.Errors) > 0 {
		return errors.Join(stats.Errors...)
	}
	return nil
}

// overbroadApps names the applications granted to at least ratio of
// the active directory, sorted for stable reports.
func overbroadApps(snap *directory.Snapshot, fresh grants.GrantMap, ratio float64) []string {
	active := 0
	for _, u := range snap.Users {
		if !u.Disabled() {
			active++
		}
	}
	var names []string
	for _, app := range fresh {
		if grants.Overbroad(app, active, ratio) {
			names = append(names, app.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Runner) loadPersisted(ctx context.Context, orgID int64) (Persisted, error) {
	var p Persisted
	var err error
	if p.Users, err = r.store.ListUsersByOrg(ctx, orgID); err != nil {
		return p, err
	}
	if p.Applications, err = r.store.ListApplicationsByOrg(ctx, orgID); err != nil {
		return p, err
	}
	if p.Relationships, err = r.store.ListUserApplicationsByOrg(ctx, orgID); err != nil {
		return p, err
	}
	return p, nil
}

// fillReport projects the classification onto the report. Apply
// overwrites the mutation counts with what actually happened; dry runs
// keep the projection.
func fillReport(report *Report, d Diff) {
	report.RemovedUsers = len(d.RemovedUserIDs)
	report.HardDeletedUsers = len(d.RemovedUserIDs)
	report.RemovedRelationships = len(d.StaleIDs) + len(d.RemovedIDs)
	report.RemovedApplications = len(d.AppRemovalKeys)
	report.SuspendedUsers = len(d.SuspendedUserEmails)
	report.ArchivedUsers = len(d.ArchivedUserEmails)
	report.NewRelationships = len(d.New)

	report.Details.RemovedUserEmails = d.RemovedUserEmails
	report.Details.SuspendedUserEmails = d.SuspendedUserEmails
	report.Details.ArchivedUserEmails = d.ArchivedUserEmails
	report.Details.RemovedApplications = d.AppRemovalKeys
}
