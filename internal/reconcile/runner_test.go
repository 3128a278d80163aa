package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/credentials"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/store"
)

type fakeProvider struct {
	name string
	snap *directory.Snapshot
	err  error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Fetch(context.Context) (*directory.Snapshot, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.snap, nil
}

// flakyProvider fails Fetch a set number of times before serving its
// snapshot, counting every call.
type flakyProvider struct {
	name     string
	snap     *directory.Snapshot
	failures int
	err      error

	calls int
}

func (p *flakyProvider) Name() string { return p.name }

func (p *flakyProvider) Fetch(context.Context) (*directory.Snapshot, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, p.err
	}
	return p.snap, nil
}

type staticCreds struct{}

func (staticCreds) Resolve(context.Context, int64, string) (credentials.Credential, error) {
	return credentials.Credential{}, nil
}

func testConfig() config.Config {
	return config.Config{
		ChunkSize: 100,
		Risk: config.RiskConfig{
			WeightScope:       30,
			WeightUserCount:   25,
			WeightAdminGrants: 20,
			WeightStaleRatio:  15,
			WeightUnsanction:  10,
			AIFactorNone:      1.0,
			AIFactorPartial:   1.2,
			AIFactorNative:    1.5,
			ScopeFactorLow:    1.0,
			ScopeFactorMedium: 1.15,
			ScopeFactorHigh:   1.3,
		},
	}
}

func newTestRunner(st Storage, providers map[int64]directory.Provider) *Runner {
	factory := func(_ context.Context, org store.Organization, _ credentials.Credential) (directory.Provider, error) {
		p, ok := providers[org.ID]
		if !ok {
			return nil, errors.New("no provider configured")
		}
		return p, nil
	}
	return NewRunner(st, staticCreds{}, factory, testConfig())
}

func workspaceSnapshot() *directory.Snapshot {
	return &directory.Snapshot{
		Provider: directory.ProviderGoogle,
		Users: []directory.User{
			{ExternalID: "u1", Email: "alice@corp.test", DisplayName: "Alice"},
			{ExternalID: "u2", Email: "bob@corp.test", DisplayName: "Bob"},
			{ExternalID: "u3", Email: "carol@corp.test", DisplayName: "Carol"},
		},
		Groups:      []directory.Group{{ExternalID: "g1", Name: "Engineering"}},
		Memberships: []directory.Membership{{GroupID: "g1", UserID: "u1"}, {GroupID: "g1", UserID: "u2"}},
		Grants: []directory.Grant{
			{PrincipalID: "u1", PrincipalType: directory.PrincipalUser, AppName: "Slack", Scopes: []string{"chat:write"}, Source: directory.GrantSourceDirect},
			{PrincipalID: "g1", PrincipalType: directory.PrincipalGroup, AppName: "Slack", Scopes: []string{"channels:history"}},
			{PrincipalID: "u3", PrincipalType: directory.PrincipalUser, AppName: "Notion", Scopes: []string{"read"}, Source: directory.GrantSourceToken},
			{PrincipalID: "u3", PrincipalType: directory.PrincipalUser, AppName: "Asana", Scopes: []string{"tasks:write"}, Source: directory.GrantSourceDirect},
		},
	}
}

func graphShape(t *testing.T, m *memStore, orgID int64) (users, apps, rels []string) {
	t.Helper()
	ctx := context.Background()

	us, err := m.ListUsersByOrg(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range us {
		users = append(users, u.Email+"/"+u.Status)
	}

	as, err := m.ListApplicationsByOrg(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	appNames := map[int64]string{}
	for _, a := range as {
		apps = append(apps, a.NameKey)
		appNames[a.ID] = a.NameKey
	}

	userEmails := map[int64]string{}
	for _, u := range us {
		userEmails[u.ID] = u.Email
	}
	rs, err := m.ListUserApplicationsByOrg(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rs {
		rels = append(rels, userEmails[r.UserID]+"->"+appNames[r.AppID]+"/"+r.Status)
	}

	sort.Strings(users)
	sort.Strings(apps)
	sort.Strings(rels)
	return users, apps, rels
}

func TestRunOrg_BuildsGraph(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	r := newTestRunner(m, map[int64]directory.Provider{
		org.ID: &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()},
	})

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("RunOrg: %v", err)
	}
	if !report.Success {
		t.Fatalf("report not successful: %+v", report)
	}
	if report.NewRelationships != 4 {
		t.Fatalf("NewRelationships = %d, want 4", report.NewRelationships)
	}

	users, apps, rels := graphShape(t, m, org.ID)
	if len(users) != 3 {
		t.Fatalf("users = %v, want 3", users)
	}
	wantApps := []string{"name:asana", "name:notion", "name:slack"}
	if len(apps) != 3 || apps[0] != wantApps[0] || apps[1] != wantApps[1] || apps[2] != wantApps[2] {
		t.Fatalf("apps = %v, want %v", apps, wantApps)
	}
	wantRels := []string{
		"alice@corp.test->name:slack/ACTIVE",
		"bob@corp.test->name:slack/ACTIVE",
		"carol@corp.test->name:asana/ACTIVE",
		"carol@corp.test->name:notion/ACTIVE",
	}
	for i, want := range wantRels {
		if i >= len(rels) || rels[i] != want {
			t.Fatalf("rels = %v, want %v", rels, wantRels)
		}
	}
}

func TestRunOrg_Idempotent(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	r := newTestRunner(m, map[int64]directory.Provider{
		org.ID: &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()},
	})

	if _, err := r.RunOrg(context.Background(), org.ID, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	users1, apps1, rels1 := graphShape(t, m, org.ID)

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.NewRelationships != 0 || report.RemovedRelationships != 0 ||
		report.RemovedApplications != 0 || report.RemovedUsers != 0 {
		t.Fatalf("second run reported changes: %+v", report)
	}

	users2, apps2, rels2 := graphShape(t, m, org.ID)
	if !equalStrings(users1, users2) || !equalStrings(apps1, apps2) || !equalStrings(rels1, rels2) {
		t.Fatalf("state changed on second run:\nusers %v -> %v\napps %v -> %v\nrels %v -> %v",
			users1, users2, apps1, apps2, rels1, rels2)
	}
}

func TestRunOrg_DryRunMutatesNothing(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	r := newTestRunner(m, map[int64]directory.Provider{
		org.ID: &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()},
	})

	report, err := r.RunOrg(context.Background(), org.ID, true)
	if err != nil {
		t.Fatalf("RunOrg: %v", err)
	}
	if !report.DryRun || !report.Success {
		t.Fatalf("unexpected report flags: %+v", report)
	}
	if report.NewRelationships != 4 {
		t.Fatalf("dry run should still classify: %+v", report)
	}

	if m.graphMutations != 0 {
		t.Fatalf("dry run issued %d graph mutations", m.graphMutations)
	}
	if len(m.users) != 0 || len(m.apps) != 0 || len(m.rels) != 0 {
		t.Fatalf("dry run changed row counts: users=%d apps=%d rels=%d",
			len(m.users), len(m.apps), len(m.rels))
	}
}

func TestRunOrg_SuspendedUserCascade(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()}
	r := newTestRunner(m, map[int64]directory.Provider{org.ID: provider})

	if _, err := r.RunOrg(context.Background(), org.ID, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Carol is suspended; her Notion and Asana grants must go STALE and
	// be purged, taking both now-empty applications with them.
	snap := workspaceSnapshot()
	snap.Users[2].Suspended = true
	provider.snap = snap

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.SuspendedUsers != 1 {
		t.Fatalf("SuspendedUsers = %d, want 1", report.SuspendedUsers)
	}
	if report.RemovedRelationships != 2 {
		t.Fatalf("RemovedRelationships = %d, want 2", report.RemovedRelationships)
	}
	if report.RemovedApplications != 2 {
		t.Fatalf("RemovedApplications = %d, want 2", report.RemovedApplications)
	}

	_, apps, rels := graphShape(t, m, org.ID)
	if len(apps) != 1 || apps[0] != "name:slack" {
		t.Fatalf("apps = %v, want only name:slack", apps)
	}
	for _, rel := range rels {
		if rel == "carol@corp.test->name:notion/ACTIVE" || rel == "carol@corp.test->name:asana/ACTIVE" {
			t.Fatalf("suspended user kept a grant: %v", rels)
		}
	}

	users, _, _ := graphShape(t, m, org.ID)
	found := false
	for _, u := range users {
		if u == "carol@corp.test/suspended" {
			found = true
		}
	}
	if !found {
		t.Fatalf("carol should remain as a suspended user row: %v", users)
	}
}

func TestRunOrg_HardDeletedUser(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()}
	r := newTestRunner(m, map[int64]directory.Provider{org.ID: provider})

	if _, err := r.RunOrg(context.Background(), org.ID, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Carol vanishes from the directory entirely.
	snap := workspaceSnapshot()
	snap.Users = snap.Users[:2]
	snap.Grants = snap.Grants[:2]
	provider.snap = snap

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.HardDeletedUsers != 1 || report.RemovedUsers != 1 {
		t.Fatalf("hard delete counts wrong: %+v", report)
	}

	users, apps, _ := graphShape(t, m, org.ID)
	if len(users) != 2 {
		t.Fatalf("users = %v, want 2", users)
	}
	if len(apps) != 1 || apps[0] != "name:slack" {
		t.Fatalf("apps = %v, want only name:slack", apps)
	}
}

func TestRunOrg_GraceShieldsStaleNotRevoked(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()}

	cfg := testConfig()
	cfg.StaleGracePeriod = time.Hour
	factory := func(_ context.Context, _ store.Organization, _ credentials.Credential) (directory.Provider, error) {
		return provider, nil
	}
	r := NewRunner(m, staticCreds{}, factory, cfg)

	if _, err := r.RunOrg(context.Background(), org.ID, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Bob is suspended (stale, shielded by the grace period) while
	// Carol's Notion grant is revoked upstream (gone immediately).
	snap := workspaceSnapshot()
	snap.Users[1].Suspended = true
	snap.Grants = append(snap.Grants[:2:2], snap.Grants[3])
	provider.snap = snap

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.RemovedRelationships != 1 {
		t.Fatalf("RemovedRelationships = %d, want 1 (only the revoked grant)", report.RemovedRelationships)
	}
	if report.RemovedApplications != 1 {
		t.Fatalf("RemovedApplications = %d, want 1 (notion emptied)", report.RemovedApplications)
	}

	_, apps, rels := graphShape(t, m, org.ID)
	for _, rel := range rels {
		if rel == "carol@corp.test->name:notion/REMOVED" {
			t.Fatalf("revoked grant must purge regardless of grace: %v", rels)
		}
	}
	staleKept := false
	for _, rel := range rels {
		if rel == "bob@corp.test->name:slack/STALE" {
			staleKept = true
		}
	}
	if !staleKept {
		t.Fatalf("suspended user's grant should survive the grace period: %v", rels)
	}
	for _, app := range apps {
		if app == "name:notion" {
			t.Fatalf("notion should be gone once its only grant purged: %v", apps)
		}
	}
}

func TestRunOrg_FailedBatchIsReportedAndRunContinues(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()}
	r := newTestRunner(m, map[int64]directory.Provider{org.ID: provider})

	if _, err := r.RunOrg(context.Background(), org.ID, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Carol suspended: her two grants must be marked stale, but the
	// stale batch fails once.
	snap := workspaceSnapshot()
	snap.Users[2].Suspended = true
	provider.snap = snap
	m.failNext["mark stale"] = 1

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err == nil {
		t.Fatal("expected the failed batch to surface as a run error")
	}
	if report.Success {
		t.Fatalf("report claims success despite write failure: %+v", report)
	}
	if len(report.Details.PersistenceErrors) != 1 ||
		!strings.Contains(report.Details.PersistenceErrors[0], "mark stale") {
		t.Fatalf("PersistenceErrors = %v, want one mark stale entry", report.Details.PersistenceErrors)
	}

	// The abandoned batch left no partial mutation, and the run still
	// reached its finalization step.
	_, _, rels := graphShape(t, m, org.ID)
	if len(rels) != 4 {
		t.Fatalf("rels = %v, want the 4 pre-failure rows untouched", rels)
	}
	run, ok := m.runs[m.latestRunID(org.ID)]
	if !ok || run.Status != store.RunStatusFailed || run.FinishedAt == nil {
		t.Fatalf("failing run not finalized: %+v", run)
	}

	// A clean follow-up pass converges to the state the failed pass
	// intended.
	report, err = r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if !report.Success || report.RemovedRelationships != 2 {
		t.Fatalf("recovery report = %+v", report)
	}
	if _, apps, _ := graphShape(t, m, org.ID); len(apps) != 1 || apps[0] != "name:slack" {
		t.Fatalf("apps after recovery = %v, want only name:slack", apps)
	}
}

func TestRunOrg_TransientFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &flakyProvider{
		name:     directory.ProviderGoogle,
		snap:     workspaceSnapshot(),
		failures: 2,
		err:      &directory.TransientError{Provider: directory.ProviderGoogle, Err: errors.New("rate limited")},
	}

	cfg := testConfig()
	cfg.RetryAttempts = 2
	factory := func(_ context.Context, _ store.Organization, _ credentials.Credential) (directory.Provider, error) {
		return provider, nil
	}
	r := NewRunner(m, staticCreds{}, factory, cfg)

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err != nil {
		t.Fatalf("RunOrg: %v", err)
	}
	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if provider.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3 (two transient failures, then success)", provider.calls)
	}
}

func TestRunOrg_TransientRetryBudgetIsBounded(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderGoogle)
	provider := &flakyProvider{
		name:     directory.ProviderGoogle,
		failures: 10,
		err:      &directory.TransientError{Provider: directory.ProviderGoogle, Err: errors.New("rate limited")},
	}

	cfg := testConfig()
	cfg.RetryAttempts = 2
	factory := func(_ context.Context, _ store.Organization, _ credentials.Credential) (directory.Provider, error) {
		return provider, nil
	}
	r := NewRunner(m, staticCreds{}, factory, cfg)

	report, err := r.RunOrg(context.Background(), org.ID, false)
	if err == nil || !directory.IsTransient(err) {
		t.Fatalf("RunOrg error = %v, want transient after exhaustion", err)
	}
	if report.Success {
		t.Fatalf("report = %+v", report)
	}
	if provider.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3 (one try plus two extra attempts)", provider.calls)
	}
}

func TestRunOrg_CredentialErrorDoesNotRetry(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	org := m.addOrg("acme", directory.ProviderOkta)
	provider := &flakyProvider{
		name:     directory.ProviderOkta,
		failures: 10,
		err:      &directory.CredentialError{Provider: directory.ProviderOkta, Err: errors.New("expired token")},
	}

	cfg := testConfig()
	cfg.RetryAttempts = 2
	factory := func(_ context.Context, _ store.Organization, _ credentials.Credential) (directory.Provider, error) {
		return provider, nil
	}
	r := NewRunner(m, staticCreds{}, factory, cfg)

	if _, err := r.RunOrg(context.Background(), org.ID, false); !directory.IsCredential(err) {
		t.Fatalf("RunOrg error = %v, want CredentialError", err)
	}
	if provider.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 (credential failures never retry)", provider.calls)
	}
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	m := newMemStore()
	broken := m.addOrg("broken", directory.ProviderOkta)
	healthy := m.addOrg("healthy", directory.ProviderGoogle)
	r := newTestRunner(m, map[int64]directory.Provider{
		broken.ID: &fakeProvider{
			name: directory.ProviderOkta,
			err:  &directory.CredentialError{Provider: directory.ProviderOkta, Err: errors.New("expired token")},
		},
		healthy.ID: &fakeProvider{name: directory.ProviderGoogle, snap: workspaceSnapshot()},
	})

	reports, err := r.RunAll(context.Background())
	if err == nil {
		t.Fatal("expected joined error from the broken org")
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].Success {
		t.Fatalf("broken org reported success: %+v", reports[0])
	}
	if reports[0].Error == "" {
		t.Fatal("broken org report missing error detail")
	}
	if !reports[1].Success {
		t.Fatalf("healthy org should have succeeded: %+v", reports[1])
	}

	if _, apps, _ := graphShape(t, m, healthy.ID); len(apps) != 3 {
		t.Fatalf("healthy org apps = %v, want 3", apps)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
