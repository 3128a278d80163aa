package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grantwatch/grantwatch/internal/store"
)

// memStore is an in-memory Storage used to exercise the runner without
// a database. It mirrors the upsert and cascade semantics of the real
// store closely enough for reconciliation behavior to be observable.
type memStore struct {
	nextID int64

	orgs  map[int64]store.Organization
	users map[int64]store.User
	apps  map[int64]store.Application
	rels  map[int64]store.UserApplication
	runs  map[int64]store.ReconciliationRun

	// graphMutations counts every call that writes users, applications,
	// or user_applications rows.
	graphMutations int

	// failNext maps a write op to a number of upcoming calls that fail
	// with an injected error before any row changes.
	failNext map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		orgs:     map[int64]store.Organization{},
		users:    map[int64]store.User{},
		apps:     map[int64]store.Application{},
		rels:     map[int64]store.UserApplication{},
		runs:     map[int64]store.ReconciliationRun{},
		failNext: map[string]int{},
	}
}

func (m *memStore) failOp(op string) error {
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addOrg(name, provider string) store.Organization {
	org := store.Organization{ID: m.id(), Name: name, Provider: provider}
	m.orgs[org.ID] = org
	return org
}

func (m *memStore) GetOrganization(_ context.Context, id int64) (store.Organization, error) {
	org, ok := m.orgs[id]
	if !ok {
		return store.Organization{}, store.ErrNotFound
	}
	return org, nil
}

func (m *memStore) ListOrganizations(context.Context) ([]store.Organization, error) {
	var out []store.Organization
	for id := int64(1); id <= m.nextID; id++ {
		if org, ok := m.orgs[id]; ok {
			out = append(out, org)
		}
	}
	return out, nil
}

func (m *memStore) ListUsersByOrg(_ context.Context, orgID int64) ([]store.User, error) {
	var out []store.User
	for id := int64(1); id <= m.nextID; id++ {
		if u, ok := m.users[id]; ok && u.OrgID == orgID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memStore) UpsertUsersBulk(_ context.Context, arg store.UpsertUsersBulkParams) (int64, error) {
	if err := m.failOp("upsert users"); err != nil {
		return 0, err
	}
	m.graphMutations++
	for i := range arg.ExternalIDs {
		found := false
		for id, u := range m.users {
			if u.OrgID == arg.OrgID && u.ExternalID == arg.ExternalIDs[i] {
				u.Email = arg.Emails[i]
				u.DisplayName = arg.DisplayNames[i]
				u.Status = arg.Statuses[i]
				m.users[id] = u
				found = true
				break
			}
		}
		if !found {
			u := store.User{
				ID:          m.id(),
				OrgID:       arg.OrgID,
				ExternalID:  arg.ExternalIDs[i],
				Email:       arg.Emails[i],
				DisplayName: arg.DisplayNames[i],
				Status:      arg.Statuses[i],
			}
			m.users[u.ID] = u
		}
	}
	return int64(len(arg.ExternalIDs)), nil
}

func (m *memStore) DeleteUsersBulk(_ context.Context, orgID int64, ids []int64) (int64, error) {
	if err := m.failOp("delete users"); err != nil {
		return 0, err
	}
	m.graphMutations++
	var n int64
	for _, id := range ids {
		u, ok := m.users[id]
		if !ok || u.OrgID != orgID {
			continue
		}
		delete(m.users, id)
		n++
		for relID, rel := range m.rels {
			if rel.UserID == id {
				delete(m.rels, relID)
			}
		}
	}
	return n, nil
}

func (m *memStore) ListApplicationsByOrg(_ context.Context, orgID int64) ([]store.Application, error) {
	var out []store.Application
	for id := int64(1); id <= m.nextID; id++ {
		if a, ok := m.apps[id]; ok && a.OrgID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpsertApplicationsBulk(_ context.Context, arg store.UpsertApplicationsBulkParams) (int64, error) {
	if err := m.failOp("upsert applications"); err != nil {
		return 0, err
	}
	m.graphMutations++
	for i := range arg.NameKeys {
		scopes := splitScopes(arg.Scopes[i])
		found := false
		for id, a := range m.apps {
			if a.OrgID == arg.OrgID && a.NameKey == arg.NameKeys[i] {
				a.Name = arg.Names[i]
				a.Domain = arg.Domains[i]
				a.Scopes = scopes
				a.AIUsage = arg.AIUsages[i]
				m.apps[id] = a
				found = true
				break
			}
		}
		if !found {
			a := store.Application{
				ID:        m.id(),
				OrgID:     arg.OrgID,
				Name:      arg.Names[i],
				NameKey:   arg.NameKeys[i],
				Domain:    arg.Domains[i],
				Scopes:    scopes,
				AIUsage:   arg.AIUsages[i],
				RiskLevel: "LOW",
			}
			m.apps[a.ID] = a
		}
	}
	return int64(len(arg.NameKeys)), nil
}

func (m *memStore) DeleteApplication(_ context.Context, id int64) error {
	m.graphMutations++
	delete(m.apps, id)
	for relID, rel := range m.rels {
		if rel.AppID == id {
			delete(m.rels, relID)
		}
	}
	return nil
}

func (m *memStore) UpdateApplicationRisk(_ context.Context, id int64, level string, score float64) error {
	a, ok := m.apps[id]
	if !ok {
		return store.ErrNotFound
	}
	a.RiskLevel = level
	a.RiskScore = score
	m.apps[id] = a
	return nil
}

func (m *memStore) ListUserApplicationsByOrg(_ context.Context, orgID int64) ([]store.UserApplication, error) {
	var out []store.UserApplication
	for id := int64(1); id <= m.nextID; id++ {
		if r, ok := m.rels[id]; ok && r.OrgID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpsertUserApplicationsBulk(_ context.Context, arg store.UpsertUserApplicationsBulkParams) (int64, error) {
	if err := m.failOp("upsert relationships"); err != nil {
		return 0, err
	}
	m.graphMutations++
	for i := range arg.UserIDs {
		scopes := splitScopes(arg.Scopes[i])
		found := false
		for id, r := range m.rels {
			if r.UserID == arg.UserIDs[i] && r.AppID == arg.AppIDs[i] {
				r.Scopes = scopes
				r.Source = arg.Sources[i]
				r.IsAdmin = arg.IsAdmins[i]
				r.Status = store.RelationshipActive
				r.StaleSince = nil
				m.rels[id] = r
				found = true
				break
			}
		}
		if !found {
			r := store.UserApplication{
				ID:      m.id(),
				OrgID:   arg.OrgID,
				UserID:  arg.UserIDs[i],
				AppID:   arg.AppIDs[i],
				Scopes:  scopes,
				Source:  arg.Sources[i],
				IsAdmin: arg.IsAdmins[i],
				Status:  store.RelationshipActive,
			}
			m.rels[r.ID] = r
		}
	}
	return int64(len(arg.UserIDs)), nil
}

func (m *memStore) MarkRelationshipsStaleBulk(_ context.Context, ids []int64) (int64, error) {
	if err := m.failOp("mark stale"); err != nil {
		return 0, err
	}
	m.graphMutations++
	now := time.Now()
	var n int64
	for _, id := range ids {
		r, ok := m.rels[id]
		if !ok || r.Status != store.RelationshipActive {
			continue
		}
		r.Status = store.RelationshipStale
		r.StaleSince = &now
		m.rels[id] = r
		n++
	}
	return n, nil
}

func (m *memStore) MarkRelationshipsRemovedBulk(_ context.Context, ids []int64) (int64, error) {
	if err := m.failOp("mark removed"); err != nil {
		return 0, err
	}
	m.graphMutations++
	now := time.Now()
	var n int64
	for _, id := range ids {
		r, ok := m.rels[id]
		if !ok || r.Status == store.RelationshipRemoved {
			continue
		}
		r.Status = store.RelationshipRemoved
		if r.StaleSince == nil {
			r.StaleSince = &now
		}
		m.rels[id] = r
		n++
	}
	return n, nil
}

func (m *memStore) PurgeExpiredRelationships(_ context.Context, orgID int64, grace time.Duration) (int64, error) {
	if err := m.failOp("purge relationships"); err != nil {
		return 0, err
	}
	m.graphMutations++
	cutoff := time.Now().Add(-grace)
	var n int64
	for id, r := range m.rels {
		if r.OrgID != orgID {
			continue
		}
		switch r.Status {
		case store.RelationshipRemoved:
			delete(m.rels, id)
			n++
		case store.RelationshipStale:
			if r.StaleSince != nil && !r.StaleSince.After(cutoff) {
				delete(m.rels, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *memStore) CountRelationshipsByAppStatus(_ context.Context, orgID int64) ([]store.AppStatusCount, error) {
	type key struct {
		appID  int64
		status string
	}
	counts := map[key]int64{}
	for _, r := range m.rels {
		if r.OrgID != orgID {
			continue
		}
		counts[key{r.AppID, r.Status}]++
	}
	var out []store.AppStatusCount
	for k, n := range counts {
		out = append(out, store.AppStatusCount{AppID: k.appID, Status: k.status, Count: n})
	}
	return out, nil
}

func (m *memStore) CountAdminGrantsByApp(_ context.Context, orgID int64) (map[int64]int64, error) {
	out := map[int64]int64{}
	for _, r := range m.rels {
		if r.OrgID == orgID && r.IsAdmin && r.Status != store.RelationshipRemoved {
			out[r.AppID]++
		}
	}
	return out, nil
}

func (m *memStore) CreateReconciliationRun(_ context.Context, orgID int64, dryRun bool) (int64, string, error) {
	run := store.ReconciliationRun{
		ID:        m.id(),
		RunUUID:   uuid.NewString(),
		OrgID:     orgID,
		Status:    store.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
	m.runs[run.ID] = run
	return run.ID, run.RunUUID, nil
}

func (m *memStore) FinishReconciliationRun(_ context.Context, id int64, status string, stats []byte, errMsg string) error {
	run, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Stats = stats
	run.Error = errMsg
	run.FinishedAt = &now
	m.runs[id] = run
	return nil
}

func (m *memStore) latestRunID(orgID int64) int64 {
	for id := m.nextID; id >= 1; id-- {
		if run, ok := m.runs[id]; ok && run.OrgID == orgID {
			return id
		}
	}
	return 0
}

func (m *memStore) ListReconciliationRuns(_ context.Context, orgID int64, limit int32) ([]store.ReconciliationRun, error) {
	var out []store.ReconciliationRun
	for id := m.nextID; id >= 1 && int32(len(out)) < limit; id-- {
		if run, ok := m.runs[id]; ok && run.OrgID == orgID {
			out = append(out, run)
		}
	}
	return out, nil
}

func splitScopes(packed string) []string {
	if packed == "" {
		return []string{}
	}
	return strings.Split(packed, "\x1e")
}
