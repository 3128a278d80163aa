// Package reconcile diffs the persisted grant graph against a fresh
// directory snapshot and applies the result in chunked, idempotent
// mutations. Classification is a pure function; all writes happen in
// Apply.
package reconcile

import (
	"sort"

	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/grants"
	"github.com/grantwatch/grantwatch/internal/store"
)

// Persisted is the stored state of one organization, loaded before
// classification.
type Persisted struct {
	Users         []store.User
	Applications  []store.Application
	Relationships []store.UserApplication
}

// Edge is a user-application grant to upsert, identified by normalized
// email and canonical application key. IDs are resolved at apply time,
// after users and applications have been written.
type Edge struct {
	Email   string
	AppKey  string
	Scopes  []string
	Source  string
	IsAdmin bool
}

// AppUpsert is one application row to write. AIUsage carries over from
// the persisted row when the application is already known.
type AppUpsert struct {
	Key     string
	Name    string
	Domain  string
	Scopes  []string
	AIUsage string
}

// Diff is the full classification of one organization pass. It is a
// deterministic function of the persisted state and the fresh snapshot
// and drives both dry-run reporting and the mutation plan.
type Diff struct {
	Users []directory.User
	Apps  []AppUpsert

	Active []Edge
	New    []Edge

	StaleIDs   []int64
	RemovedIDs []int64

	RemovedUserIDs    []int64
	RemovedUserEmails []string

	SuspendedUserEmails []string
	ArchivedUserEmails  []string

	// Applications expected to end the pass with zero live grants.
	AppRemovalKeys []string
}

// Empty reports whether applying the diff would mutate nothing beyond
// refreshing last-seen timestamps.
func (d Diff) Empty() bool {
	return len(d.New) == 0 &&
		len(d.StaleIDs) == 0 &&
		len(d.RemovedIDs) == 0 &&
		len(d.RemovedUserIDs) == 0 &&
		len(d.AppRemovalKeys) == 0
}

// Classify evaluates every persisted relationship against the fresh
// snapshot in one pass. Relationship fate:
//
//   - user present and enabled, edge still granted: keep, scopes
//     unioned with the fresh observation
//   - user present but suspended or archived: mark stale
//   - user absent from the snapshot: user and edges removed
//   - edge absent from the grant map for an enabled user: removed
//   - edge granted but not persisted: new
//
// Classify never touches storage or the clock. Given the same inputs
// it returns the same diff, so dry-run reporting uses it directly.
func Classify(p Persisted, snap *directory.Snapshot, fresh grants.GrantMap) Diff {
	var d Diff
	if snap != nil {
		d.Users = append([]directory.User(nil), snap.Users...)
	}

	freshUsers := make(map[string]directory.User, len(d.Users))
	for _, u := range d.Users {
		freshUsers[u.ExternalID] = u
		switch {
		case u.Archived:
			d.ArchivedUserEmails = append(d.ArchivedUserEmails, grants.NormalizeEmail(u.Email))
		case u.Suspended:
			d.SuspendedUserEmails = append(d.SuspendedUserEmails, grants.NormalizeEmail(u.Email))
		}
	}

	userByID := make(map[int64]store.User, len(p.Users))
	for _, u := range p.Users {
		userByID[u.ID] = u
		if _, ok := freshUsers[u.ExternalID]; !ok {
			d.RemovedUserIDs = append(d.RemovedUserIDs, u.ID)
			d.RemovedUserEmails = append(d.RemovedUserEmails, u.Email)
		}
	}

	appByID := make(map[int64]store.Application, len(p.Applications))
	for _, a := range p.Applications {
		appByID[a.ID] = a
	}

	// Track which apps end the pass with at least one surviving
	// relationship, and which fresh edges are already persisted.
	appAlive := make(map[string]bool, len(p.Applications))
	persistedEdges := make(map[string]map[string]bool, len(p.Applications))

	for _, rel := range p.Relationships {
		u, userKnown := userByID[rel.UserID]
		a, appKnown := appByID[rel.AppID]
		if !appKnown {
			continue
		}
		email := ""
		if userKnown {
			email = grants.NormalizeEmail(u.Email)
			if persistedEdges[a.NameKey] == nil {
				persistedEdges[a.NameKey] = make(map[string]bool)
			}
			persistedEdges[a.NameKey][email] = true
		}

		if !userKnown {
			continue
		}
		current, present := freshUsers[u.ExternalID]
		if !present {
			if rel.Status != store.RelationshipRemoved {
				d.RemovedIDs = append(d.RemovedIDs, rel.ID)
			}
			continue
		}
		if current.Disabled() {
			if rel.Status == store.RelationshipActive {
				d.StaleIDs = append(d.StaleIDs, rel.ID)
			}
			continue
		}

		var freshGrant *grants.UserGrant
		if app, ok := fresh[a.NameKey]; ok {
			freshGrant = app.Users[email]
		}
		if freshGrant == nil {
			if rel.Status != store.RelationshipRemoved {
				d.RemovedIDs = append(d.RemovedIDs, rel.ID)
			}
			continue
		}

		appAlive[a.NameKey] = true
		d.Active = append(d.Active, Edge{
			Email:   email,
			AppKey:  a.NameKey,
			Scopes:  grants.NormalizeScopes(append(append([]string(nil), rel.Scopes...), freshGrant.Scopes...)),
			Source:  freshGrant.Source,
			IsAdmin: freshGrant.IsAdmin,
		})
	}

	disabledEmails := make(map[string]bool)
	for _, u := range d.Users {
		if u.Disabled() {
			disabledEmails[grants.NormalizeEmail(u.Email)] = true
		}
	}
	for key, app := range fresh {
		for email, g := range app.Users {
			if persistedEdges[key][email] || disabledEmails[email] {
				continue
			}
			appAlive[key] = true
			d.New = append(d.New, Edge{
				Email:   email,
				AppKey:  key,
				Scopes:  append([]string(nil), g.Scopes...),
				Source:  g.Source,
				IsAdmin: g.IsAdmin,
			})
		}
	}

	for _, a := range p.Applications {
		if !appAlive[a.NameKey] {
			d.AppRemovalKeys = append(d.AppRemovalKeys, a.NameKey)
		}
	}

	// Only applications that keep or gain a live grant get upserted;
	// the rest would be deleted again at the end of the same pass.
	appAIUsage := make(map[string]string, len(p.Applications))
	for _, a := range p.Applications {
		appAIUsage[a.NameKey] = a.AIUsage
	}
	for key, app := range fresh {
		if !appAlive[key] {
			continue
		}
		aiUsage := appAIUsage[key]
		if aiUsage == "" {
			aiUsage = "none"
		}
		d.Apps = append(d.Apps, AppUpsert{
			Key:     key,
			Name:    app.Name,
			Domain:  app.Domain,
			Scopes:  app.Scopes(),
			AIUsage: aiUsage,
		})
	}
	sort.Slice(d.Apps, func(i, j int) bool { return d.Apps[i].Key < d.Apps[j].Key })

	sortEdges(d.Active)
	sortEdges(d.New)
	sort.Strings(d.RemovedUserEmails)
	sort.Strings(d.SuspendedUserEmails)
	sort.Strings(d.ArchivedUserEmails)
	sort.Strings(d.AppRemovalKeys)
	return d
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].AppKey != edges[j].AppKey {
			return edges[i].AppKey < edges[j].AppKey
		}
		return edges[i].Email < edges[j].Email
	})
}
