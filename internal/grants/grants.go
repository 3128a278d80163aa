// Package grants turns raw provider snapshots into the canonical
// application → user → scopes map the reconciler consumes.
package grants

import (
	"sort"
	"strings"

	"github.com/grantwatch/grantwatch/internal/directory"
)

// UserGrant is one user's access to one application, unioned across
// every contributing source.
type UserGrant struct {
	Email   string
	UserID  string
	Scopes  []string
	Source  string
	IsAdmin bool
}

// App is one normalized application with its full user grant set,
// keyed by normalized email.
type App struct {
	Key    string
	Name   string
	Domain string
	Users  map[string]*UserGrant
}

// Scopes returns the union of all user scope sets, sorted.
func (a *App) Scopes() []string {
	seen := make(map[string]struct{})
	for _, u := range a.Users {
		for _, s := range u.Scopes {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GrantMap is the canonical application key → grants view of one
// snapshot.
type GrantMap map[string]*App

// Options tune normalization.
type Options struct {
	// OverbroadRatio flags apps granted to at least this fraction of
	// the active directory. Zero disables the heuristic.
	OverbroadRatio float64
}

// Normalize builds the GrantMap from a snapshot:
//
//   - direct assignments map straight through
//   - group assignments expand to the group's active, non-guest
//     members at snapshot time, each user at most once per app
//   - token grants union in
//
// The final user set per app is the three-way union deduped by
// normalized email; scope sets union across all contributing sources.
func Normalize(snap *directory.Snapshot) GrantMap {
	if snap == nil {
		return GrantMap{}
	}

	usersByID := make(map[string]directory.User, len(snap.Users))
	for _, u := range snap.Users {
		usersByID[u.ExternalID] = u
	}
	members := make(map[string][]string, len(snap.Groups))
	for _, m := range snap.Memberships {
		members[m.GroupID] = append(members[m.GroupID], m.UserID)
	}

	out := GrantMap{}
	for _, g := range snap.Grants {
		app := out.ensureApp(g.AppName, g.AppDomain)
		scopes := NormalizeScopes(g.Scopes)

		switch g.PrincipalType {
		case directory.PrincipalUser:
			u, ok := usersByID[g.PrincipalID]
			if !ok {
				continue
			}
			app.addUser(u, scopes, g.Source, g.IsAdmin)
		case directory.PrincipalGroup:
			for _, userID := range members[g.PrincipalID] {
				u, ok := usersByID[userID]
				if !ok || u.Disabled() || u.Guest {
					continue
				}
				app.addUser(u, scopes, directory.GrantSourceGroup, g.IsAdmin)
			}
		}
	}
	return out
}

func (m GrantMap) ensureApp(name, domain string) *App {
	key := CanonicalKey(name, domain)
	app, ok := m[key]
	if !ok {
		app = &App{
			Key:    key,
			Name:   strings.TrimSpace(name),
			Domain: NormalizeDomain(domain),
			Users:  map[string]*UserGrant{},
		}
		m[key] = app
	}
	return app
}

// sourceRank orders grant provenance; direct evidence beats group
// expansion beats token discovery.
func sourceRank(source string) int {
	switch source {
	case directory.GrantSourceDirect:
		return 3
	case directory.GrantSourceGroup:
		return 2
	case directory.GrantSourceToken:
		return 1
	}
	return 0
}

func (a *App) addUser(u directory.User, scopes []string, source string, isAdmin bool) {
	email := NormalizeEmail(u.Email)
	if email == "" {
		return
	}
	existing, ok := a.Users[email]
	if !ok {
		a.Users[email] = &UserGrant{
			Email:   email,
			UserID:  u.ExternalID,
			Scopes:  append([]string(nil), scopes...),
			Source:  source,
			IsAdmin: isAdmin,
		}
		return
	}
	existing.Scopes = NormalizeScopes(append(existing.Scopes, scopes...))
	existing.IsAdmin = existing.IsAdmin || isAdmin
	if sourceRank(source) > sourceRank(existing.Source) {
		existing.Source = source
	}
}

// Overbroad reports apps granted to at least ratio of the active
// directory. activeUsers of zero never flags.
func Overbroad(app *App, activeUsers int, ratio float64) bool {
	if app == nil || activeUsers <= 0 || ratio <= 0 {
		return false
	}
	return float64(len(app.Users))/float64(activeUsers) >= ratio
}
