// Package dedupe collapses duplicate application rows. Rows whose
// display names differ only in case or whitespace describe the same
// application; the oldest row absorbs the rest.
package dedupe

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/grantwatch/grantwatch/internal/grants"
	"github.com/grantwatch/grantwatch/internal/metrics"
	"github.com/grantwatch/grantwatch/internal/store"
)

// Storage is the slice of the store the merger needs.
type Storage interface {
	ListApplicationsByOrg(ctx context.Context, orgID int64) ([]store.Application, error)
	MergeApplications(ctx context.Context, primary, duplicate store.Application, mergedScopes []string, aiUsage string, sanctioned bool) error
}

// Result reports one deduplication pass.
type Result struct {
	MergedGroups        int `json:"mergedGroups"`
	ApplicationsDeleted int `json:"applicationsDeleted"`
}

// Merger deduplicates one organization's applications. Rescore, when
// set, runs after any merge so derived risk fields follow the new
// relationship sets.
type Merger struct {
	Store    Storage
	Provider string
	Rescore  func(ctx context.Context, orgID int64) error
}

// Merge groups applications by normalized name and folds every group
// with more than one row into its earliest-seen member. The earliest
// row keeps its casing; scope sets union; a sanctioned mark on any row
// survives. Running Merge twice on the same state is a no-op the
// second time.
func (m *Merger) Merge(ctx context.Context, orgID int64) (Result, error) {
	var res Result

	apps, err := m.Store.ListApplicationsByOrg(ctx, orgID)
	if err != nil {
		return res, err
	}

	groups := make(map[string][]store.Application)
	for _, app := range apps {
		groups[nameGroupKey(app.Name)] = append(groups[nameGroupKey(app.Name)], app)
	}

	keys := make([]string, 0, len(groups))
	for key, group := range groups {
		if len(group) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool {
			if !group[i].FirstSeen.Equal(group[j].FirstSeen) {
				return group[i].FirstSeen.Before(group[j].FirstSeen)
			}
			return group[i].ID < group[j].ID
		})

		primary := group[0]
		for _, dup := range group[1:] {
			mergedScopes := grants.NormalizeScopes(append(append([]string(nil), primary.Scopes...), dup.Scopes...))
			sort.Strings(mergedScopes)
			aiUsage := mergeAIUsage(primary.AIUsage, dup.AIUsage)
			sanctioned := primary.Sanctioned || dup.Sanctioned

			if err := m.Store.MergeApplications(ctx, primary, dup, mergedScopes, aiUsage, sanctioned); err != nil {
				return res, err
			}
			slog.Info("merged duplicate application",
				"org_id", orgID,
				"kept", primary.Name,
				"dropped", dup.Name,
			)
			metrics.DedupeMergesTotal.WithLabelValues(m.Provider).Inc()
			res.ApplicationsDeleted++

			primary.Scopes = mergedScopes
			primary.AIUsage = aiUsage
			primary.Sanctioned = sanctioned
		}
		res.MergedGroups++
	}

	if res.ApplicationsDeleted > 0 && m.Rescore != nil {
		if err := m.Rescore(ctx, orgID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// nameGroupKey normalizes a display name for duplicate grouping:
// case-insensitive, inner whitespace collapsed.
func nameGroupKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

var aiUsageRank = map[string]int{
	"none":    0,
	"partial": 1,
	"native":  2,
}

func mergeAIUsage(a, b string) string {
	if aiUsageRank[b] > aiUsageRank[a] {
		return b
	}
	if a == "" {
		return "none"
	}
	return a
}
