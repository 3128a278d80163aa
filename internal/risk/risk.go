// Package risk classifies application scope sets into risk levels and
// computes the weighted composite score used for cross-application
// comparison. Both entry points are pure: identical input always yields
// identical output.
package risk

import (
	"math"
	"strings"

	"github.com/grantwatch/grantwatch/internal/config"
	"github.com/grantwatch/grantwatch/internal/grants"
)

const (
	LevelLow    = "LOW"
	LevelMedium = "MEDIUM"
	LevelHigh   = "HIGH"
)

const (
	AIStatusNone    = "none"
	AIStatusPartial = "partial"
	AIStatusNative  = "native"
)

// ComputeLevel maps a scope set to a risk level and the number of
// distinct permissions it grants. Administrative and directory-write
// scopes escalate to HIGH regardless of count; a set of purely
// read-only or profile scopes stays LOW no matter how large.
func ComputeLevel(scopes []string) (string, int) {
	normalized := grants.NormalizeScopes(scopes)
	count := len(normalized)

	readOnly := true
	for _, scope := range normalized {
		if isPrivilegedScope(scope) {
			return LevelHigh, count
		}
		if !isReadOnlyScope(scope) {
			readOnly = false
		}
	}

	if count == 0 || readOnly {
		return LevelLow, count
	}

	switch {
	case count >= 8:
		return LevelHigh, count
	case count >= 4:
		return LevelMedium, count
	default:
		return LevelLow, count
	}
}

// BlastRadius is the comparison metric surfaced next to the composite
// score: how many users are exposed, weighted by how bad exposure is.
func BlastRadius(userCount int, score float64) float64 {
	if userCount < 0 {
		userCount = 0
	}
	return round2(float64(userCount) * score)
}

// CategoryScores are the five rubric averages, each on a 0-5 scale.
type CategoryScores struct {
	Scope        float64
	UserCount    float64
	AdminGrants  float64
	StaleRatio   float64
	Unsanctioned float64
}

// ComputeComposite produces the weighted composite score:
//
//	finalScore = baseScore * aiAmplification * scopeAmplification
//
// where baseScore is the weight vector applied to the category
// averages, aiAmplification = aiWeightedScore/baseScore and
// scopeAmplification = scopeWeightedScore/aiWeightedScore. Either
// amplification defaults to 1.0 when its denominator is zero. The
// result is rounded to two decimals.
func ComputeComposite(categories CategoryScores, aiStatus, scopeLevel string, weights config.RiskConfig) float64 {
	base := weightedBase(categories, weights)

	aiWeighted := base * aiFactor(aiStatus, weights)
	aiAmp := 1.0
	if base != 0 {
		aiAmp = aiWeighted / base
	}

	scopeWeighted := aiWeighted * scopeFactor(scopeLevel, weights)
	scopeAmp := 1.0
	if aiWeighted != 0 {
		scopeAmp = scopeWeighted / aiWeighted
	}

	return round2(base * aiAmp * scopeAmp)
}

func weightedBase(c CategoryScores, w config.RiskConfig) float64 {
	sum := c.Scope*float64(w.WeightScope) +
		c.UserCount*float64(w.WeightUserCount) +
		c.AdminGrants*float64(w.WeightAdminGrants) +
		c.StaleRatio*float64(w.WeightStaleRatio) +
		c.Unsanctioned*float64(w.WeightUnsanction)
	return sum / 100
}

func aiFactor(status string, w config.RiskConfig) float64 {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case AIStatusNative:
		return w.AIFactorNative
	case AIStatusPartial:
		return w.AIFactorPartial
	default:
		return w.AIFactorNone
	}
}

func scopeFactor(level string, w config.RiskConfig) float64 {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelHigh:
		return w.ScopeFactorHigh
	case LevelMedium:
		return w.ScopeFactorMedium
	default:
		return w.ScopeFactorLow
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func isPrivilegedScope(scope string) bool {
	privilegedNeedles := []string{
		"admin",
		"directory.readwrite",
		"application.readwrite.all",
		"rolemanagement.readwrite",
		"full_access_as_app",
		"files.readwrite.all",
		"sites.readwrite.all",
		"user.readwrite.all",
		"cloud-platform",
		"iam",
	}
	for _, needle := range privilegedNeedles {
		if strings.Contains(scope, needle) {
			return true
		}
	}
	return false
}

func isReadOnlyScope(scope string) bool {
	if strings.Contains(scope, "readwrite") || strings.Contains(scope, "write") {
		return false
	}
	readOnlyNeedles := []string{
		"readonly",
		".read",
		"read.",
		"openid",
		"profile",
		"email",
		"userinfo",
	}
	for _, needle := range readOnlyNeedles {
		if strings.Contains(scope, needle) {
			return true
		}
	}
	return false
}
