package risk

import (
	"testing"

	"github.com/grantwatch/grantwatch/internal/config"
)

func defaultWeights() config.RiskConfig {
	return config.RiskConfig{
		WeightScope:       30,
		WeightUserCount:   25,
		WeightAdminGrants: 20,
		WeightStaleRatio:  15,
		WeightUnsanction:  10,

		AIFactorNone:    1.0,
		AIFactorPartial: 1.2,
		AIFactorNative:  1.5,

		ScopeFactorLow:    1.0,
		ScopeFactorMedium: 1.15,
		ScopeFactorHigh:   1.3,
	}
}

func TestComputeLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		scopes    []string
		wantLevel string
		wantCount int
	}{
		{
			name:      "empty",
			scopes:    nil,
			wantLevel: LevelLow,
			wantCount: 0,
		},
		{
			name:      "single admin scope escalates",
			scopes:    []string{"https://www.googleapis.com/auth/admin.directory.user"},
			wantLevel: LevelHigh,
			wantCount: 1,
		},
		{
			name:      "directory write escalates",
			scopes:    []string{"Directory.ReadWrite.All"},
			wantLevel: LevelHigh,
			wantCount: 1,
		},
		{
			name: "many read-only scopes stay low",
			scopes: []string{
				"openid", "profile", "email",
				"https://www.googleapis.com/auth/drive.readonly",
				"https://www.googleapis.com/auth/calendar.readonly",
				"User.Read", "Mail.Read", "Sites.Read.All",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			wantLevel: LevelLow,
			wantCount: 9,
		},
		{
			name:      "few mixed scopes stay low",
			scopes:    []string{"chat:write", "channels:history"},
			wantLevel: LevelLow,
			wantCount: 2,
		},
		{
			name:      "moderate mixed scopes are medium",
			scopes:    []string{"chat:write", "channels:history", "files:write", "users:write"},
			wantLevel: LevelMedium,
			wantCount: 4,
		},
		{
			name: "broad mixed scopes are high",
			scopes: []string{
				"chat:write", "channels:history", "files:write", "users:write",
				"groups:write", "pins:write", "reactions:write", "reminders:write",
			},
			wantLevel: LevelHigh,
			wantCount: 8,
		},
		{
			name:      "duplicates counted once",
			scopes:    []string{"chat:write", "Chat:Write", " chat:write "},
			wantLevel: LevelLow,
			wantCount: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			level, count := ComputeLevel(tc.scopes)
			if level != tc.wantLevel {
				t.Fatalf("level = %q, want %q", level, tc.wantLevel)
			}
			if count != tc.wantCount {
				t.Fatalf("count = %d, want %d", count, tc.wantCount)
			}
		})
	}
}

func TestComputeLevelDeterministic(t *testing.T) {
	t.Parallel()

	scopes := []string{"files:write", "chat:write", "channels:history", "users:read"}
	firstLevel, firstCount := ComputeLevel(scopes)
	for i := 0; i < 100; i++ {
		level, count := ComputeLevel(scopes)
		if level != firstLevel || count != firstCount {
			t.Fatalf("call %d returned (%q, %d), first call returned (%q, %d)", i, level, count, firstLevel, firstCount)
		}
	}
}

func TestComputeComposite(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		categories CategoryScores
		aiStatus   string
		scopeLevel string
		want       float64
	}{
		{
			name:       "all zero",
			categories: CategoryScores{},
			aiStatus:   AIStatusNative,
			scopeLevel: LevelHigh,
			want:       0,
		},
		{
			name: "max categories fully amplified",
			categories: CategoryScores{
				Scope: 5, UserCount: 5, AdminGrants: 5, StaleRatio: 5, Unsanctioned: 5,
			},
			aiStatus:   AIStatusNative,
			scopeLevel: LevelHigh,
			want:       9.75,
		},
		{
			name: "no amplification",
			categories: CategoryScores{
				Scope: 4, UserCount: 2, StaleRatio: 1, Unsanctioned: 3,
			},
			aiStatus:   AIStatusNone,
			scopeLevel: LevelLow,
			want:       2.15,
		},
		{
			name: "partial ai, medium scope",
			categories: CategoryScores{
				Scope: 5, UserCount: 5, AdminGrants: 5, StaleRatio: 5, Unsanctioned: 5,
			},
			aiStatus:   AIStatusPartial,
			scopeLevel: LevelMedium,
			want:       6.9,
		},
		{
			name: "unknown ai status treated as none",
			categories: CategoryScores{
				Scope: 4, UserCount: 2, StaleRatio: 1, Unsanctioned: 3,
			},
			aiStatus:   "whatever",
			scopeLevel: "",
			want:       2.15,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ComputeComposite(tc.categories, tc.aiStatus, tc.scopeLevel, defaultWeights())
			if got != tc.want {
				t.Fatalf("ComputeComposite = %v, want %v", got, tc.want)
			}
			again := ComputeComposite(tc.categories, tc.aiStatus, tc.scopeLevel, defaultWeights())
			if again != got {
				t.Fatalf("second call returned %v, first returned %v", again, got)
			}
		})
	}
}

func TestBlastRadius(t *testing.T) {
	t.Parallel()

	if got := BlastRadius(120, 9.75); got != 1170 {
		t.Fatalf("BlastRadius(120, 9.75) = %v, want 1170", got)
	}
	if got := BlastRadius(0, 9.75); got != 0 {
		t.Fatalf("BlastRadius(0, 9.75) = %v, want 0", got)
	}
	if got := BlastRadius(-3, 2); got != 0 {
		t.Fatalf("BlastRadius(-3, 2) = %v, want 0", got)
	}
}
