package store

import "time"

// User account status as reported by the directory provider.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusArchived  = "archived"
)

// Relationship lifecycle states.
const (
	RelationshipActive  = "ACTIVE"
	RelationshipStale   = "STALE"
	RelationshipRemoved = "REMOVED"
)

// Grant provenance.
const (
	SourceDirect = "direct"
	SourceGroup  = "group"
	SourceToken  = "token"
)

// Reconciliation run outcomes.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

type Organization struct {
	ID         int64
	Name       string
	Provider   string
	ExternalID string
	CreatedAt  time.Time
}

type ProviderCredential struct {
	ID           int64
	OrgID        int64
	Provider     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Extra        []byte
	UpdatedAt    time.Time
}

type User struct {
	ID          int64
	OrgID       int64
	ExternalID  string
	Email       string
	DisplayName string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Application struct {
	ID         int64
	OrgID      int64
	Name       string
	NameKey    string
	Domain     string
	Scopes     []string
	AIUsage    string
	Sanctioned bool
	RiskLevel  string
	RiskScore  float64
	Owner      string
	Notes      string
	FirstSeen  time.Time
	LastSeen   time.Time
}

type UserApplication struct {
	ID         int64
	OrgID      int64
	UserID     int64
	AppID      int64
	Scopes     []string
	Source     string
	Status     string
	IsAdmin    bool
	FirstSeen  time.Time
	LastSeen   time.Time
	StaleSince *time.Time
}

type ReconciliationRun struct {
	ID         int64
	RunUUID    string
	OrgID      int64
	Status     string
	DryRun     bool
	Stats      []byte
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
