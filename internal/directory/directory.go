// Package directory defines the provider-neutral snapshot model and the
// Provider contract every identity source implements.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider names.
const (
	ProviderGoogle = "google"
	ProviderEntra  = "entra"
	ProviderOkta   = "okta"
	ProviderAWSIDC = "awsidc"
)

// Principal types a grant can be attached to.
const (
	PrincipalUser  = "user"
	PrincipalGroup = "group"
)

// Grant provenance.
const (
	GrantSourceDirect = "direct"
	GrantSourceGroup  = "group"
	GrantSourceToken  = "token"
)

// User is a directory account as the provider reports it. Guest marks
// external accounts (Entra userType "Guest"); they keep their direct
// grants but never acquire grants through group expansion.
type User struct {
	ExternalID  string
	Email       string
	DisplayName string
	Suspended   bool
	Archived    bool
	Guest       bool
}

// Disabled reports whether the account should no longer hold grants.
func (u User) Disabled() bool { return u.Suspended || u.Archived }

// Group is a directory group. Email may be empty for providers that do
// not address groups by mail.
type Group struct {
	ExternalID string
	Email      string
	Name       string
}

// Membership links a group to one of its user members by external ID.
type Membership struct {
	GroupID string
	UserID  string
}

// Grant is a raw application grant before normalization. PrincipalID
// refers to a user or group external ID depending on PrincipalType.
type Grant struct {
	PrincipalID   string
	PrincipalType string
	AppName       string
	AppDomain     string
	Scopes        []string
	IsAdmin       bool
	Source        string
}

// Snapshot is one complete read of a provider's directory. Fetch returns
// it whole; nothing downstream talks to the provider again.
type Snapshot struct {
	Provider    string
	Users       []User
	Groups      []Group
	Memberships []Membership
	Grants      []Grant
	FetchedAt   time.Time
}

// Provider fetches directory snapshots from one identity source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (*Snapshot, error)
}

// CredentialError marks authentication and authorization failures.
// Callers skip the organization instead of retrying.
type CredentialError struct {
	Provider string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: credential failure: %v", e.Provider, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientError marks failures worth retrying: rate limits, 5xx,
// timeouts, connection resets.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsCredential(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
