// Package google fetches directory snapshots from the Google Workspace
// Admin SDK using a domain-delegated service account.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/grantwatch/grantwatch/internal/batch"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/metrics"
)

const (
	defaultDirectoryBaseURL = "https://admin.googleapis.com/admin/directory/v1"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"
	defaultTimeout          = 120 * time.Second
	tokenLeeway             = 30 * time.Second
	maxRetries              = 5
)

var defaultScopes = []string{
	"https://www.googleapis.com/auth/admin.directory.user.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.member.readonly",
	"https://www.googleapis.com/auth/admin.directory.user.security",
}

type Config struct {
	CustomerID          string
	ServiceAccountJSON  string
	DelegatedAdminEmail string

	// PageDelay inserts a fixed pause between page requests. Zero
	// disables it. GroupWorkers bounds concurrent membership listings.
	PageDelay    time.Duration
	GroupWorkers int
}

func (c Config) validate() error {
	if strings.TrimSpace(c.CustomerID) == "" {
		return errors.New("google customer id is required")
	}
	if strings.TrimSpace(c.ServiceAccountJSON) == "" {
		return errors.New("google service account json is required")
	}
	if strings.TrimSpace(c.DelegatedAdminEmail) == "" {
		return errors.New("google delegated admin email is required")
	}
	return nil
}

type Options struct {
	HTTPClient       *http.Client
	DirectoryBaseURL string
	TokenURL         string
}

type Provider struct {
	cfg Config

	http             *http.Client
	directoryBaseURL string
	jwtConfig        *jwt.Config

	mu          sync.Mutex
	cachedToken *oauth2.Token
}

func New(cfg Config) (*Provider, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg Config, opts Options) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.DirectoryBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultDirectoryBaseURL
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	jwtConfig, err := serviceAccountJWTConfig(cfg, tokenURL)
	if err != nil {
		return nil, err
	}

	return &Provider{
		cfg:              cfg,
		http:             httpClient,
		directoryBaseURL: baseURL,
		jwtConfig:        jwtConfig,
	}, nil
}

func (p *Provider) Name() string { return directory.ProviderGoogle }

// serviceAccountJWTConfig builds the two-legged OAuth config for a
// domain-delegated service account. The subject is the admin the
// service account impersonates.
func serviceAccountJWTConfig(cfg Config, tokenURL string) (*jwt.Config, error) {
	var payload struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal([]byte(cfg.ServiceAccountJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode service account json: %w", err)
	}
	email := strings.TrimSpace(payload.ClientEmail)
	if email == "" {
		return nil, errors.New("service account json missing client_email")
	}
	if strings.TrimSpace(payload.PrivateKey) == "" {
		return nil, errors.New("service account json missing private_key")
	}
	if tokenURI := strings.TrimSpace(payload.TokenURI); tokenURI != "" {
		tokenURL = tokenURI
	}

	return &jwt.Config{
		Email:      email,
		PrivateKey: []byte(payload.PrivateKey),
		Subject:    strings.TrimSpace(cfg.DelegatedAdminEmail),
		Scopes:     defaultScopes,
		TokenURL:   tokenURL,
	}, nil
}

type workspaceUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	Suspended    bool   `json:"suspended"`
	Archived     bool   `json:"archived"`
	Name         struct {
		FullName string `json:"fullName"`
	} `json:"name"`
}

type workspaceGroup struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type workspaceMember struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type oauthTokenGrant struct {
	UserKey     string   `json:"userKey"`
	ClientID    string   `json:"clientId"`
	DisplayText string   `json:"displayText"`
	NativeApp   bool     `json:"nativeApp"`
	Anonymous   bool     `json:"anonymous"`
	Scopes      []string `json:"scopes"`
}

// Fetch reads the full directory: users, groups, group memberships, and
// every third-party OAuth token grant.
func (p *Provider) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	snap := &directory.Snapshot{Provider: p.Name(), FetchedAt: time.Now().UTC()}

	users, err := p.listUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		snap.Users = append(snap.Users, directory.User{
			ExternalID:  u.ID,
			Email:       u.PrimaryEmail,
			DisplayName: u.Name.FullName,
			Suspended:   u.Suspended,
			Archived:    u.Archived,
		})
	}

	groups, err := p.listGroups(ctx)
	if err != nil {
		return nil, err
	}
	memberLists, err := batch.Collect(ctx, groups, p.cfg.GroupWorkers,
		func(ctx context.Context, g workspaceGroup) ([]workspaceMember, error) {
			return p.listGroupMembers(ctx, g.ID)
		}, nil)
	if err != nil {
		return nil, err
	}
	for i, g := range groups {
		snap.Groups = append(snap.Groups, directory.Group{
			ExternalID: g.ID,
			Email:      g.Email,
			Name:       g.Name,
		})
		for _, m := range memberLists[i] {
			if !strings.EqualFold(m.Type, "USER") {
				continue
			}
			snap.Memberships = append(snap.Memberships, directory.Membership{
				GroupID: g.ID,
				UserID:  m.ID,
			})
		}
	}

	grants, err := p.listOAuthTokenGrants(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.Anonymous {
			continue
		}
		name := strings.TrimSpace(g.DisplayText)
		if name == "" {
			name = g.ClientID
		}
		snap.Grants = append(snap.Grants, directory.Grant{
			PrincipalID:   g.UserKey,
			PrincipalType: directory.PrincipalUser,
			AppName:       name,
			Scopes:        g.Scopes,
			Source:        directory.GrantSourceToken,
		})
	}

	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "users").Set(float64(len(snap.Users)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "groups").Set(float64(len(snap.Groups)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "grants").Set(float64(len(snap.Grants)))
	return snap, nil
}

func (p *Provider) listUsers(ctx context.Context) ([]workspaceUser, error) {
	endpoint := p.directoryBaseURL + "/users"
	items, err := p.listPaged(ctx, endpoint, "users", url.Values{
		"customer":   []string{p.cfg.CustomerID},
		"maxResults": []string{"500"},
		"orderBy":    []string{"email"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]workspaceUser, 0, len(items))
	for _, raw := range items {
		var u workspaceUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("decode workspace user: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (p *Provider) listGroups(ctx context.Context) ([]workspaceGroup, error) {
	endpoint := p.directoryBaseURL + "/groups"
	items, err := p.listPaged(ctx, endpoint, "groups", url.Values{
		"customer":   []string{p.cfg.CustomerID},
		"maxResults": []string{"200"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]workspaceGroup, 0, len(items))
	for _, raw := range items {
		var g workspaceGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode workspace group: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (p *Provider) listGroupMembers(ctx context.Context, groupID string) ([]workspaceMember, error) {
	endpoint := p.directoryBaseURL + "/groups/" + url.PathEscape(groupID) + "/members"
	items, err := p.listPaged(ctx, endpoint, "members", url.Values{
		"maxResults": []string{"200"},
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]workspaceMember, 0, len(items))
	for _, raw := range items {
		var m workspaceMember
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode workspace group member: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Provider) listOAuthTokenGrants(ctx context.Context) ([]oauthTokenGrant, error) {
	endpoint := p.directoryBaseURL + "/users/all/tokens"
	items, err := p.listPaged(ctx, endpoint, "items", url.Values{
		"maxResults": []string{"500"},
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]oauthTokenGrant, 0, len(items))
	for _, raw := range items {
		var g oauthTokenGrant
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode oauth token grant: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

var errNotFound = errors.New("google api resource not found")

func (p *Provider) listPaged(ctx context.Context, endpoint, key string, values url.Values) ([]json.RawMessage, error) {
	all := make([]json.RawMessage, 0)
	nextPageToken := ""

	for {
		query := cloneURLValues(values)
		if nextPageToken != "" {
			query.Set("pageToken", nextPageToken)
		}
		requestURL := endpoint
		if encoded := query.Encode(); encoded != "" {
			requestURL += "?" + encoded
		}

		respBody, statusCode, err := p.doAuthorizedJSONRequest(ctx, http.MethodGet, requestURL)
		if err != nil {
			if statusCode == http.StatusNotFound {
				return nil, errNotFound
			}
			return nil, err
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()

		var payload struct {
			NextPageToken string            `json:"nextPageToken"`
			Items         []json.RawMessage `json:"items"`
			Users         []json.RawMessage `json:"users"`
			Groups        []json.RawMessage `json:"groups"`
			Members       []json.RawMessage `json:"members"`
		}
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return nil, fmt.Errorf("decode google api page response: %w", err)
		}

		switch key {
		case "users":
			all = append(all, payload.Users...)
		case "groups":
			all = append(all, payload.Groups...)
		case "members":
			all = append(all, payload.Members...)
		default:
			all = append(all, payload.Items...)
		}

		nextPageToken = strings.TrimSpace(payload.NextPageToken)
		if nextPageToken == "" {
			break
		}
		if err := batch.SleepWithContext(ctx, p.cfg.PageDelay); err != nil {
			return nil, err
		}
	}

	return all, nil
}

func cloneURLValues(values url.Values) url.Values {
	if len(values) == 0 {
		return url.Values{}
	}
	cloned := make(url.Values, len(values))
	for key, items := range values {
		cp := make([]string, len(items))
		copy(cp, items)
		cloned[key] = cp
	}
	return cloned
}

func (p *Provider) doAuthorizedJSONRequest(ctx context.Context, method, requestURL string) ([]byte, int, error) {
	var lastErr error
	statusCode := 0
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, statusCode, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, 8*time.Second)
		}

		accessToken, err := p.accessToken(ctx)
		if err != nil {
			return nil, statusCode, err
		}

		req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
		if err != nil {
			return nil, statusCode, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := p.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		statusCode = resp.StatusCode
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
			p.invalidateToken()
			return nil, statusCode, &directory.CredentialError{
				Provider: p.Name(),
				Err:      fmt.Errorf("status=%d body=%s", statusCode, strings.TrimSpace(string(respBody))),
			}
		}

		if statusCode >= 200 && statusCode < 300 {
			return respBody, statusCode, nil
		}

		if !shouldRetryStatus(statusCode) {
			return nil, statusCode, fmt.Errorf("google api request failed: status=%d body=%s", statusCode, strings.TrimSpace(string(respBody)))
		}

		lastErr = fmt.Errorf("status=%d body=%s", statusCode, strings.TrimSpace(string(respBody)))
	}

	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return nil, statusCode, &directory.TransientError{Provider: p.Name(), Err: lastErr}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func shouldRetryStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

func (p *Provider) invalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedToken = nil
}

func (p *Provider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.cachedToken
	p.mu.Unlock()
	if cached != nil && cached.Expiry.After(time.Now().Add(tokenLeeway)) {
		return cached.AccessToken, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	token, err := p.jwtConfig.TokenSource(ctx).Token()
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(p.Name(), "error").Inc()
		return "", p.classifyTokenError(err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues(p.Name(), "ok").Inc()

	p.mu.Lock()
	p.cachedToken = token
	p.mu.Unlock()
	return token.AccessToken, nil
}

// classifyTokenError maps token exchange failures onto the provider
// error taxonomy: throttles and network faults retry; everything else
// means the service account cannot authenticate.
func (p *Provider) classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return &directory.TransientError{Provider: p.Name(), Err: err}
		}
		return &directory.CredentialError{Provider: p.Name(), Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &directory.TransientError{Provider: p.Name(), Err: err}
	}
	return &directory.CredentialError{Provider: p.Name(), Err: err}
}
