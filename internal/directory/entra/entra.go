// Package entra fetches directory snapshots from Microsoft Graph using
// client-credentials auth.
package entra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grantwatch/grantwatch/internal/batch"
	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/metrics"
)

const (
	defaultTimeout    = 120 * time.Second
	maxRetriesOn429   = 5
	maxErrorBodySize  = 1 << 20 // 1 MiB
	defaultGraphBase  = "https://graph.microsoft.com/v1.0"
	defaultAuthority  = "https://login.microsoftonline.com"
	defaultTokenScope = "https://graph.microsoft.com/.default"
	tokenExpiryLeeway = 30 * time.Second
)

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// PageDelay inserts a fixed pause between page requests. Zero
	// disables it. GroupWorkers bounds concurrent membership listings.
	PageDelay    time.Duration
	GroupWorkers int
}

type Options struct {
	HTTPClient       *http.Client
	GraphBaseURL     string
	AuthorityBaseURL string
}

type Provider struct {
	cfg Config

	http          *http.Client
	graphBaseURL  string
	authorityBase string

	mu                sync.Mutex
	cachedToken       string
	cachedTokenExpiry time.Time
}

func New(cfg Config) (*Provider, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg Config, opts Options) (*Provider, error) {
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, errors.New("entra tenant id is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("entra client credentials are required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	graphBase := strings.TrimRight(strings.TrimSpace(opts.GraphBaseURL), "/")
	if graphBase == "" {
		graphBase = defaultGraphBase
	}
	authority := strings.TrimRight(strings.TrimSpace(opts.AuthorityBaseURL), "/")
	if authority == "" {
		authority = defaultAuthority
	}

	return &Provider{
		cfg:           cfg,
		http:          httpClient,
		graphBaseURL:  graphBase,
		authorityBase: authority,
	}, nil
}

func (p *Provider) Name() string { return directory.ProviderEntra }

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    *bool  `json:"accountEnabled"`
	UserType          string `json:"userType"`
}

type graphGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
}

type graphMember struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type"`
}

type servicePrincipal struct {
	ID              string `json:"id"`
	AppID           string `json:"appId"`
	DisplayName     string `json:"displayName"`
	PublisherDomain string `json:"publisherDomain"`
	AppOwnerOrgID   string `json:"appOwnerOrganizationId"`
}

type oauth2PermissionGrant struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	ConsentType string `json:"consentType"`
	PrincipalID string `json:"principalId"`
	Scope       string `json:"scope"`
}

type appRoleAssignment struct {
	ID            string `json:"id"`
	PrincipalID   string `json:"principalId"`
	PrincipalType string `json:"principalType"`
	ResourceID    string `json:"resourceId"`
}

// Fetch reads users, groups, memberships, delegated OAuth grants, and
// app role assignments. Tenant-wide admin consents carry no principal
// and are skipped.
func (p *Provider) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	snap := &directory.Snapshot{Provider: p.Name(), FetchedAt: time.Now().UTC()}

	users, err := p.listUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		email := strings.TrimSpace(u.Mail)
		if email == "" {
			email = u.UserPrincipalName
		}
		snap.Users = append(snap.Users, directory.User{
			ExternalID:  u.ID,
			Email:       email,
			DisplayName: u.DisplayName,
			Suspended:   u.AccountEnabled != nil && !*u.AccountEnabled,
			Guest:       strings.EqualFold(u.UserType, "Guest"),
		})
	}

	groups, err := p.listGroups(ctx)
	if err != nil {
		return nil, err
	}
	memberLists, err := batch.Collect(ctx, groups, p.cfg.GroupWorkers,
		func(ctx context.Context, g graphGroup) ([]graphMember, error) {
			return p.listGroupMembers(ctx, g.ID)
		}, nil)
	if err != nil {
		return nil, err
	}
	for i, g := range groups {
		snap.Groups = append(snap.Groups, directory.Group{
			ExternalID: g.ID,
			Email:      g.Mail,
			Name:       g.DisplayName,
		})
		for _, m := range memberLists[i] {
			if !strings.EqualFold(m.ODataType, "#microsoft.graph.user") {
				continue
			}
			snap.Memberships = append(snap.Memberships, directory.Membership{
				GroupID: g.ID,
				UserID:  m.ID,
			})
		}
	}

	sps, err := p.listServicePrincipals(ctx)
	if err != nil {
		return nil, err
	}
	spByID := make(map[string]servicePrincipal, len(sps))
	for _, sp := range sps {
		spByID[sp.ID] = sp
	}

	grants, err := p.listOAuth2PermissionGrants(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if !strings.EqualFold(g.ConsentType, "Principal") || strings.TrimSpace(g.PrincipalID) == "" {
			continue
		}
		sp, ok := spByID[g.ClientID]
		if !ok {
			continue
		}
		snap.Grants = append(snap.Grants, directory.Grant{
			PrincipalID:   g.PrincipalID,
			PrincipalType: directory.PrincipalUser,
			AppName:       sp.DisplayName,
			AppDomain:     sp.PublisherDomain,
			Scopes:        strings.Fields(g.Scope),
			Source:        directory.GrantSourceToken,
		})
	}

	for _, sp := range sps {
		assignments, err := p.listAppRoleAssignments(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			principalType := directory.PrincipalUser
			if strings.EqualFold(a.PrincipalType, "Group") {
				principalType = directory.PrincipalGroup
			} else if !strings.EqualFold(a.PrincipalType, "User") {
				continue
			}
			source := directory.GrantSourceDirect
			if principalType == directory.PrincipalGroup {
				source = directory.GrantSourceGroup
			}
			snap.Grants = append(snap.Grants, directory.Grant{
				PrincipalID:   a.PrincipalID,
				PrincipalType: principalType,
				AppName:       sp.DisplayName,
				AppDomain:     sp.PublisherDomain,
				Source:        source,
			})
		}
	}

	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "users").Set(float64(len(snap.Users)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "groups").Set(float64(len(snap.Groups)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "grants").Set(float64(len(snap.Grants)))
	return snap, nil
}

func (p *Provider) listUsers(ctx context.Context) ([]graphUser, error) {
	endpoint, err := p.graphURL("/users", url.Values{
		"$select": []string{"id,displayName,mail,userPrincipalName,accountEnabled,userType"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[graphUser](ctx, p, endpoint)
}

func (p *Provider) listGroups(ctx context.Context) ([]graphGroup, error) {
	endpoint, err := p.graphURL("/groups", url.Values{
		"$select": []string{"id,displayName,mail"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[graphGroup](ctx, p, endpoint)
}

func (p *Provider) listGroupMembers(ctx context.Context, groupID string) ([]graphMember, error) {
	endpoint, err := p.graphURL("/groups/"+url.PathEscape(groupID)+"/members", url.Values{
		"$select": []string{"id"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[graphMember](ctx, p, endpoint)
}

func (p *Provider) listServicePrincipals(ctx context.Context) ([]servicePrincipal, error) {
	endpoint, err := p.graphURL("/servicePrincipals", url.Values{
		"$select": []string{"id,appId,displayName,publisherDomain,appOwnerOrganizationId"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[servicePrincipal](ctx, p, endpoint)
}

func (p *Provider) listOAuth2PermissionGrants(ctx context.Context) ([]oauth2PermissionGrant, error) {
	endpoint, err := p.graphURL("/oauth2PermissionGrants", url.Values{
		"$select": []string{"id,clientId,consentType,principalId,scope"},
		"$top":    []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[oauth2PermissionGrant](ctx, p, endpoint)
}

func (p *Provider) listAppRoleAssignments(ctx context.Context, spID string) ([]appRoleAssignment, error) {
	endpoint, err := p.graphURL("/servicePrincipals/"+url.PathEscape(spID)+"/appRoleAssignedTo", url.Values{
		"$top": []string{"999"},
	})
	if err != nil {
		return nil, err
	}
	return listPaged[appRoleAssignment](ctx, p, endpoint)
}

func listPaged[T any](ctx context.Context, p *Provider, endpoint string) ([]T, error) {
	rawItems, err := p.listPagedRaw(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rawItems))
	for _, raw := range rawItems {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (p *Provider) listPagedRaw(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		body, err := p.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()

		var page struct {
			Value    []json.RawMessage `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)

		next := strings.TrimSpace(page.NextLink)
		if next == "" {
			break
		}
		if p.cfg.PageDelay > 0 {
			if err := sleep(ctx, p.cfg.PageDelay); err != nil {
				return nil, err
			}
		}
		endpoint = next
	}
	return out, nil
}

func (p *Provider) graphURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(p.graphBaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func (p *Provider) get(ctx context.Context, endpoint string) ([]byte, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "grantwatch")

		resp, err := p.http.Do(req)
		if err != nil {
			return nil, &directory.TransientError{Provider: p.Name(), Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			lastErr = formatGraphError("graph api throttled", endpoint, resp, body)
			if attempt == maxRetriesOn429 {
				return nil, &directory.TransientError{Provider: p.Name(), Err: lastErr}
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = retryBackoff(attempt)
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			p.invalidateToken()
			return nil, &directory.CredentialError{
				Provider: p.Name(),
				Err:      formatGraphError("graph api denied", endpoint, resp, body),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			return nil, formatGraphError("graph api failed", endpoint, resp, body)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		return body, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("entra request failed")
}

func (p *Provider) invalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedToken = ""
	p.cachedTokenExpiry = time.Time{}
}

func (p *Provider) token(ctx context.Context) (string, error) {
	now := time.Now()

	p.mu.Lock()
	cached := p.cachedToken
	exp := p.cachedTokenExpiry
	p.mu.Unlock()

	if strings.TrimSpace(cached) != "" && exp.After(now.Add(tokenExpiryLeeway)) {
		return cached, nil
	}

	accessToken, expiresAt, err := p.fetchToken(ctx)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(p.Name(), "error").Inc()
		return "", err
	}
	metrics.TokenRefreshesTotal.WithLabelValues(p.Name(), "ok").Inc()

	p.mu.Lock()
	p.cachedToken = accessToken
	p.cachedTokenExpiry = expiresAt
	p.mu.Unlock()

	return accessToken, nil
}

func (p *Provider) fetchToken(ctx context.Context) (string, time.Time, error) {
	u, err := url.Parse(p.authorityBase)
	if err != nil {
		return "", time.Time{}, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(p.cfg.TenantID) + "/oauth2/v2.0/token"
	u.RawQuery = ""
	u.Fragment = ""

	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("scope", defaultTokenScope)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "grantwatch")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", time.Time{}, &directory.TransientError{Provider: p.Name(), Err: err}
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return "", time.Time{}, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, &directory.CredentialError{
			Provider: p.Name(),
			Err:      formatGraphError("token request failed", u.String(), resp, body),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, err
	}

	accessToken := strings.TrimSpace(payload.AccessToken)
	if accessToken == "" {
		return "", time.Time{}, errors.New("entra token response missing access_token")
	}

	expiresIn, ok := parseExpiresInSeconds(payload.ExpiresIn)
	if !ok {
		expiresIn = 3600
	}
	return accessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

func parseExpiresInSeconds(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatGraphError(message, endpoint string, resp *http.Response, body []byte) error {
	return fmt.Errorf("%s: url=%s status=%d body=%s", message, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
}
