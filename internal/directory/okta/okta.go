// Package okta fetches directory snapshots through the Okta management
// SDK. Rate-limit retries are delegated to the SDK itself.
package okta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/okta/okta-sdk-golang/v6/okta"

	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/metrics"
)

type Config struct {
	BaseURL string
	Token   string
}

type Provider struct {
	baseURL string
	api     *sdk.APIClient
}

func New(cfg Config) (*Provider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	token := strings.TrimSpace(cfg.Token)
	if base == "" {
		return nil, errors.New("okta base URL is required")
	}
	if token == "" {
		return nil, errors.New("okta token is required")
	}

	sdkCfg, err := sdk.NewConfiguration(
		sdk.WithOrgUrl(base),
		sdk.WithToken(token),
		sdk.WithCache(false),
		sdk.WithRequestTimeout(120),
		sdk.WithRateLimitMaxBackOff(30),
		sdk.WithRateLimitMaxRetries(4),
	)
	if err != nil {
		return nil, fmt.Errorf("okta sdk config: %w", err)
	}
	return &Provider{baseURL: base, api: sdk.NewAPIClient(sdkCfg)}, nil
}

func (p *Provider) Name() string { return directory.ProviderOkta }

// Fetch reads users, groups, group memberships, applications, and both
// user and group application assignments.
func (p *Provider) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	snap := &directory.Snapshot{Provider: p.Name(), FetchedAt: time.Now().UTC()}

	users, err := p.listUsers(ctx)
	if err != nil {
		return nil, err
	}
	snap.Users = users

	groups, err := p.listGroups(ctx)
	if err != nil {
		return nil, err
	}
	snap.Groups = groups

	for _, g := range groups {
		memberIDs, err := p.listGroupUserIDs(ctx, g.ExternalID)
		if err != nil {
			return nil, err
		}
		for _, id := range memberIDs {
			snap.Memberships = append(snap.Memberships, directory.Membership{
				GroupID: g.ExternalID,
				UserID:  id,
			})
		}
	}

	apps, err := p.listApps(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		userAssignments, err := p.listApplicationUsers(ctx, app.id)
		if err != nil {
			return nil, err
		}
		for _, a := range userAssignments {
			snap.Grants = append(snap.Grants, directory.Grant{
				PrincipalID:   a.userID,
				PrincipalType: directory.PrincipalUser,
				AppName:       app.label,
				IsAdmin:       strings.EqualFold(a.scope, "ADMIN"),
				Source:        directory.GrantSourceDirect,
			})
		}

		groupAssignments, err := p.listApplicationGroups(ctx, app.id)
		if err != nil {
			return nil, err
		}
		for _, groupID := range groupAssignments {
			snap.Grants = append(snap.Grants, directory.Grant{
				PrincipalID:   groupID,
				PrincipalType: directory.PrincipalGroup,
				AppName:       app.label,
				Source:        directory.GrantSourceGroup,
			})
		}
	}

	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "users").Set(float64(len(snap.Users)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "groups").Set(float64(len(snap.Groups)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "grants").Set(float64(len(snap.Grants)))
	return snap, nil
}

func (p *Provider) listUsers(ctx context.Context) ([]directory.User, error) {
	req := p.api.UserAPI.ListUsers(ctx).
		Limit(200).
		ContentType("application/json; okta-response=omitCredentials,omitCredentialsLinks,omitTransitioningToStatus")
	users, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []directory.User
	for {
		for _, u := range users {
			out = append(out, mapUser(u))
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.User
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		users = next
	}
	return out, nil
}

func mapUser(u sdk.User) directory.User {
	email := ""
	display := ""
	if u.Profile != nil {
		email = u.Profile.GetEmail()
		if email == "" {
			email = u.Profile.GetLogin()
		}
		display = u.Profile.GetDisplayName()
		if display == "" {
			display = strings.TrimSpace(u.Profile.GetFirstName() + " " + u.Profile.GetLastName())
		}
	}
	status := strings.ToUpper(strings.TrimSpace(u.GetStatus()))
	return directory.User{
		ExternalID:  u.GetId(),
		Email:       email,
		DisplayName: display,
		Suspended:   status == "SUSPENDED" || status == "LOCKED_OUT",
		Archived:    status == "DEPROVISIONED",
	}
}

func (p *Provider) listGroups(ctx context.Context) ([]directory.Group, error) {
	req := p.api.GroupAPI.ListGroups(ctx).Limit(200)
	groups, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []directory.Group
	for {
		for _, g := range groups {
			out = append(out, mapGroup(g))
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.Group
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		groups = next
	}
	return out, nil
}

func mapGroup(g sdk.Group) directory.Group {
	name := ""
	if g.Profile != nil {
		if g.Profile.OktaUserGroupProfile != nil {
			name = g.Profile.OktaUserGroupProfile.GetName()
		} else if g.Profile.OktaActiveDirectoryGroupProfile != nil {
			name = g.Profile.OktaActiveDirectoryGroupProfile.GetName()
		}
	}
	return directory.Group{ExternalID: g.GetId(), Name: name}
}

func (p *Provider) listGroupUserIDs(ctx context.Context, groupID string) ([]string, error) {
	req := p.api.GroupAPI.ListGroupUsers(ctx, groupID).Limit(200)
	users, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []string
	for {
		for _, u := range users {
			if id := strings.TrimSpace(u.GetId()); id != "" {
				out = append(out, id)
			}
		}
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.User
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		users = next
	}
	return out, nil
}

type oktaApp struct {
	id    string
	label string
}

func (p *Provider) listApps(ctx context.Context) ([]oktaApp, error) {
	req := p.api.ApplicationAPI.ListApplications(ctx).Limit(200)
	apps, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []oktaApp
	for {
		for _, app := range apps {
			id, label := appIdentity(app)
			if id == "" {
				continue
			}
			out = append(out, oktaApp{id: id, label: label})
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.ListApplications200ResponseInner
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		apps = next
	}
	return out, nil
}

func appIdentity(app sdk.ListApplications200ResponseInner) (id, label string) {
	if inst := app.GetActualInstance(); inst != nil {
		type identifiable interface {
			GetId() string
			GetLabel() string
		}
		if v, ok := inst.(identifiable); ok {
			return v.GetId(), v.GetLabel()
		}
	}
	return "", ""
}

func (p *Provider) listApplicationUsers(ctx context.Context, appID string) ([]appUserAssignment, error) {
	req := p.api.ApplicationUsersAPI.ListApplicationUsers(ctx, appID).Limit(200)
	users, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []appUserAssignment
	for {
		for _, u := range users {
			out = append(out, appUserAssignment{
				userID: strings.TrimSpace(u.GetId()),
				scope:  strings.TrimSpace(u.GetScope()),
			})
		}
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.AppUser
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		users = next
	}
	return out, nil
}

type appUserAssignment struct {
	userID string
	scope  string
}

func (p *Provider) listApplicationGroups(ctx context.Context, appID string) ([]string, error) {
	req := p.api.ApplicationGroupsAPI.ListApplicationGroupAssignments(ctx, appID).Limit(200)
	assignments, resp, err := req.Execute()
	if err != nil {
		return nil, p.classifyError(err, resp)
	}

	var out []string
	for {
		for _, a := range assignments {
			if id := strings.TrimSpace(a.GetId()); id != "" {
				out = append(out, id)
			}
		}
		if resp == nil || !resp.HasNextPage() {
			break
		}
		var next []sdk.ApplicationGroupAssignment
		resp, err = resp.Next(&next)
		if err != nil {
			return nil, p.classifyError(err, resp)
		}
		assignments = next
	}
	return out, nil
}

func (p *Provider) classifyError(err error, resp *sdk.APIResponse) error {
	if err == nil {
		return nil
	}
	formatted := formatAPIError(err, resp)

	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.Response.StatusCode
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &directory.CredentialError{Provider: p.Name(), Err: formatted}
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &directory.TransientError{Provider: p.Name(), Err: formatted}
	}
	return formatted
}

func formatAPIError(err error, resp *sdk.APIResponse) error {
	status := ""
	if resp != nil && resp.Response != nil {
		status = resp.Response.Status
	}
	var apiErr *sdk.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		if model := apiErr.Model(); model != nil {
			switch v := model.(type) {
			case sdk.Error:
				if summary := strings.TrimSpace(v.GetErrorSummary()); summary != "" {
					return fmt.Errorf("okta api error: %s: %s", status, summary)
				}
			case *sdk.Error:
				if summary := strings.TrimSpace(v.GetErrorSummary()); summary != "" {
					return fmt.Errorf("okta api error: %s: %s", status, summary)
				}
			}
		}
		body := strings.TrimSpace(string(apiErr.Body()))
		const maxBody = 4096
		if len(body) > maxBody {
			body = body[:maxBody] + fmt.Sprintf("... (truncated, %d bytes)", len(body))
		}
		if body != "" {
			return fmt.Errorf("okta api error: %s: %s", status, body)
		}
	}
	if status != "" {
		return fmt.Errorf("okta api error: %s: %w", status, err)
	}
	return err
}
