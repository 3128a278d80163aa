// Package awsidc fetches directory snapshots from AWS IAM Identity
// Center. Each account assignment of a permission set surfaces as a
// grant against an application named after the permission set.
package awsidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"

	"github.com/grantwatch/grantwatch/internal/directory"
	"github.com/grantwatch/grantwatch/internal/metrics"
)

const defaultHTTPTimeout = 120 * time.Second

type Config struct {
	Region          string
	InstanceArn     string
	IdentityStoreID string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type ssoAdminAPI interface {
	ListInstances(context.Context, *ssoadmin.ListInstancesInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListInstancesOutput, error)
	ListPermissionSets(context.Context, *ssoadmin.ListPermissionSetsInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error)
	DescribePermissionSet(context.Context, *ssoadmin.DescribePermissionSetInput, ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error)
	ListAccountsForProvisionedPermissionSet(context.Context, *ssoadmin.ListAccountsForProvisionedPermissionSetInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListAccountsForProvisionedPermissionSetOutput, error)
	ListAccountAssignments(context.Context, *ssoadmin.ListAccountAssignmentsInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListAccountAssignmentsOutput, error)
}

type identityStoreAPI interface {
	ListUsers(context.Context, *identitystore.ListUsersInput, ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error)
	ListGroups(context.Context, *identitystore.ListGroupsInput, ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error)
	ListGroupMemberships(context.Context, *identitystore.ListGroupMembershipsInput, ...func(*identitystore.Options)) (*identitystore.ListGroupMembershipsOutput, error)
}

type Provider struct {
	region          string
	instanceArn     string
	identityStoreID string

	ssoadmin      ssoAdminAPI
	identitystore identityStoreAPI
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, errors.New("aws identity center region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithHTTPClient(&http.Client{Timeout: defaultHTTPTimeout}),
	}
	if strings.TrimSpace(cfg.AccessKeyID) != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			strings.TrimSpace(cfg.AccessKeyID),
			strings.TrimSpace(cfg.SecretAccessKey),
			strings.TrimSpace(cfg.SessionToken),
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return NewWithClients(cfg, ssoadmin.NewFromConfig(awsCfg), identitystore.NewFromConfig(awsCfg))
}

func NewWithClients(cfg Config, sso ssoAdminAPI, identity identityStoreAPI) (*Provider, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		return nil, errors.New("aws identity center region is required")
	}
	return &Provider{
		region:          region,
		instanceArn:     strings.TrimSpace(cfg.InstanceArn),
		identityStoreID: strings.TrimSpace(cfg.IdentityStoreID),
		ssoadmin:        sso,
		identitystore:   identity,
	}, nil
}

func (p *Provider) Name() string { return directory.ProviderAWSIDC }

func (p *Provider) Fetch(ctx context.Context) (*directory.Snapshot, error) {
	if err := p.resolveInstance(ctx); err != nil {
		return nil, err
	}

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
		members, err := p.listGroupMembers(ctx, g.ExternalID)
		if err != nil {
			return nil, err
		}
		for _, userID := range members {
			snap.Memberships = append(snap.Memberships, directory.Membership{
				GroupID: g.ExternalID,
				UserID:  userID,
			})
		}
	}

	grants, err := p.listGrants(ctx)
	if err != nil {
		return nil, err
	}
	snap.Grants = grants

	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "users").Set(float64(len(snap.Users)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "groups").Set(float64(len(snap.Groups)))
	metrics.DirectoryResourcesTotal.WithLabelValues(p.Name(), "grants").Set(float64(len(snap.Grants)))
	return snap, nil
}

func (p *Provider) listUsers(ctx context.Context) ([]directory.User, error) {
	var out []directory.User
	var token *string
	for {
		resp, err := p.identitystore.ListUsers(ctx, &identitystore.ListUsersInput{
			IdentityStoreId: aws.String(p.identityStoreID),
			NextToken:       token,
		})
		if err != nil {
			return nil, err
		}
		metrics.DirectoryPagesTotal.WithLabelValues(p.Name()).Inc()

		for _, u := range resp.Users {
			userID := strings.TrimSpace(aws.ToString(u.UserId))
			display := strings.TrimSpace(aws.ToString(u.DisplayName))
			if display == "" {
				display = strings.TrimSpace(aws.ToString(u.UserName))
			}
			out = append(out, directory.User{
				ExternalID:  userID,
				Email:       firstNonEmptyEmail(u.Emails),
				DisplayName: display,
			})
		}

		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) listGroups(ctx context.Context) ([]directory.Group, error) {
	var out []directory.Group
	var token *string
	for {
		resp, err := p.identitystore.ListGroups(ctx, &identitystore.ListGroupsInput{
			IdentityStoreId: aws.String(p.identityStoreID),
			NextToken:       token,
		})
		if err != nil {
			return nil, err
		}
		for _, g := range resp.Groups {
			out = append(out, directory.Group{
				ExternalID: strings.TrimSpace(aws.ToString(g.GroupId)),
				Name:       strings.TrimSpace(aws.ToString(g.DisplayName)),
			})
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) listGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	var token *string
	for {
		resp, err := p.identitystore.ListGroupMemberships(ctx, &identitystore.ListGroupMembershipsInput{
			IdentityStoreId: aws.String(p.identityStoreID),
			GroupId:         aws.String(groupID),
			NextToken:       token,
		})
		if err != nil {
			return nil, err
		}
		for _, membership := range resp.GroupMemberships {
			member, ok := membership.MemberId.(*identitystoretypes.MemberIdMemberUserId)
			if !ok {
				continue
			}
			if userID := strings.TrimSpace(member.Value); userID != "" {
				out = append(out, userID)
			}
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) listGrants(ctx context.Context) ([]directory.Grant, error) {
	permissionSets, err := p.listPermissionSets(ctx)
	if err != nil {
		return nil, err
	}

	var out []directory.Grant
	for _, ps := range permissionSets {
		accounts, err := p.listAccountsForPermissionSet(ctx, ps.arn)
		if err != nil {
			return nil, err
		}
		isAdmin := strings.Contains(strings.ToLower(ps.name), "admin")
		for _, accountID := range accounts {
			assignments, err := p.listAccountAssignments(ctx, accountID, ps.arn)
			if err != nil {
				return nil, err
			}
			for _, assignment := range assignments {
				principalID := strings.TrimSpace(aws.ToString(assignment.PrincipalId))
				if principalID == "" {
					continue
				}
				grant := directory.Grant{
					PrincipalID: principalID,
					AppName:     ps.name,
					Scopes:      []string{"aws:account:" + accountID},
					IsAdmin:     isAdmin,
				}
				switch assignment.PrincipalType {
				case ssoadmintypes.PrincipalTypeUser:
					grant.PrincipalType = directory.PrincipalUser
					grant.Source = directory.GrantSourceDirect
				case ssoadmintypes.PrincipalTypeGroup:
					grant.PrincipalType = directory.PrincipalGroup
					grant.Source = directory.GrantSourceGroup
				default:
					continue
				}
				out = append(out, grant)
			}
		}
	}
	return out, nil
}

type permissionSet struct {
	arn  string
	name string
}

func (p *Provider) listPermissionSets(ctx context.Context) ([]permissionSet, error) {
	var out []permissionSet
	var token *string
	for {
		resp, err := p.ssoadmin.ListPermissionSets(ctx, &ssoadmin.ListPermissionSetsInput{
			InstanceArn: aws.String(p.instanceArn),
			NextToken:   token,
		})
		if err != nil {
			return nil, err
		}
		for _, arn := range resp.PermissionSets {
			arn = strings.TrimSpace(arn)
			if arn == "" {
				continue
			}
			name, err := p.describePermissionSetName(ctx, arn)
			if err != nil {
				return nil, err
			}
			if name == "" {
				name = arn
			}
			out = append(out, permissionSet{arn: arn, name: name})
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) describePermissionSetName(ctx context.Context, arn string) (string, error) {
	resp, err := p.ssoadmin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
		InstanceArn:      aws.String(p.instanceArn),
		PermissionSetArn: aws.String(arn),
	})
	if err != nil {
		return "", err
	}
	if resp.PermissionSet == nil {
		return "", nil
	}
	return strings.TrimSpace(aws.ToString(resp.PermissionSet.Name)), nil
}

func (p *Provider) listAccountsForPermissionSet(ctx context.Context, permissionSetArn string) ([]string, error) {
	var out []string
	var token *string
	for {
		resp, err := p.ssoadmin.ListAccountsForProvisionedPermissionSet(ctx, &ssoadmin.ListAccountsForProvisionedPermissionSetInput{
			InstanceArn:      aws.String(p.instanceArn),
			PermissionSetArn: aws.String(permissionSetArn),
			NextToken:        token,
		})
		if err != nil {
			return nil, err
		}
		for _, accountID := range resp.AccountIds {
			if accountID = strings.TrimSpace(accountID); accountID != "" {
				out = append(out, accountID)
			}
		}
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) listAccountAssignments(ctx context.Context, accountID, permissionSetArn string) ([]ssoadmintypes.AccountAssignment, error) {
	var out []ssoadmintypes.AccountAssignment
	var token *string
	for {
		resp, err := p.ssoadmin.ListAccountAssignments(ctx, &ssoadmin.ListAccountAssignmentsInput{
			InstanceArn:      aws.String(p.instanceArn),
			AccountId:        aws.String(accountID),
			PermissionSetArn: aws.String(permissionSetArn),
			NextToken:        token,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.AccountAssignments...)
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *Provider) resolveInstance(ctx context.Context) error {
	if p.ssoadmin == nil || p.identitystore == nil {
		return errors.New("aws clients are required")
	}
	if p.instanceArn != "" && p.identityStoreID != "" {
		return nil
	}

	instances, err := p.listInstances(ctx)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return errors.New("no aws identity center instances found")
	}

	if p.instanceArn != "" {
		for _, inst := range instances {
			if aws.ToString(inst.InstanceArn) == p.instanceArn {
				p.identityStoreID = aws.ToString(inst.IdentityStoreId)
				break
			}
		}
		if p.identityStoreID == "" {
			return fmt.Errorf("aws identity center instance %s not found", p.instanceArn)
		}
		return nil
	}

	if len(instances) > 1 {
		return errors.New("multiple aws identity center instances found; set instance ARN")
	}
	inst := instances[0]
	p.instanceArn = aws.ToString(inst.InstanceArn)
	p.identityStoreID = aws.ToString(inst.IdentityStoreId)
	if p.instanceArn == "" || p.identityStoreID == "" {
		return errors.New("aws identity center instance metadata missing InstanceArn or IdentityStoreId")
	}
	return nil
}

func (p *Provider) listInstances(ctx context.Context) ([]ssoadmintypes.InstanceMetadata, error) {
	var out []ssoadmintypes.InstanceMetadata
	var token *string
	for {
		resp, err := p.ssoadmin.ListInstances(ctx, &ssoadmin.ListInstancesInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list aws identity center instances: %w", err)
		}
		out = append(out, resp.Instances...)
		if resp.NextToken == nil || aws.ToString(resp.NextToken) == "" {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func firstNonEmptyEmail(emails []identitystoretypes.Email) string {
	for _, email := range emails {
		if value := strings.TrimSpace(aws.ToString(email.Value)); value != "" {
			return value
		}
	}
	return ""
}
