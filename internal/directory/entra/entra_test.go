package entra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/grantwatch/grantwatch/internal/directory"
)

type fakeGraph struct {
	tokenCalls atomic.Int64

	mux *http.ServeMux
	srv *httptest.Server
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	f := &fakeGraph{mux: http.NewServeMux()}
	f.mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"graph-token","expires_in":3600}`)
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGraph) provider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewWithOptions(Config{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "secret",
		GroupWorkers: 2,
	}, Options{
		HTTPClient:       f.srv.Client(),
		GraphBaseURL:     f.srv.URL,
		AuthorityBaseURL: f.srv.URL,
	})
	if err != nil {
		t.Fatalf("NewWithOptions() error = %v", err)
	}
	return p
}

func (f *fakeGraph) handleJSON(pattern, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
}

func TestFetch_MapsUsersGrantsAndMemberships(t *testing.T) {
	f := newFakeGraph(t)

	f.mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer graph-token" {
			t.Errorf("Authorization = %q", got)
		}
		if sel := r.URL.Query().Get("$select"); r.URL.Query().Get("page") == "" && !strings.Contains(sel, "userType") {
			t.Errorf("$select = %q, must request userType", sel)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"id":"u2","displayName":"Bob","mail":"bob@corp.example","accountEnabled":false},{"id":"u3","displayName":"Eve","mail":"eve@partner.example","accountEnabled":true,"userType":"Guest"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"u1","displayName":"Alice","userPrincipalName":"alice@corp.example","accountEnabled":true,"userType":"Member"}],"@odata.nextLink":"%s/users?page=2"}`, f.srv.URL)
	})
	f.handleJSON("/groups", `{"value":[{"id":"g1","displayName":"Engineering","mail":"eng@corp.example"}]}`)
	f.handleJSON("/groups/g1/members", `{"value":[{"id":"u1","@odata.type":"#microsoft.graph.user"},{"id":"d1","@odata.type":"#microsoft.graph.device"}]}`)
	f.handleJSON("/servicePrincipals", `{"value":[{"id":"sp1","appId":"app-1","displayName":"Notion","publisherDomain":"notion.so"}]}`)
	f.handleJSON("/oauth2PermissionGrants", `{"value":[
		{"id":"pg1","clientId":"sp1","consentType":"Principal","principalId":"u1","scope":"User.Read Files.Read"},
		{"id":"pg2","clientId":"sp1","consentType":"AllPrincipals","principalId":"","scope":"User.Read"}]}`)
	f.handleJSON("/servicePrincipals/sp1/appRoleAssignedTo", `{"value":[{"id":"ra1","principalId":"g1","principalType":"Group","resourceId":"sp1"}]}`)

	snap, err := f.provider(t).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(snap.Users) != 3 {
		t.Fatalf("len(Users) = %d, want 3", len(snap.Users))
	}
	if snap.Users[0].Email != "alice@corp.example" {
		t.Errorf("u1 email fell back wrong: %q", snap.Users[0].Email)
	}
	if snap.Users[0].Guest {
		t.Error("member account must not map to guest")
	}
	if !snap.Users[1].Suspended {
		t.Error("disabled account should map to suspended")
	}
	if !snap.Users[2].Guest {
		t.Error("userType Guest should map to the guest flag")
	}
	if len(snap.Memberships) != 1 || snap.Memberships[0].UserID != "u1" {
		t.Fatalf("Memberships = %+v", snap.Memberships)
	}

	// One delegated grant (tenant-wide consent skipped) plus one group
	// app role assignment.
	if len(snap.Grants) != 2 {
		t.Fatalf("len(Grants) = %d, want 2", len(snap.Grants))
	}
	delegated := snap.Grants[0]
	if delegated.AppName != "Notion" || len(delegated.Scopes) != 2 {
		t.Errorf("delegated grant = %+v", delegated)
	}
	roleGrant := snap.Grants[1]
	if roleGrant.PrincipalType != directory.PrincipalGroup || roleGrant.Source != directory.GrantSourceGroup {
		t.Errorf("role grant = %+v, want group-sourced", roleGrant)
	}
}

func TestFetch_TokenReusedAcrossFetches(t *testing.T) {
	f := newFakeGraph(t)
	empty := `{"value":[]}`
	f.handleJSON("/users", empty)
	f.handleJSON("/groups", empty)
	f.handleJSON("/servicePrincipals", empty)
	f.handleJSON("/oauth2PermissionGrants", empty)

	p := f.provider(t)
	for range 3 {
		if _, err := p.Fetch(context.Background()); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
	if got := f.tokenCalls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}
}

func TestFetch_UnauthorizedIsCredentialError(t *testing.T) {
	f := newFakeGraph(t)
	f.mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"InvalidAuthenticationToken"}}`, http.StatusUnauthorized)
	})

	_, err := f.provider(t).Fetch(context.Background())
	var credErr *directory.CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Fetch() error = %v, want CredentialError", err)
	}
}

func TestFetch_ThrottleRetriesThenSucceeds(t *testing.T) {
	f := newFakeGraph(t)
	var userCalls atomic.Int64
	f.mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if userCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, `{"error":{"code":"TooManyRequests"}}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[{"id":"u1","mail":"alice@corp.example"}]}`)
	})
	empty := `{"value":[]}`
	f.handleJSON("/groups", empty)
	f.handleJSON("/servicePrincipals", empty)
	f.handleJSON("/oauth2PermissionGrants", empty)

	snap, err := f.provider(t).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(snap.Users) != 1 {
		t.Fatalf("len(Users) = %d, want 1", len(snap.Users))
	}
	if userCalls.Load() != 2 {
		t.Fatalf("user endpoint calls = %d, want 2", userCalls.Load())
	}
}
