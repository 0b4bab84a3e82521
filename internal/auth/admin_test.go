package auth_test

import (
	"context"
	"errors"
	"testing"

	"condohub.io/internal/auth"
)

func TestCreateUserNeverSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.admin.CreateUser(ctx, auth.CreateUserInput{Email: "New@Example.com", Password: "long-enough"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.IsSuperAdmin || !u.IsActive || u.Email != "new@example.com" || u.PasswordHash == "" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := f.admin.CreateUser(ctx, auth.CreateUserInput{Email: "NEW@example.com", Password: "long-enough"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate email: %v", err)
	}
	for _, in := range []auth.CreateUserInput{
		{Email: "not-an-email", Password: "long-enough"},
		{Email: "short@example.com", Password: "short"},
	} {
		if _, err := f.admin.CreateUser(ctx, in); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("CreateUser(%+v) = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestDeactivateUserRevokesCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "off@example.com")
	plain, _, _ := f.tokens.IssueRefreshCredential(ctx, u, auth.ClientInfo{})

	got, err := f.admin.SetUserActive(ctx, u.ID, false)
	if err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if got.IsActive {
		t.Fatalf("user still active")
	}
	rec, _ := f.store.Credential(auth.HashRefreshToken(plain))
	if rec.RevokedAt == nil {
		t.Fatalf("credential not revoked on deactivation")
	}
	if _, err := f.admin.SetUserActive(ctx, "missing", true); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
}

func TestGrantCapabilityValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "grantee@example.com")

	invalid := []auth.GrantInput{
		{Capability: "goals:update", Scope: "tenant"},
		{Capability: "goals:update", Scope: "own", ScopeID: "condo-1"},
		{Capability: "goals:update", Scope: "unrestricted", ScopeID: "condo-1"},
		{Capability: "goals:update", Scope: "global"},
		{Capability: "goals", Scope: "own"},
		{Capability: "goals:fly", Scope: "own"},
		{Capability: "nothing:read", Scope: "own"},
	}
	for _, in := range invalid {
		if _, err := f.admin.GrantCapability(ctx, u.ID, in); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("GrantCapability(%+v) = %v, want ErrInvalidInput", in, err)
		}
	}

	g, err := f.admin.GrantCapability(ctx, u.ID, auth.GrantInput{Capability: "Goals:Update", Scope: "TENANT", ScopeID: "condo-1"})
	if err != nil {
		t.Fatalf("GrantCapability: %v", err)
	}
	if g.Capability.String() != "goals:update" || g.Scope != auth.ScopeTenant || g.Source != auth.SourceDirect {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if _, err := f.admin.GrantCapability(ctx, u.ID, auth.GrantInput{Capability: "goals:update", Scope: "tenant", ScopeID: "condo-1"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate grant: %v", err)
	}
	if _, err := f.admin.GrantCapability(ctx, "missing", auth.GrantInput{Capability: "goals:read", Scope: "own"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}

	if err := f.admin.RevokeGrant(ctx, u.ID, g.ID); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}
	if err := f.admin.RevokeGrant(ctx, u.ID, g.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second RevokeGrant: %v", err)
	}
}

func TestPoolAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "pooled@example.com")
	p := f.pool(t, "maintenance")

	if _, err := f.admin.CreatePool(ctx, auth.PoolInput{Name: "Maintenance"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate pool: %v", err)
	}
	if _, err := f.admin.AddPoolMember(ctx, p.ID, u.ID); err != nil {
		t.Fatalf("AddPoolMember: %v", err)
	}
	if _, err := f.admin.AddPoolMember(ctx, p.ID, u.ID); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate member: %v", err)
	}
	if _, err := f.admin.SetPoolModules(ctx, p.ID, auth.PoolModulesInput{Modules: []string{"goals", "warp-drive"}}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("unknown module: %v", err)
	}
	mods, err := f.admin.SetPoolModules(ctx, p.ID, auth.PoolModulesInput{Modules: []string{"goals", "GOALS", "users"}})
	if err != nil || len(mods) != 2 {
		t.Fatalf("SetPoolModules = %v, %v", mods, err)
	}
	g := f.poolGrant(t, p.ID, "goals:read", "unrestricted", "")

	name := "Facilities"
	updated, err := f.admin.UpdatePool(ctx, p.ID, auth.PoolUpdateInput{Name: &name})
	if err != nil || updated.Name != "Facilities" || !updated.IsActive {
		t.Fatalf("UpdatePool = %+v, %v", updated, err)
	}
	blank := "  "
	if _, err := f.admin.UpdatePool(ctx, p.ID, auth.PoolUpdateInput{Name: &blank}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("blank name: %v", err)
	}

	if err := f.admin.RevokePoolGrant(ctx, p.ID, g.ID); err != nil {
		t.Fatalf("RevokePoolGrant: %v", err)
	}
	if err := f.admin.RemovePoolMember(ctx, p.ID, u.ID); err != nil {
		t.Fatalf("RemovePoolMember: %v", err)
	}
	if err := f.admin.RemovePoolMember(ctx, p.ID, u.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second RemovePoolMember: %v", err)
	}
}

func TestIssueContextBindsTenantGrantsOnly(t *testing.T) {
	cases := []struct {
		name string
		in   auth.GrantInput
		want auth.CallContext
	}{
		{name: "tenant", in: auth.GrantInput{Capability: "goals:read", Scope: "Tenant", ScopeID: " condo-1 "}, want: auth.CallContext{TenantID: "condo-1"}},
		{name: "unrestricted", in: auth.GrantInput{Capability: "goals:read", Scope: "unrestricted"}},
		{name: "own", in: auth.GrantInput{Capability: "goals:read", Scope: "own"}},
		{name: "unrestricted with stray tenant", in: auth.GrantInput{Capability: "goals:read", Scope: "unrestricted", ScopeID: "condo-1"}},
		{name: "unparseable", in: auth.GrantInput{Capability: "goals:read", Scope: "global", ScopeID: "condo-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := auth.IssueContext(tc.in); got != tc.want {
				t.Fatalf("IssueContext() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTenantAssignerCannotIssueBroaderGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := f.user(t, "manager@example.com")
	f.grant(t, manager.ID, "users:update", "tenant", "condo-1")

	allowed := func(in auth.GrantInput) bool {
		t.Helper()
		d, err := f.scopes.CheckCaller(ctx, manager, auth.CapabilityKey{Module: "users", Action: "update"}, auth.IssueContext(in))
		if err != nil {
			t.Fatalf("CheckCaller: %v", err)
		}
		return d.Allowed()
	}
	if !allowed(auth.GrantInput{Capability: "goals:read", Scope: "tenant", ScopeID: "condo-1"}) {
		t.Fatalf("tenant grant inside own tenant should pass")
	}
	for _, in := range []auth.GrantInput{
		{Capability: "goals:read", Scope: "tenant", ScopeID: "condo-2"},
		{Capability: "goals:read", Scope: "unrestricted"},
		{Capability: "goals:read", Scope: "own"},
	} {
		if allowed(in) {
			t.Fatalf("tenant holder passed for %+v", in)
		}
	}
}

func TestRevokeContextFollowsStoredGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "target@example.com")
	tenant := f.grant(t, u.ID, "goals:read", "tenant", "condo-7")
	wide := f.grant(t, u.ID, "goals:update", "unrestricted", "")

	if cc, err := f.admin.RevokeContext(ctx, u.ID, tenant.ID); err != nil || cc.TenantID != "condo-7" {
		t.Fatalf("tenant grant context = %+v, %v", cc, err)
	}
	if cc, err := f.admin.RevokeContext(ctx, u.ID, wide.ID); err != nil || cc != (auth.CallContext{}) {
		t.Fatalf("unrestricted grant context = %+v, %v", cc, err)
	}
	if cc, err := f.admin.RevokeContext(ctx, "someone-else", tenant.ID); err != nil || cc != (auth.CallContext{}) {
		t.Fatalf("mismatched owner context = %+v, %v", cc, err)
	}

	p := f.pool(t, "Concierge")
	pg := f.poolGrant(t, p.ID, "resources:read", "tenant", "condo-3")
	if cc, err := f.admin.PoolRevokeContext(ctx, p.ID, pg.ID); err != nil || cc.TenantID != "condo-3" {
		t.Fatalf("pool grant context = %+v, %v", cc, err)
	}
}

func TestMalformedIdentifiersAreNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "ids@example.com")
	p := f.pool(t, "Board")

	checks := map[string]error{
		"user":          func() error { _, err := f.admin.User(ctx, "../etc/passwd"); return err }(),
		"revoke grant":  f.admin.RevokeGrant(ctx, u.ID, "not-a-grant"),
		"remove member": f.admin.RemovePoolMember(ctx, p.ID, "bogus"),
		"pool grant":    f.admin.RevokePoolGrant(ctx, "bogus", "bogus"),
	}
	for name, err := range checks {
		if !errors.Is(err, auth.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
	if cc, err := f.admin.RevokeContext(ctx, u.ID, "bogus"); err != nil || cc != (auth.CallContext{}) {
		t.Fatalf("RevokeContext = %+v, %v", cc, err)
	}
}
