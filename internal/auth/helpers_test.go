package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/store/memory"
)

const testSecret = "test-secret-0123456789abcdef-0123456789"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []auth.AuthEvent
}

func (r *recorder) Record(_ context.Context, ev auth.AuthEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last(t *testing.T) auth.AuthEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatalf("expected an auth event")
	}
	return r.events[len(r.events)-1]
}

var testCatalog = []auth.Module{
	{Code: "goals", Name: "Goals", Position: 2, IsActive: true, Capabilities: []auth.Capability{
		{Code: "create"}, {Code: "read"}, {Code: "update"}, {Code: "delete"},
	}},
	{Code: "resources", Name: "Resources", Position: 3, IsActive: true, Capabilities: []auth.Capability{
		{Code: "read"}, {Code: "update"},
	}},
	{Code: "users", Name: "Users", Position: 1, IsActive: true, Capabilities: []auth.Capability{
		{Code: "read"}, {Code: "create"}, {Code: "update"},
	}},
	{Code: "archive", Name: "Archive", Position: 9, IsActive: false, Capabilities: []auth.Capability{
		{Code: "read"},
	}},
}

type fixture struct {
	clock    *clock
	store    *memory.Store
	tokens   *auth.TokenIssuer
	pools    *auth.PoolResolver
	scopes   *auth.ScopeResolver
	verifier *auth.Verifier
	enforcer *auth.Enforcer
	sessions *auth.Sessions
	admin    *auth.Admin
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock()
	store := memory.New(memory.WithClock(clk.Now))
	if err := store.Catalog().Ensure(context.Background(), testCatalog); err != nil {
		t.Fatalf("ensure catalog: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(store.Credentials(),
		auth.WithHMACSecret(testSecret),
		auth.WithIssuer("condohub-test"),
		auth.WithClock(clk.Now),
	)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	hasher := auth.BcryptHasher{Cost: 4}
	pools := auth.NewPoolResolver(store.Pools())
	scopes := auth.NewScopeResolver(store.Users(), store.Grants(), pools, store.Catalog())
	verifier := auth.NewVerifier(tokens, store.Users())
	events := &recorder{}
	return &fixture{
		clock:    clk,
		store:    store,
		tokens:   tokens,
		pools:    pools,
		scopes:   scopes,
		verifier: verifier,
		enforcer: auth.NewEnforcer(verifier, scopes),
		sessions: auth.NewSessions(store.Users(), tokens, events, auth.WithPasswordHasher(hasher), auth.WithSessionClock(clk.Now)),
		admin:    auth.NewAdmin(store, tokens, hasher),
		events:   events,
	}
}

func (f *fixture) user(t *testing.T, email string) auth.User {
	t.Helper()
	u, err := f.admin.CreateUser(context.Background(), auth.CreateUserInput{Email: email, Password: "correct-horse"})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func (f *fixture) superAdmin(t *testing.T, email string) auth.User {
	t.Helper()
	u := f.user(t, email)
	if err := f.store.Users().SetSuperAdmin(context.Background(), u.ID, true); err != nil {
		t.Fatalf("SetSuperAdmin: %v", err)
	}
	u.IsSuperAdmin = true
	return u
}

func (f *fixture) grant(t *testing.T, userID, capability, scope, scopeID string) auth.Grant {
	t.Helper()
	g, err := f.admin.GrantCapability(context.Background(), userID, auth.GrantInput{
		Capability: capability, Scope: scope, ScopeID: scopeID,
	})
	if err != nil {
		t.Fatalf("GrantCapability(%s %s %s): %v", capability, scope, scopeID, err)
	}
	return g
}

func (f *fixture) pool(t *testing.T, name string, members ...string) auth.Pool {
	t.Helper()
	ctx := context.Background()
	p, err := f.admin.CreatePool(ctx, auth.PoolInput{Name: name})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	for _, m := range members {
		if _, err := f.admin.AddPoolMember(ctx, p.ID, m); err != nil {
			t.Fatalf("AddPoolMember: %v", err)
		}
	}
	return p
}

func (f *fixture) poolGrant(t *testing.T, poolID, capability, scope, scopeID string) auth.Grant {
	t.Helper()
	g, err := f.admin.GrantPoolCapability(context.Background(), poolID, auth.GrantInput{
		Capability: capability, Scope: scope, ScopeID: scopeID,
	})
	if err != nil {
		t.Fatalf("GrantPoolCapability: %v", err)
	}
	return g
}

func mustKey(t *testing.T, s string) auth.CapabilityKey {
	t.Helper()
	k, err := auth.ParseCapabilityKey(s)
	if err != nil {
		t.Fatalf("ParseCapabilityKey(%q): %v", s, err)
	}
	return k
}
