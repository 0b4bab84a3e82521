package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/catalog"
	"condohub.io/internal/store/memory"
)

const (
	testSecret   = "httpapi-test-secret-0123456789abcdef"
	testPassword = "correct-horse-battery"
)

type envConfig struct {
	wrapGrants    func(auth.GrantStore) auth.GrantStore
	ready         Pinger
	ratePerSecond float64
	rateBurst     int
}

type envOption func(*envConfig)

func withGrantStore(wrap func(auth.GrantStore) auth.GrantStore) envOption {
	return func(c *envConfig) { c.wrapGrants = wrap }
}

func withRateLimit(perSecond float64, burst int) envOption {
	return func(c *envConfig) { c.ratePerSecond, c.rateBurst = perSecond, burst }
}

func withReady(p Pinger) envOption {
	return func(c *envConfig) { c.ready = p }
}

type testEnv struct {
	t      *testing.T
	store  *memory.Store
	admin  *auth.Admin
	api    *API
	srv    *httptest.Server
	writer *audit.Writer
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{ratePerSecond: 1000, rateBurst: 1000}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	store := memory.New()
	if err := catalog.Sync(ctx, store.Catalog()); err != nil {
		t.Fatalf("catalog.Sync: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(store.Credentials(), auth.WithHMACSecret(testSecret))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	var grants auth.GrantStore = store.Grants()
	if cfg.wrapGrants != nil {
		grants = cfg.wrapGrants(grants)
	}
	hasher := auth.BcryptHasher{Cost: 4}
	scopes := auth.NewScopeResolver(store.Users(), grants, auth.NewPoolResolver(store.Pools()), store.Catalog())
	writer := audit.NewWriter(store.Events())
	admin := auth.NewAdmin(store, tokens, hasher)

	api := New(Deps{
		Enforcer:      auth.NewEnforcer(auth.NewVerifier(tokens, store.Users()), scopes),
		Sessions:      auth.NewSessions(store.Users(), tokens, writer, auth.WithPasswordHasher(hasher)),
		Admin:         admin,
		Scopes:        scopes,
		Ready:         cfg.ready,
		Version:       "test",
		RatePerSecond: cfg.ratePerSecond,
		RateBurst:     cfg.rateBurst,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = writer.Close(context.Background())
	})
	return &testEnv{t: t, store: store, admin: admin, api: api, srv: srv, writer: writer}
}

func (e *testEnv) user(email string) auth.User {
	e.t.Helper()
	u, err := e.admin.CreateUser(context.Background(), auth.CreateUserInput{Email: email, Password: testPassword})
	if err != nil {
		e.t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func (e *testEnv) grant(userID, capability, scope, scopeID string) auth.Grant {
	e.t.Helper()
	g, err := e.admin.GrantCapability(context.Background(), userID, auth.GrantInput{Capability: capability, Scope: scope, ScopeID: scopeID})
	if err != nil {
		e.t.Fatalf("GrantCapability: %v", err)
	}
	return g
}

func (e *testEnv) superAdmin(email string) auth.User {
	e.t.Helper()
	u := e.user(email)
	if err := e.store.Users().SetSuperAdmin(context.Background(), u.ID, true); err != nil {
		e.t.Fatalf("SetSuperAdmin: %v", err)
	}
	return u
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func (e *testEnv) do(method, path, token string, body any) response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			e.t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return out
}

func (e *testEnv) login(email string) (access, refresh string) {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": testPassword})
	if resp.status != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %v", email, resp.status, resp.body)
	}
	return resp.body["access_token"].(string), resp.body["refresh_token"].(string)
}

func (e *testEnv) authEvents() []auth.AuthEvent {
	e.t.Helper()
	if err := e.writer.Close(context.Background()); err != nil {
		e.t.Fatalf("close audit writer: %v", err)
	}
	return e.store.AuthEvents()
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, withReady(pingFunc(func(context.Context) error { return errors.New("db down") })))

	if resp := env.do(http.MethodGet, "/healthz", "", nil); resp.status != http.StatusOK || resp.body["version"] != "test" {
		t.Fatalf("healthz: %d %v", resp.status, resp.body)
	}
	resp := env.do(http.MethodGet, "/readyz", "", nil)
	if resp.status != http.StatusServiceUnavailable || resp.body["status"] != "not_ready" {
		t.Fatalf("readyz: %d %v", resp.status, resp.body)
	}
	if resp.header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestLoginIssuesTokenPair(t *testing.T) {
	env := newTestEnv(t)
	env.user("ana@example.com")

	resp := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ANA@example.com", "password": testPassword})
	if resp.status != http.StatusOK {
		t.Fatalf("login: %d %v", resp.status, resp.body)
	}
	if resp.body["token_type"] != "Bearer" || resp.body["access_token"] == "" || resp.body["refresh_token"] == "" {
		t.Fatalf("unexpected login body: %v", resp.body)
	}
	user, _ := resp.body["user"].(map[string]any)
	if user["email"] != "ana@example.com" {
		t.Fatalf("unexpected user: %v", user)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Fatalf("password hash must not be serialized")
	}
}

func TestLoginWrongPasswordIsGenericAndAudited(t *testing.T) {
	env := newTestEnv(t)
	u := env.user("ana@example.com")

	wrong := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ana@example.com", "password": "nope-nope-nope"})
	unknown := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ghost@example.com", "password": "nope-nope-nope"})
	for _, resp := range []response{wrong, unknown} {
		if resp.status != http.StatusUnauthorized || resp.body["error"] != "invalid credentials" {
			t.Fatalf("expected generic 401, got %d %v", resp.status, resp.body)
		}
	}

	events := env.authEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 auth events, got %+v", events)
	}
	byEmail := map[string]auth.AuthEvent{}
	for _, ev := range events {
		byEmail[ev.Email] = ev
	}
	if ev := byEmail["ana@example.com"]; ev.Success || ev.UserID != u.ID || ev.FailReason != auth.FailReasonWrongPassword {
		t.Fatalf("unexpected wrong-password event: %+v", ev)
	}
	if ev := byEmail["ghost@example.com"]; ev.UserID != "" || ev.FailReason != auth.FailReasonUnknownEmail {
		t.Fatalf("unexpected unknown-email event: %+v", ev)
	}
}

func TestIdentityFailuresAre401(t *testing.T) {
	env := newTestEnv(t)
	u := env.user("ana@example.com")
	access, _ := env.login("ana@example.com")

	resp := env.do(http.MethodGet, "/v1/me", "", nil)
	if resp.status != http.StatusUnauthorized || resp.header.Get("WWW-Authenticate") == "" {
		t.Fatalf("missing token: %d %v", resp.status, resp.header)
	}
	if rid, _ := resp.body["request_id"].(string); rid == "" {
		t.Fatalf("expected request_id in error body")
	}
	if resp := env.do(http.MethodGet, "/v1/me", "not-a-jwt", nil); resp.status != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.status)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Basic "+access)
	raw, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("basic scheme: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusUnauthorized {
		t.Fatalf("basic scheme: %d", raw.StatusCode)
	}

	if resp := env.do(http.MethodGet, "/v1/me", access, nil); resp.status != http.StatusOK {
		t.Fatalf("valid token: %d %v", resp.status, resp.body)
	}
	if _, err := env.admin.SetUserActive(context.Background(), u.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if resp := env.do(http.MethodGet, "/v1/me", access, nil); resp.status != http.StatusUnauthorized {
		t.Fatalf("inactive caller: %d", resp.status)
	}
}

func TestProtectedRouteForbidsWithoutCapability(t *testing.T) {
	env := newTestEnv(t)
	env.user("ana@example.com")
	access, _ := env.login("ana@example.com")

	resp := env.do(http.MethodPost, "/v1/users", access, map[string]string{"email": "new@example.com", "password": testPassword})
	if resp.status != http.StatusForbidden || resp.body["error"] != "forbidden" {
		t.Fatalf("expected generic 403, got %d %v", resp.status, resp.body)
	}
}

func TestSuperAdminAdministers(t *testing.T) {
	env := newTestEnv(t)
	env.superAdmin("root@example.com")
	target := env.user("ana@example.com")
	access, _ := env.login("root@example.com")

	created := env.do(http.MethodPost, "/v1/users", access, map[string]string{"email": "New@Example.com", "password": testPassword})
	if created.status != http.StatusCreated || created.body["email"] != "new@example.com" || created.body["is_super_admin"] != false {
		t.Fatalf("create user: %d %v", created.status, created.body)
	}
	if dup := env.do(http.MethodPost, "/v1/users", access, map[string]string{"email": "new@example.com", "password": testPassword}); dup.status != http.StatusConflict {
		t.Fatalf("duplicate user: %d", dup.status)
	}

	grant := env.do(http.MethodPost, "/v1/users/"+target.ID+"/grants", access, map[string]string{
		"capability": "goals:update", "scope": "tenant", "scope_id": "condo-1",
	})
	if grant.status != http.StatusCreated {
		t.Fatalf("grant: %d %v", grant.status, grant.body)
	}
	bad := env.do(http.MethodPost, "/v1/users/"+target.ID+"/grants", access, map[string]string{
		"capability": "goals:update", "scope": "tenant",
	})
	if bad.status != http.StatusBadRequest {
		t.Fatalf("tenant grant without scope_id: %d %v", bad.status, bad.body)
	}
	unknown := env.do(http.MethodPost, "/v1/users/"+target.ID+"/grants", access, map[string]string{
		"capability": "goals:teleport", "scope": "unrestricted",
	})
	if unknown.status != http.StatusBadRequest {
		t.Fatalf("unknown capability: %d %v", unknown.status, unknown.body)
	}

	listed := env.do(http.MethodGet, "/v1/users/"+target.ID+"/grants", access, nil)
	if grants, _ := listed.body["grants"].([]any); listed.status != http.StatusOK || len(grants) != 1 {
		t.Fatalf("list grants: %d %v", listed.status, listed.body)
	}

	grantID := grant.body["id"].(string)
	if resp := env.do(http.MethodDelete, "/v1/users/"+target.ID+"/grants/"+grantID, access, nil); resp.status != http.StatusNoContent {
		t.Fatalf("revoke: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodDelete, "/v1/users/"+target.ID+"/grants/"+grantID, access, nil); resp.status != http.StatusNotFound {
		t.Fatalf("revoke twice: %d", resp.status)
	}

	status := env.do(http.MethodPatch, "/v1/users/"+target.ID+"/status", access, map[string]bool{"is_active": false})
	if status.status != http.StatusOK || status.body["is_active"] != false {
		t.Fatalf("deactivate: %d %v", status.status, status.body)
	}
	if resp := env.do(http.MethodPatch, "/v1/users/"+target.ID+"/status", access, map[string]any{}); resp.status != http.StatusBadRequest {
		t.Fatalf("status without is_active: %d", resp.status)
	}
}

func TestTenantScopedRoute(t *testing.T) {
	env := newTestEnv(t)
	u := env.user("ana@example.com")
	env.grant(u.ID, "goals:update", "tenant", "condo-1")
	access, _ := env.login("ana@example.com")

	env.api.Protect("PATCH /v1/condominiums/{condominiumID}/goals/{goalID}", catalog.GoalsUpdate, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"goal_id": r.PathValue("goalID")})
	})

	if resp := env.do(http.MethodPatch, "/v1/condominiums/condo-1/goals/g1", access, nil); resp.status != http.StatusOK {
		t.Fatalf("own tenant: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPatch, "/v1/condominiums/condo-2/goals/g1", access, nil); resp.status != http.StatusForbidden {
		t.Fatalf("other tenant: %d", resp.status)
	}
}

func TestOwnScopeOnUserGrants(t *testing.T) {
	env := newTestEnv(t)
	ana := env.user("ana@example.com")
	bob := env.user("bob@example.com")
	env.grant(ana.ID, "users:read", "own", "")
	access, _ := env.login("ana@example.com")

	if resp := env.do(http.MethodGet, "/v1/users/"+ana.ID+"/grants", access, nil); resp.status != http.StatusOK {
		t.Fatalf("own grants: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodGet, "/v1/users/"+bob.ID+"/grants", access, nil); resp.status != http.StatusForbidden {
		t.Fatalf("other user's grants: %d", resp.status)
	}
}

func TestOwnScopeCannotReachOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	ana := env.user("ana@example.com")
	bob := env.user("bob@example.com")
	env.grant(ana.ID, "users:update", "own", "")
	env.grant(ana.ID, "permissions:assign", "own", "")
	access, _ := env.login("ana@example.com")

	resp := env.do(http.MethodPatch, "/v1/users/"+bob.ID+"/status?owner_id="+ana.ID, access, map[string]bool{"is_active": false})
	if resp.status != http.StatusForbidden {
		t.Fatalf("deactivating another user: %d %v", resp.status, resp.body)
	}
	if u, _ := env.admin.User(context.Background(), bob.ID); !u.IsActive {
		t.Fatalf("other user was deactivated")
	}

	for _, path := range []string{
		"/v1/users/" + ana.ID + "/grants",
		"/v1/users/" + ana.ID + "/grants?owner_id=" + ana.ID,
		"/v1/users/" + bob.ID + "/grants?owner_id=" + ana.ID,
	} {
		resp := env.do(http.MethodPost, path, access, map[string]string{"capability": "permissions:assign", "scope": "unrestricted"})
		if resp.status != http.StatusForbidden {
			t.Fatalf("POST %s: %d %v", path, resp.status, resp.body)
		}
	}
	if grants, _ := env.store.Grants().ForUser(context.Background(), ana.ID); len(grants) != 2 {
		t.Fatalf("own-scope holder widened their grants: %+v", grants)
	}
}

func TestTenantAssignerStaysInTenant(t *testing.T) {
	env := newTestEnv(t)
	manager := env.user("manager@example.com")
	target := env.user("ana@example.com")
	env.grant(manager.ID, "permissions:assign", "tenant", "condo-1")
	env.grant(manager.ID, "permissions:revoke", "tenant", "condo-1")
	access, _ := env.login("manager@example.com")
	grantPath := "/v1/users/" + target.ID + "/grants?condominium_id=condo-1"

	for _, body := range []map[string]string{
		{"capability": "goals:read", "scope": "unrestricted"},
		{"capability": "goals:read", "scope": "tenant", "scope_id": "condo-2"},
		{"capability": "goals:read", "scope": "own"},
	} {
		if resp := env.do(http.MethodPost, grantPath, access, body); resp.status != http.StatusForbidden {
			t.Fatalf("issuing %v: %d %v", body, resp.status, resp.body)
		}
	}
	if resp := env.do(http.MethodPost, "/v1/users/"+manager.ID+"/grants", access, map[string]string{
		"capability": "permissions:assign", "scope": "unrestricted",
	}); resp.status != http.StatusForbidden {
		t.Fatalf("self escalation: %d %v", resp.status, resp.body)
	}

	inside := env.do(http.MethodPost, "/v1/users/"+target.ID+"/grants", access, map[string]string{
		"capability": "goals:read", "scope": "tenant", "scope_id": "condo-1",
	})
	if inside.status != http.StatusCreated {
		t.Fatalf("grant inside tenant: %d %v", inside.status, inside.body)
	}

	foreign := env.grant(target.ID, "goals:update", "tenant", "condo-2")
	wide := env.grant(target.ID, "goals:delete", "unrestricted", "")
	for _, id := range []string{foreign.ID, wide.ID} {
		if resp := env.do(http.MethodDelete, "/v1/users/"+target.ID+"/grants/"+id+"?condominium_id=condo-1", access, nil); resp.status != http.StatusForbidden {
			t.Fatalf("revoking %s: %d %v", id, resp.status, resp.body)
		}
	}
	if resp := env.do(http.MethodDelete, "/v1/users/"+target.ID+"/grants/"+inside.body["id"].(string), access, nil); resp.status != http.StatusNoContent {
		t.Fatalf("revoke inside tenant: %d %v", resp.status, resp.body)
	}

	pool, err := env.admin.CreatePool(context.Background(), auth.PoolInput{Name: "Front desk"})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if resp := env.do(http.MethodPost, "/v1/pools/"+pool.ID+"/grants?condominium_id=condo-1", access, map[string]string{
		"capability": "goals:read", "scope": "unrestricted",
	}); resp.status != http.StatusForbidden {
		t.Fatalf("unrestricted pool grant: %d %v", resp.status, resp.body)
	}
	pooled := env.do(http.MethodPost, "/v1/pools/"+pool.ID+"/grants", access, map[string]string{
		"capability": "goals:read", "scope": "tenant", "scope_id": "condo-1",
	})
	if pooled.status != http.StatusCreated {
		t.Fatalf("tenant pool grant: %d %v", pooled.status, pooled.body)
	}
	if resp := env.do(http.MethodDelete, "/v1/pools/"+pool.ID+"/grants/"+pooled.body["id"].(string), access, nil); resp.status != http.StatusNoContent {
		t.Fatalf("revoke tenant pool grant: %d %v", resp.status, resp.body)
	}
}

type failingGrants struct{ auth.GrantStore }

func (failingGrants) ForUserCapability(context.Context, string, auth.CapabilityKey) ([]auth.Grant, error) {
	return nil, errors.New("grants store unavailable")
}

func TestTransientFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t, withGrantStore(func(g auth.GrantStore) auth.GrantStore { return failingGrants{g} }))
	env.user("ana@example.com")
	access, _ := env.login("ana@example.com")

	resp := env.do(http.MethodPost, "/v1/pools", access, map[string]string{"name": "Board"})
	if resp.status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %v", resp.status, resp.body)
	}
}

func TestRefreshRotationAndLogout(t *testing.T) {
	env := newTestEnv(t)
	env.user("ana@example.com")
	access, refresh := env.login("ana@example.com")

	rotated := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	if rotated.status != http.StatusOK {
		t.Fatalf("refresh: %d %v", rotated.status, rotated.body)
	}
	if replay := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh}); replay.status != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: %d", replay.status)
	}

	next := rotated.body["refresh_token"].(string)
	if resp := env.do(http.MethodPost, "/v1/auth/logout", access, map[string]string{"refresh_token": next}); resp.status != http.StatusNoContent {
		t.Fatalf("logout: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPost, "/v1/auth/logout", access, map[string]string{"refresh_token": next}); resp.status != http.StatusNoContent {
		t.Fatalf("logout is idempotent: %d", resp.status)
	}
	if resp := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": next}); resp.status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: %d", resp.status)
	}
	if resp := env.do(http.MethodPost, "/v1/auth/logout", access, map[string]string{"refresh_token": ""}); resp.status != http.StatusNoContent {
		t.Fatalf("logout with blank token: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPost, "/v1/auth/logout", access, nil); resp.status != http.StatusNoContent {
		t.Fatalf("logout without body: %d %v", resp.status, resp.body)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newTestEnv(t)
	env.user("ana@example.com")
	access, first := env.login("ana@example.com")
	_, second := env.login("ana@example.com")

	if resp := env.do(http.MethodPost, "/v1/auth/logout-all", access, nil); resp.status != http.StatusNoContent {
		t.Fatalf("logout-all: %d %v", resp.status, resp.body)
	}
	for _, token := range []string{first, second} {
		if resp := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": token}); resp.status != http.StatusUnauthorized {
			t.Fatalf("refresh after logout-all: %d", resp.status)
		}
	}
}

func TestMeListsNavigationAndGrants(t *testing.T) {
	env := newTestEnv(t)
	u := env.user("ana@example.com")
	env.grant(u.ID, "goals:read", "tenant", "condo-1")
	access, _ := env.login("ana@example.com")

	resp := env.do(http.MethodGet, "/v1/me", access, nil)
	if resp.status != http.StatusOK {
		t.Fatalf("me: %d %v", resp.status, resp.body)
	}
	modules, _ := resp.body["modules"].([]any)
	grants, _ := resp.body["grants"].([]any)
	if len(modules) != 1 || len(grants) != 1 {
		t.Fatalf("unexpected me body: %v", resp.body)
	}
	if m := modules[0].(map[string]any); m["code"] != "goals" {
		t.Fatalf("unexpected module: %v", m)
	}
}

func TestCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)
	u := env.user("ana@example.com")
	env.grant(u.ID, "goals:update", "tenant", "condo-1")
	access, _ := env.login("ana@example.com")

	cases := []struct {
		condo string
		want  bool
	}{
		{"condo-1", true},
		{"condo-2", false},
		{"", false},
	}
	for _, tc := range cases {
		resp := env.do(http.MethodPost, "/v1/authz/check", access, map[string]string{"capability": "goals:update", "condominium_id": tc.condo})
		if resp.status != http.StatusOK || resp.body["allowed"] != tc.want {
			t.Fatalf("check %q: %d %v", tc.condo, resp.status, resp.body)
		}
	}
	if resp := env.do(http.MethodPost, "/v1/authz/check", access, map[string]string{"capability": "nonsense"}); resp.status != http.StatusBadRequest {
		t.Fatalf("bad capability: %d", resp.status)
	}
}

func TestPoolLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.superAdmin("root@example.com")
	member := env.user("ana@example.com")
	root, _ := env.login("root@example.com")

	created := env.do(http.MethodPost, "/v1/pools", root, map[string]string{"name": "Board"})
	if created.status != http.StatusCreated {
		t.Fatalf("create pool: %d %v", created.status, created.body)
	}
	poolID := created.body["id"].(string)

	if resp := env.do(http.MethodPost, "/v1/pools/"+poolID+"/members", root, map[string]string{"user_id": member.ID}); resp.status != http.StatusCreated {
		t.Fatalf("add member: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPut, "/v1/pools/"+poolID+"/modules", root, map[string][]string{"modules": {"goals", "resources"}}); resp.status != http.StatusOK {
		t.Fatalf("set modules: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPut, "/v1/pools/"+poolID+"/modules", root, map[string][]string{"modules": {"nope"}}); resp.status != http.StatusBadRequest {
		t.Fatalf("unknown module: %d", resp.status)
	}
	if resp := env.do(http.MethodPost, "/v1/pools/"+poolID+"/grants", root, map[string]string{"capability": "groups:create", "scope": "unrestricted"}); resp.status != http.StatusCreated {
		t.Fatalf("pool grant: %d %v", resp.status, resp.body)
	}

	access, _ := env.login("ana@example.com")
	if resp := env.do(http.MethodPost, "/v1/pools", access, map[string]string{"name": "Tenants"}); resp.status != http.StatusCreated {
		t.Fatalf("member via pool: %d %v", resp.status, resp.body)
	}

	if resp := env.do(http.MethodPatch, "/v1/pools/"+poolID, root, map[string]bool{"is_active": false}); resp.status != http.StatusOK {
		t.Fatalf("deactivate pool: %d %v", resp.status, resp.body)
	}
	if resp := env.do(http.MethodPost, "/v1/pools", access, map[string]string{"name": "Owners"}); resp.status != http.StatusForbidden {
		t.Fatalf("after pool deactivation: %d", resp.status)
	}

	if resp := env.do(http.MethodDelete, "/v1/pools/"+poolID+"/members/"+member.ID, root, nil); resp.status != http.StatusNoContent {
		t.Fatalf("remove member: %d", resp.status)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	env := newTestEnv(t, withRateLimit(0.001, 1))
	body := map[string]string{"email": "ana@example.com", "password": "whatever-it-is"}

	if resp := env.do(http.MethodPost, "/v1/auth/login", "", body); resp.status != http.StatusUnauthorized {
		t.Fatalf("first attempt: %d", resp.status)
	}
	resp := env.do(http.MethodPost, "/v1/auth/login", "", body)
	if resp.status != http.StatusTooManyRequests || resp.header.Get("Retry-After") == "" {
		t.Fatalf("second attempt: %d %v", resp.status, resp.header)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/nowhere", nil)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
