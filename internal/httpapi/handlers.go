// Package httpapi is the HTTP transport: the bearer-token enforcement adapter
// plus the session, introspection and administration handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/catalog"
	"condohub.io/internal/obs"
)

const serviceName = "condohub-auth"

// Pinger reports whether backing stores are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the API to the auth core.
type Deps struct {
	Enforcer *auth.Enforcer
	Sessions *auth.Sessions
	Admin    *auth.Admin
	Scopes   *auth.ScopeResolver
	Ready    Pinger
	Version  string

	// Login and refresh are rate limited per client IP.
	RatePerSecond float64
	RateBurst     int
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	enforcer *auth.Enforcer
	sessions *auth.Sessions
	admin    *auth.Admin
	scopes   *auth.ScopeResolver
	ready    Pinger
	version  string
	limiter  *ipLimiter
}

// New builds the API and registers every route.
func New(d Deps) *API {
	a := &API{
		mux:      http.NewServeMux(),
		enforcer: d.Enforcer,
		sessions: d.Sessions,
		admin:    d.Admin,
		scopes:   d.Scopes,
		ready:    d.Ready,
		version:  d.Version,
		limiter:  newIPLimiter(d.RatePerSecond, d.RateBurst),
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/login", a.limiter.middleware(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /v1/auth/refresh", a.limiter.middleware(http.HandlerFunc(a.handleRefresh)))

	a.Authenticated("POST /v1/auth/logout", a.handleLogout)
	a.Authenticated("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.Authenticated("GET /v1/me", a.handleMe)
	a.Authenticated("POST /v1/authz/check", a.handleCheck)
	a.Authenticated("GET /v1/catalog", a.handleCatalog)

	a.Protect("POST /v1/users", catalog.UsersCreate, a.handleCreateUser)
	a.Protect("PATCH /v1/users/{userID}/status", catalog.UsersUpdate, a.handleUserStatus, OwnerParam("userID"))
	a.Protect("GET /v1/users/{userID}/grants", catalog.UsersRead, a.handleUserGrants, OwnerParam("userID"))
	// Grant routes are checked against the grant itself, never the target
	// user, so an own-scope holder cannot widen their own access.
	a.Protect("POST /v1/users/{userID}/grants", catalog.PermissionsAssign, a.handleGrantCapability, WithCallContext(issueContext))
	a.Protect("DELETE /v1/users/{userID}/grants/{grantID}", catalog.PermissionsRevoke, a.handleRevokeGrant, WithCallContext(a.revokeContext))

	a.Protect("POST /v1/pools", catalog.GroupsCreate, a.handleCreatePool)
	a.Protect("PATCH /v1/pools/{poolID}", catalog.GroupsUpdate, a.handleUpdatePool)
	a.Protect("POST /v1/pools/{poolID}/members", catalog.GroupsUpdate, a.handleAddPoolMember)
	a.Protect("DELETE /v1/pools/{poolID}/members/{userID}", catalog.GroupsUpdate, a.handleRemovePoolMember)
	a.Protect("PUT /v1/pools/{poolID}/modules", catalog.GroupsUpdate, a.handleSetPoolModules)
	a.Protect("POST /v1/pools/{poolID}/grants", catalog.PermissionsAssign, a.handleGrantPoolCapability, WithCallContext(issueContext))
	a.Protect("DELETE /v1/pools/{poolID}/grants/{grantID}", catalog.PermissionsRevoke, a.handleRevokePoolGrant, WithCallContext(a.poolRevokeContext))

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(LoggingJSON(SecurityHeaders(a.mux))))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			obs.Logger().WarnContext(ctx, "httpapi: not ready", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
