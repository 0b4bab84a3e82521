package httpapi

import (
	"net/http"
	"strings"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "

	transportName = "http"

	// Path wildcard naming the target tenant.
	tenantPathParam = "condominiumID"
)

// RouteOption configures a protected route.
type RouteOption func(*routeSpec)

// ContextFunc derives the call context of a request from the resource it
// targets. A returned error means the decision cannot be made.
type ContextFunc func(r *http.Request) (auth.CallContext, error)

type routeSpec struct {
	key        auth.CapabilityKey
	ownerParam string
	context    ContextFunc
}

// OwnerParam names the path wildcard identifying the resource owner for
// own-scope checks.
func OwnerParam(name string) RouteOption {
	return func(s *routeSpec) { s.ownerParam = name }
}

// WithCallContext replaces the path-derived call context of a route.
func WithCallContext(fn ContextFunc) RouteOption {
	return func(s *routeSpec) { s.context = fn }
}

// Protect registers handler behind authentication and a capability check.
// Tenant context comes from the {condominiumID} wildcard and owner context
// from the wildcard named by OwnerParam. A route with neither only admits
// unrestricted holders.
func (a *API) Protect(pattern string, key auth.CapabilityKey, handler http.HandlerFunc, opts ...RouteOption) {
	spec := routeSpec{key: key}
	for _, opt := range opts {
		opt(&spec)
	}
	a.mux.Handle(pattern, a.authenticated(a.authorize(spec, handler)))
}

// Authenticated registers handler behind authentication only.
func (a *API) Authenticated(pattern string, handler http.HandlerFunc) {
	a.mux.Handle(pattern, a.authenticated(handler))
}

func (a *API) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.deny(w, r, err)
			return
		}
		caller, err := a.enforcer.Authenticate(r.Context(), token)
		if err != nil {
			a.deny(w, r, err)
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), caller)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) authorize(spec routeSpec, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.CallerFromContext(r.Context())
		if !ok {
			a.deny(w, r, &auth.DeniedError{Outcome: auth.OutcomeNoCredential})
			return
		}
		cc := callContext(r, spec.ownerParam)
		if spec.context != nil {
			var err error
			if cc, err = spec.context(r); err != nil {
				a.deny(w, r, err)
				return
			}
		}
		if _, err := a.enforcer.Authorize(r.Context(), caller, spec.key, cc); err != nil {
			a.deny(w, r, err)
			return
		}
		obs.ObserveDecision(transportName, auth.OutcomeAllowed.String())
		next.ServeHTTP(w, r)
	})
}

// deny maps an enforcement error onto the HTTP vocabulary. The outcome of a
// denial is logged but never echoed beyond 401 versus 403.
func (a *API) deny(w http.ResponseWriter, r *http.Request, err error) {
	outcome, ok := auth.DenialOutcome(err)
	if !ok {
		obs.ObserveDecision(transportName, "error")
		obs.CaptureError(r.Context(), "httpapi: authorization unavailable", err,
			"request_id", RequestIDFromContext(r),
			"path", r.URL.Path,
		)
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	obs.ObserveDecision(transportName, outcome.String())
	obs.Logger().InfoContext(r.Context(), "httpapi: request denied",
		"request_id", RequestIDFromContext(r),
		"path", r.URL.Path,
		"reason", err.Error(),
	)
	if outcome.IsIdentity() {
		w.Header().Set("WWW-Authenticate", `Bearer realm="condohub"`)
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeError(w, r, http.StatusForbidden, "forbidden")
}

// callContext reads only the route's own path. Query parameters never
// contribute, since nothing ties them to the resource being acted on.
func callContext(r *http.Request, ownerParam string) auth.CallContext {
	cc := auth.CallContext{TenantID: strings.TrimSpace(r.PathValue(tenantPathParam))}
	if ownerParam != "" {
		cc.ResourceOwnerID = strings.TrimSpace(r.PathValue(ownerParam))
	}
	return cc
}

// extractBearerToken returns "" for an absent header. A header with another
// scheme or no token is an invalid credential.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", &auth.DeniedError{Outcome: auth.OutcomeInvalidCredential, Detail: "unsupported authorization scheme"}
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", &auth.DeniedError{Outcome: auth.OutcomeInvalidCredential, Detail: "empty bearer token"}
	}
	return token, nil
}
