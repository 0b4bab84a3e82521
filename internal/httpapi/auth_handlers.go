package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

type sessionResponse struct {
	User      auth.User `json:"user"`
	TokenType string    `json:"token_type"`
	auth.TokenPair
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type checkRequest struct {
	Capability    string `json:"capability"`
	CondominiumID string `json:"condominium_id"`
	OwnerID       string `json:"owner_id"`
}

type checkResponse struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
}

type meResponse struct {
	User    auth.User     `json:"user"`
	Modules []auth.Module `json:"modules"`
	Grants  []auth.Grant  `json:"grants"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{User: s.User, TokenType: "Bearer", TokenPair: s.Tokens}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in.Client = clientInfo(r)
	session, err := a.sessions.Login(r.Context(), in)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		obs.CaptureError(r.Context(), "httpapi: login failed", err, "request_id", RequestIDFromContext(r))
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in auth.RefreshInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	in.Client = clientInfo(r)
	session, err := a.sessions.Refresh(r.Context(), in)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrInvalidInput) {
			writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		obs.CaptureError(r.Context(), "httpapi: refresh failed", err, "request_id", RequestIDFromContext(r))
		writeError(w, r, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// A missing token leaves nothing to revoke.
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	caller, _ := auth.CallerFromContext(r.Context())
	if err := a.sessions.Logout(r.Context(), caller, req.RefreshToken, clientInfo(r)); err != nil {
		obs.CaptureError(r.Context(), "httpapi: logout failed", err, "request_id", RequestIDFromContext(r))
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	if err := a.sessions.LogoutAll(r.Context(), caller, clientInfo(r)); err != nil {
		obs.CaptureError(r.Context(), "httpapi: logout-all failed", err, "request_id", RequestIDFromContext(r))
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	modules, err := a.scopes.Navigation(r.Context(), caller)
	if err != nil {
		a.internalError(w, r, "navigation", err)
		return
	}
	grants, err := a.scopes.EffectiveGrants(r.Context(), caller.ID)
	if err != nil {
		a.internalError(w, r, "effective grants", err)
		return
	}
	if modules == nil {
		modules = []auth.Module{}
	}
	if grants == nil {
		grants = []auth.Grant{}
	}
	writeJSON(w, http.StatusOK, meResponse{User: caller, Modules: modules, Grants: grants})
}

// handleCheck lets a caller ask whether they may perform an action. The
// answer is a plain boolean; the denial reason stays server-side.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := auth.ParseCapabilityKey(req.Capability)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid capability")
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	cc := auth.CallContext{
		TenantID:        strings.TrimSpace(req.CondominiumID),
		ResourceOwnerID: strings.TrimSpace(req.OwnerID),
	}
	d, err := a.enforcer.Authorize(r.Context(), caller, key, cc)
	if err != nil && auth.IsTransient(err) {
		a.deny(w, r, err)
		return
	}
	obs.ObserveDecision(transportName, d.Outcome.String())
	writeJSON(w, http.StatusOK, checkResponse{Capability: key.String(), Allowed: d.Allowed()})
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	modules, err := a.admin.Catalog(r.Context())
	if err != nil {
		a.internalError(w, r, "catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.CaptureError(r.Context(), "httpapi: "+op+" failed", err, "request_id", RequestIDFromContext(r))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
