package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// issueContext peeks at the grant in the body and restores the body for the
// handler. An unreadable body yields the empty context.
func issueContext(r *http.Request) (auth.CallContext, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return auth.CallContext{}, nil
	}
	var in auth.GrantInput
	if err := json.Unmarshal(body, &in); err != nil {
		return auth.CallContext{}, nil
	}
	return auth.IssueContext(in), nil
}

func (a *API) revokeContext(r *http.Request) (auth.CallContext, error) {
	return a.admin.RevokeContext(r.Context(), r.PathValue("userID"), r.PathValue("grantID"))
}

func (a *API) poolRevokeContext(r *http.Request) (auth.CallContext, error) {
	return a.admin.PoolRevokeContext(r.Context(), r.PathValue("poolID"), r.PathValue("grantID"))
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in auth.CreateUserInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.admin.CreateUser(r.Context(), in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "users.create", map[string]any{"user_id": user.ID, "email": user.Email})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	var in auth.UserStatusInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		handleAdminError(w, r, err)
		return
	}
	userID := r.PathValue("userID")
	user, err := a.admin.SetUserActive(r.Context(), userID, *in.IsActive)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "users.status", map[string]any{"user_id": userID, "is_active": user.IsActive})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if _, err := a.admin.User(r.Context(), userID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	grants, err := a.scopes.EffectiveGrants(r.Context(), userID)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	if grants == nil {
		grants = []auth.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *API) handleGrantCapability(w http.ResponseWriter, r *http.Request) {
	var in auth.GrantInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.PathValue("userID")
	g, err := a.admin.GrantCapability(r.Context(), userID, in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "grants.create", map[string]any{
		"user_id":    userID,
		"grant_id":   g.ID,
		"capability": g.Capability.String(),
		"scope":      string(g.Scope),
		"scope_id":   g.ScopeID,
	})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	userID, grantID := r.PathValue("userID"), r.PathValue("grantID")
	if err := a.admin.RevokeGrant(r.Context(), userID, grantID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "grants.revoke", map[string]any{"user_id": userID, "grant_id": grantID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var in auth.PoolInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pool, err := a.admin.CreatePool(r.Context(), in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.create", map[string]any{"pool_id": pool.ID, "name": pool.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/pools/%s", pool.ID))
	writeJSON(w, http.StatusCreated, pool)
}

func (a *API) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var in auth.PoolUpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	poolID := r.PathValue("poolID")
	pool, err := a.admin.UpdatePool(r.Context(), poolID, in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.update", map[string]any{"pool_id": poolID, "name": pool.Name, "is_active": pool.IsActive})
	writeJSON(w, http.StatusOK, pool)
}

func (a *API) handleAddPoolMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	poolID := r.PathValue("poolID")
	member, err := a.admin.AddPoolMember(r.Context(), poolID, req.UserID)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.members.add", map[string]any{"pool_id": poolID, "user_id": member.UserID})
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleRemovePoolMember(w http.ResponseWriter, r *http.Request) {
	poolID, userID := r.PathValue("poolID"), r.PathValue("userID")
	if err := a.admin.RemovePoolMember(r.Context(), poolID, userID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.members.remove", map[string]any{"pool_id": poolID, "user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPoolModules(w http.ResponseWriter, r *http.Request) {
	var in auth.PoolModulesInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	poolID := r.PathValue("poolID")
	modules, err := a.admin.SetPoolModules(r.Context(), poolID, in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.modules.set", map[string]any{"pool_id": poolID, "modules": modules})
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": poolID, "modules": modules})
}

func (a *API) handleGrantPoolCapability(w http.ResponseWriter, r *http.Request) {
	var in auth.GrantInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	poolID := r.PathValue("poolID")
	g, err := a.admin.GrantPoolCapability(r.Context(), poolID, in)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.grants.create", map[string]any{
		"pool_id":    poolID,
		"grant_id":   g.ID,
		"capability": g.Capability.String(),
		"scope":      string(g.Scope),
		"scope_id":   g.ScopeID,
	})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleRevokePoolGrant(w http.ResponseWriter, r *http.Request) {
	poolID, grantID := r.PathValue("poolID"), r.PathValue("grantID")
	if err := a.admin.RevokePoolGrant(r.Context(), poolID, grantID); err != nil {
		handleAdminError(w, r, err)
		return
	}
	a.audit(r.Context(), "pools.grants.revoke", map[string]any{"pool_id": poolID, "grant_id": grantID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WarnContext(ctx, "httpapi: audit log failed", "event", event, "error", err)
	}
}

func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		obs.CaptureError(r.Context(), "httpapi: admin operation failed", err,
			"request_id", RequestIDFromContext(r),
			"path", r.URL.Path,
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
