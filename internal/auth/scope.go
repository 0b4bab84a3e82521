package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"condohub.io/internal/obs"
)

// Decision is the result of a capability check.
type Decision struct {
	Outcome Outcome
	// Grant is the grant that matched, nil on denial or bypass.
	Grant  *Grant
	Bypass bool
	Detail string
}

// Allowed reports whether the decision permits the call.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// Err converts a denial into a *DeniedError, or nil when allowed.
func (d Decision) Err(key CapabilityKey) error {
	if d.Allowed() {
		return nil
	}
	return deny(d.Outcome, key, d.Detail)
}

// ScopeResolver decides whether a caller holds a capability under a scope
// covering the call context. It never caches grants.
type ScopeResolver struct {
	users   UserStore
	grants  GrantStore
	pools   *PoolResolver
	catalog CatalogStore
}

// NewScopeResolver constructs a ScopeResolver.
func NewScopeResolver(users UserStore, grants GrantStore, pools *PoolResolver, catalog CatalogStore) *ScopeResolver {
	return &ScopeResolver{users: users, grants: grants, pools: pools, catalog: catalog}
}

// Check loads the caller and evaluates key against cc. A missing caller is a
// denial, not an error.
func (r *ScopeResolver) Check(ctx context.Context, callerID string, key CapabilityKey, cc CallContext) (Decision, error) {
	user, err := r.users.Find(ctx, callerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{Outcome: OutcomeCapabilityAbsent, Detail: "caller not found"}, nil
		}
		return Decision{}, fmt.Errorf("load caller: %w", err)
	}
	return r.CheckCaller(ctx, user, key, cc)
}

// CheckCaller evaluates key for an already loaded caller. The super-admin
// bypass below is the only unconditional allow in the service.
func (r *ScopeResolver) CheckCaller(ctx context.Context, caller User, key CapabilityKey, cc CallContext) (Decision, error) {
	if caller.IsSuperAdmin {
		return Decision{Outcome: OutcomeAllowed, Bypass: true}, nil
	}

	grants, err := r.grantsFor(ctx, caller.ID, key)
	if err != nil {
		return Decision{}, err
	}
	if len(grants) == 0 {
		return Decision{Outcome: OutcomeCapabilityAbsent}, nil
	}

	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].Scope.precedence() < grants[j].Scope.precedence()
	})
	for i := range grants {
		g := grants[i]
		if err := g.Validate(); err != nil {
			obs.Logger().ErrorContext(ctx, "integrity: malformed grant skipped",
				"grant_id", g.ID,
				"source", string(g.Source),
				"user_id", caller.ID,
				"capability", key.String(),
				"error", err.Error(),
			)
			continue
		}
		if scopeMatches(g, caller.ID, cc) {
			return Decision{Outcome: OutcomeAllowed, Grant: &g}, nil
		}
	}
	return Decision{Outcome: OutcomeScopeMismatch}, nil
}

func scopeMatches(g Grant, callerID string, cc CallContext) bool {
	switch g.Scope {
	case ScopeUnrestricted:
		return true
	case ScopeTenant:
		return cc.TenantID != "" && cc.TenantID == g.ScopeID
	case ScopeOwn:
		return cc.ResourceOwnerID != "" && cc.ResourceOwnerID == callerID
	default:
		return false
	}
}

func (r *ScopeResolver) grantsFor(ctx context.Context, userID string, key CapabilityKey) ([]Grant, error) {
	direct, err := r.grants.ForUserCapability(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("direct grants for %s: %w", key, err)
	}
	pooled, err := r.pools.GrantsForCapability(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(direct)+len(pooled))
	for _, g := range direct {
		g.Source = SourceDirect
		out = append(out, g)
	}
	return append(out, pooled...), nil
}

// EffectiveGrants lists the union of the user's direct grants and grants
// inherited from active pools.
func (r *ScopeResolver) EffectiveGrants(ctx context.Context, userID string) ([]Grant, error) {
	direct, err := r.grants.ForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("direct grants: %w", err)
	}
	pooled, err := r.pools.GrantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(direct)+len(pooled))
	for _, g := range direct {
		g.Source = SourceDirect
		out = append(out, g)
	}
	return append(out, pooled...), nil
}

// Navigation returns the active modules the caller can see, ordered by
// position. Visibility comes from pool module grants or from holding any
// capability of the module. Super-admins see every active module.
func (r *ScopeResolver) Navigation(ctx context.Context, caller User) ([]Module, error) {
	modules, err := r.catalog.Modules(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	visible := make(map[string]struct{})
	if !caller.IsSuperAdmin {
		codes, err := r.pools.ModulesForUser(ctx, caller.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range codes {
			visible[c] = struct{}{}
		}
		grants, err := r.EffectiveGrants(ctx, caller.ID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			visible[g.Capability.Module] = struct{}{}
		}
	}

	out := make([]Module, 0, len(modules))
	for _, m := range modules {
		if !m.IsActive {
			continue
		}
		if _, ok := visible[m.Code]; ok || caller.IsSuperAdmin {
			m.Capabilities = nil
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}
