package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"condohub.io/internal/ids"
)

// Admin manages users, direct grants and pools. It never sets the
// super-admin flag.
type Admin struct {
	store  Store
	tokens *TokenIssuer
	hasher PasswordHasher
}

// NewAdmin constructs Admin. tokens is used to revoke refresh credentials
// when a user is deactivated.
func NewAdmin(store Store, tokens *TokenIssuer, hasher PasswordHasher) *Admin {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Admin{store: store, tokens: tokens, hasher: hasher}
}

// CreateUser provisions an active, non super-admin user.
func (a *Admin) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateInput(in); err != nil {
		return User{}, err
	}
	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u := &User{Email: in.Email, PasswordHash: hash, IsActive: true}
	if err := a.store.Users().Create(ctx, u); err != nil {
		return User{}, err
	}
	return *u, nil
}

// User loads one user.
func (a *Admin) User(ctx context.Context, id string) (User, error) {
	if err := knownIDs(id); err != nil {
		return User{}, err
	}
	return a.store.Users().Find(ctx, id)
}

// SetUserActive activates or deactivates a user. Deactivation also revokes
// every refresh credential of the user.
func (a *Admin) SetUserActive(ctx context.Context, id string, active bool) (User, error) {
	if err := knownIDs(id); err != nil {
		return User{}, err
	}
	users := a.store.Users()
	if err := users.SetActive(ctx, id, active); err != nil {
		return User{}, err
	}
	if !active {
		if _, err := a.tokens.RevokeAll(ctx, id); err != nil {
			return User{}, err
		}
	}
	return users.Find(ctx, id)
}

// GrantCapability assigns a direct grant to a user.
func (a *Admin) GrantCapability(ctx context.Context, userID string, in GrantInput) (Grant, error) {
	g, err := a.buildGrant(ctx, in)
	if err != nil {
		return Grant{}, err
	}
	if err := knownIDs(userID); err != nil {
		return Grant{}, err
	}
	if _, err := a.store.Users().Find(ctx, userID); err != nil {
		return Grant{}, err
	}
	g.UserID = userID
	g.Source = SourceDirect
	if err := a.store.Grants().Create(ctx, &g); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// IssueContext is the call context under which creating the grant described
// by in is authorized. A tenant grant is checked against its own tenant; any
// other scope, or input that does not parse, needs an unrestricted holder.
func IssueContext(in GrantInput) CallContext {
	scope, err := ParseScope(in.Scope)
	if err != nil || scope != ScopeTenant {
		return CallContext{}
	}
	return CallContext{TenantID: strings.TrimSpace(in.ScopeID)}
}

func storedGrantContext(g Grant) CallContext {
	if g.Scope == ScopeTenant {
		return CallContext{TenantID: g.ScopeID}
	}
	return CallContext{}
}

// RevokeContext is the call context under which revoking a direct grant is
// authorized. An unknown grant yields the empty context.
func (a *Admin) RevokeContext(ctx context.Context, userID, grantID string) (CallContext, error) {
	if knownIDs(userID, grantID) != nil {
		return CallContext{}, nil
	}
	g, err := a.store.Grants().Find(ctx, userID, grantID)
	if errors.Is(err, ErrNotFound) {
		return CallContext{}, nil
	}
	if err != nil {
		return CallContext{}, fmt.Errorf("load grant %s: %w", grantID, err)
	}
	return storedGrantContext(g), nil
}

// PoolRevokeContext is RevokeContext for pool capability grants.
func (a *Admin) PoolRevokeContext(ctx context.Context, poolID, grantID string) (CallContext, error) {
	if knownIDs(poolID, grantID) != nil {
		return CallContext{}, nil
	}
	g, err := a.store.Pools().FindGrant(ctx, poolID, grantID)
	if errors.Is(err, ErrNotFound) {
		return CallContext{}, nil
	}
	if err != nil {
		return CallContext{}, fmt.Errorf("load pool grant %s: %w", grantID, err)
	}
	return storedGrantContext(g), nil
}

// RevokeGrant deletes a direct grant of a user.
func (a *Admin) RevokeGrant(ctx context.Context, userID, grantID string) error {
	if err := knownIDs(userID, grantID); err != nil {
		return err
	}
	return a.store.Grants().Delete(ctx, userID, grantID)
}

// CreatePool creates an active pool.
func (a *Admin) CreatePool(ctx context.Context, in PoolInput) (Pool, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return Pool{}, err
	}
	p := &Pool{Name: in.Name, Description: strings.TrimSpace(in.Description), IsActive: true}
	if err := a.store.Pools().Create(ctx, p); err != nil {
		return Pool{}, err
	}
	return *p, nil
}

// UpdatePool patches a pool. Deactivating a pool withdraws everything it
// confers starting with the next check.
func (a *Admin) UpdatePool(ctx context.Context, poolID string, in PoolUpdateInput) (Pool, error) {
	if err := validateInput(in); err != nil {
		return Pool{}, err
	}
	if err := knownIDs(poolID); err != nil {
		return Pool{}, err
	}
	pools := a.store.Pools()
	p, err := pools.Find(ctx, poolID)
	if err != nil {
		return Pool{}, err
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
		if p.Name == "" {
			return Pool{}, fmt.Errorf("%w: name must not be blank", ErrInvalidInput)
		}
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if err := pools.Update(ctx, &p); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// SetPoolActive toggles a pool's active flag.
func (a *Admin) SetPoolActive(ctx context.Context, poolID string, active bool) (Pool, error) {
	return a.UpdatePool(ctx, poolID, PoolUpdateInput{IsActive: &active})
}

// AddPoolMember adds a user to a pool.
func (a *Admin) AddPoolMember(ctx context.Context, poolID, userID string) (PoolMember, error) {
	if strings.TrimSpace(userID) == "" {
		return PoolMember{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := knownIDs(poolID, userID); err != nil {
		return PoolMember{}, err
	}
	return a.store.Pools().AddMember(ctx, poolID, userID)
}

// RemovePoolMember removes a user from a pool.
func (a *Admin) RemovePoolMember(ctx context.Context, poolID, userID string) error {
	if err := knownIDs(poolID, userID); err != nil {
		return err
	}
	return a.store.Pools().RemoveMember(ctx, poolID, userID)
}

// SetPoolModules replaces the modules a pool makes visible. Module grants
// confer no capability.
func (a *Admin) SetPoolModules(ctx context.Context, poolID string, in PoolModulesInput) ([]string, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if err := knownIDs(poolID); err != nil {
		return nil, err
	}
	known, err := a.moduleCodes(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(in.Modules))
	modules := make([]string, 0, len(in.Modules))
	for _, m := range in.Modules {
		m = strings.ToLower(strings.TrimSpace(m))
		if _, ok := known[m]; !ok {
			return nil, fmt.Errorf("%w: unknown module %q", ErrInvalidInput, m)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		modules = append(modules, m)
	}
	if err := a.store.Pools().SetModules(ctx, poolID, modules); err != nil {
		return nil, err
	}
	return modules, nil
}

// GrantPoolCapability assigns a capability grant to a pool.
func (a *Admin) GrantPoolCapability(ctx context.Context, poolID string, in GrantInput) (Grant, error) {
	g, err := a.buildGrant(ctx, in)
	if err != nil {
		return Grant{}, err
	}
	if err := knownIDs(poolID); err != nil {
		return Grant{}, err
	}
	g.PoolID = poolID
	g.Source = SourcePool
	if err := a.store.Pools().CreateGrant(ctx, &g); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// RevokePoolGrant deletes a pool capability grant.
func (a *Admin) RevokePoolGrant(ctx context.Context, poolID, grantID string) error {
	if err := knownIDs(poolID, grantID); err != nil {
		return err
	}
	return a.store.Pools().DeleteGrant(ctx, poolID, grantID)
}

// Catalog lists modules with their capabilities.
func (a *Admin) Catalog(ctx context.Context) ([]Module, error) {
	return a.store.Catalog().Modules(ctx)
}

func (a *Admin) buildGrant(ctx context.Context, in GrantInput) (Grant, error) {
	if err := validateInput(in); err != nil {
		return Grant{}, err
	}
	key, err := ParseCapabilityKey(in.Capability)
	if err != nil {
		return Grant{}, err
	}
	scope, err := ParseScope(in.Scope)
	if err != nil {
		return Grant{}, err
	}
	g := Grant{Capability: key, Scope: scope, ScopeID: strings.TrimSpace(in.ScopeID)}
	if err := g.Validate(); err != nil {
		return Grant{}, err
	}
	ok, err := a.store.Catalog().CapabilityExists(ctx, key)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, fmt.Errorf("%w: unknown capability %s", ErrInvalidInput, key)
	}
	return g, nil
}

// knownIDs reports ErrNotFound for identifiers the stores could never have
// issued, without a store round trip.
func knownIDs(values ...string) error {
	for _, v := range values {
		if !ids.Valid(v) {
			return ErrNotFound
		}
	}
	return nil
}

func (a *Admin) moduleCodes(ctx context.Context) (map[string]struct{}, error) {
	modules, err := a.store.Catalog().Modules(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		out[m.Code] = struct{}{}
	}
	return out, nil
}
