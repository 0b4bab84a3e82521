package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	Grants() GrantStore
	Pools() PoolStore
	Catalog() CatalogStore
	Credentials() CredentialStore
	Events() AuthEventStore
}

// UserStore manages callers. Lookups by email are case-insensitive.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	SetActive(ctx context.Context, id string, active bool) error
	// SetSuperAdmin is reserved for operator tooling; no API surface calls it.
	SetSuperAdmin(ctx context.Context, id string, superAdmin bool) error
}

// GrantStore manages direct user grants.
type GrantStore interface {
	Create(ctx context.Context, g *Grant) error
	Delete(ctx context.Context, userID, grantID string) error
	Find(ctx context.Context, userID, grantID string) (Grant, error)
	ForUser(ctx context.Context, userID string) ([]Grant, error)
	ForUserCapability(ctx context.Context, userID string, key CapabilityKey) ([]Grant, error)
}

// PoolStore manages pools, memberships and pool grants. The read methods
// return rows for every pool the user belongs to, active or not.
type PoolStore interface {
	Create(ctx context.Context, p *Pool) error
	Find(ctx context.Context, id string) (Pool, error)
	Update(ctx context.Context, p *Pool) error
	AddMember(ctx context.Context, poolID, userID string) (PoolMember, error)
	RemoveMember(ctx context.Context, poolID, userID string) error
	SetModules(ctx context.Context, poolID string, modules []string) error
	CreateGrant(ctx context.Context, g *Grant) error
	DeleteGrant(ctx context.Context, poolID, grantID string) error
	FindGrant(ctx context.Context, poolID, grantID string) (Grant, error)

	GrantsForUser(ctx context.Context, userID string) ([]PoolGrant, error)
	GrantsForUserCapability(ctx context.Context, userID string, key CapabilityKey) ([]PoolGrant, error)
	ModulesForUser(ctx context.Context, userID string) ([]PoolModule, error)
}

// CatalogStore manages the module and capability catalog.
type CatalogStore interface {
	Ensure(ctx context.Context, modules []Module) error
	Modules(ctx context.Context) ([]Module, error)
	CapabilityExists(ctx context.Context, key CapabilityKey) (bool, error)
}

// CredentialStore persists refresh credentials. Expiry comparisons use the
// store's own clock.
type CredentialStore interface {
	Create(ctx context.Context, c *RefreshCredential) error
	// Consume atomically revokes the unrevoked, unexpired credential with the
	// given hash and returns it. It returns ErrNotFound when no row qualifies.
	Consume(ctx context.Context, tokenHash string) (RefreshCredential, error)
	// RevokeForUser revokes the live credential with the given hash only when
	// it belongs to userID.
	RevokeForUser(ctx context.Context, userID, tokenHash string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	// DeleteExpired hard-deletes credentials whose expiry is older than the
	// given retention. It is the only deletion path.
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// AuthEventStore appends immutable authentication events.
type AuthEventStore interface {
	Append(ctx context.Context, ev AuthEvent) error
}
