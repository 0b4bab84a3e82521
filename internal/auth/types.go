package auth

import (
	"fmt"
	"strings"
	"time"
)

// User is a caller identity. IsSuperAdmin is never assignable through the API.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsSuperAdmin bool      `json:"is_super_admin"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Module is a functional area owning a set of capabilities.
type Module struct {
	Code         string       `json:"code"`
	Name         string       `json:"name"`
	Position     int          `json:"position"`
	IsActive     bool         `json:"is_active"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Capability is a named action within a module.
type Capability struct {
	Module      string `json:"module"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Key returns the capability's global identifier.
func (c Capability) Key() CapabilityKey {
	return CapabilityKey{Module: c.Module, Action: c.Code}
}

// CapabilityKey identifies a capability by (module code, capability code).
type CapabilityKey struct {
	Module string
	Action string
}

// ParseCapabilityKey parses the "module:capability" form.
func ParseCapabilityKey(s string) (CapabilityKey, error) {
	module, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	module = strings.TrimSpace(strings.ToLower(module))
	action = strings.TrimSpace(strings.ToLower(action))
	if !ok || module == "" || action == "" || strings.Contains(action, ":") {
		return CapabilityKey{}, fmt.Errorf("%w: capability must look like module:action, got %q", ErrInvalidInput, s)
	}
	return CapabilityKey{Module: module, Action: action}, nil
}

func (k CapabilityKey) String() string {
	return k.Module + ":" + k.Action
}

// MarshalText encodes the key as "module:capability".
func (k CapabilityKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes the "module:capability" form.
func (k *CapabilityKey) UnmarshalText(b []byte) error {
	parsed, err := ParseCapabilityKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether the key is unset.
func (k CapabilityKey) IsZero() bool {
	return k.Module == "" && k.Action == ""
}

// Scope is the breadth of a grant.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeTenant       Scope = "tenant"
	ScopeUnrestricted Scope = "unrestricted"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.TrimSpace(strings.ToLower(s))); sc {
	case ScopeOwn, ScopeTenant, ScopeUnrestricted:
		return sc, nil
	default:
		return "", fmt.Errorf("%w: unsupported scope %q", ErrInvalidInput, s)
	}
}

// precedence orders scopes for evaluation; lower is evaluated first.
func (s Scope) precedence() int {
	switch s {
	case ScopeUnrestricted:
		return 0
	case ScopeTenant:
		return 1
	case ScopeOwn:
		return 2
	default:
		return 3
	}
}

// GrantSource tells where a grant came from.
type GrantSource string

const (
	SourceDirect GrantSource = "direct"
	SourcePool   GrantSource = "pool"
)

// Grant assigns a capability under a scope, either directly to a user or to a pool.
// ScopeID is the tenant (condominium) id and is only meaningful for ScopeTenant.
type Grant struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id,omitempty"`
	PoolID     string        `json:"pool_id,omitempty"`
	Capability CapabilityKey `json:"capability"`
	Scope      Scope         `json:"scope"`
	ScopeID    string        `json:"scope_id,omitempty"`
	Source     GrantSource   `json:"source"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Validate checks the scope/scope id invariant.
func (g Grant) Validate() error {
	switch g.Scope {
	case ScopeTenant:
		if strings.TrimSpace(g.ScopeID) == "" {
			return fmt.Errorf("%w: tenant scope requires scope_id", ErrInvalidInput)
		}
	case ScopeOwn, ScopeUnrestricted:
		if g.ScopeID != "" {
			return fmt.Errorf("%w: %s scope must not carry scope_id", ErrInvalidInput, g.Scope)
		}
	default:
		return fmt.Errorf("%w: unsupported scope %q", ErrInvalidInput, g.Scope)
	}
	return nil
}

// Pool is a named group of users sharing module and capability grants.
type Pool struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PoolMember links a user to a pool.
type PoolMember struct {
	PoolID    string    `json:"pool_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PoolGrant is a pool capability grant as seen from one member, carrying the
// pool's active flag at read time.
type PoolGrant struct {
	Grant
	PoolActive bool
}

// PoolModule is a pool module grant as seen from one member.
type PoolModule struct {
	PoolID     string
	Module     string
	PoolActive bool
}

// RefreshCredential is a persisted refresh token. Only the hash is stored.
type RefreshCredential struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// ClientInfo is transport-supplied metadata about the calling client.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// Auth event names.
const (
	EventLogin     = "login"
	EventRefresh   = "refresh"
	EventLogout    = "logout"
	EventLogoutAll = "logout_all"
)

// Login failure reasons recorded server-side only.
const (
	FailReasonUnknownEmail  = "user not found"
	FailReasonInactive      = "account inactive"
	FailReasonWrongPassword = "incorrect password"
	FailReasonInvalidToken  = "invalid refresh token"
)

// AuthEvent is one append-only authentication log record.
type AuthEvent struct {
	ID         string
	Event      string
	Email      string
	UserID     string
	IPAddress  string
	UserAgent  string
	Success    bool
	FailReason string
	CreatedAt  time.Time
}

// CallContext is the per-call scope context extracted by a transport adapter.
// Empty strings mean absent.
type CallContext struct {
	TenantID        string
	ResourceOwnerID string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
