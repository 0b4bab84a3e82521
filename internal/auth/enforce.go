package auth

import (
	"context"
	"errors"
)

// Enforcer is the transport-agnostic decision entry point. Transport adapters
// extract the bearer token and call context and delegate every decision here.
type Enforcer struct {
	verifier *Verifier
	scopes   *ScopeResolver
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(verifier *Verifier, scopes *ScopeResolver) *Enforcer {
	return &Enforcer{verifier: verifier, scopes: scopes}
}

// Authenticate resolves the caller behind a bearer token. Identity failures
// are returned as *DeniedError; anything else is transient.
func (e *Enforcer) Authenticate(ctx context.Context, bearer string) (User, error) {
	return e.verifier.ResolveCaller(ctx, bearer)
}

// Authorize checks that caller holds key under a scope covering cc. Denials
// are returned as *DeniedError. Any other error means the decision could not
// be made and the call must be refused.
func (e *Enforcer) Authorize(ctx context.Context, caller User, key CapabilityKey, cc CallContext) (Decision, error) {
	d, err := e.scopes.CheckCaller(ctx, caller, key, cc)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed() {
		return d, d.Err(key)
	}
	return d, nil
}

// IsTransient reports whether err is a failure to decide rather than a denial.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var denied *DeniedError
	return !errors.As(err, &denied)
}
