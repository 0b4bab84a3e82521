package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: resource conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUnauthenticated and ErrForbidden are the two families every DeniedError unwraps to.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
)

// Outcome is the result of an enforcement decision.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeNoCredential
	OutcomeInvalidCredential
	OutcomeInactiveCaller
	OutcomeCapabilityAbsent
	OutcomeScopeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeNoCredential:
		return "no_credential"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomeInactiveCaller:
		return "inactive_caller"
	case OutcomeCapabilityAbsent:
		return "capability_absent"
	case OutcomeScopeMismatch:
		return "scope_mismatch"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// IsIdentity reports whether the outcome is an authentication failure.
func (o Outcome) IsIdentity() bool {
	switch o {
	case OutcomeNoCredential, OutcomeInvalidCredential, OutcomeInactiveCaller:
		return true
	}
	return false
}

// DeniedError is returned by the enforcer for every denial. Outcome is for
// server-side diagnostics; transports must not echo it to the caller.
type DeniedError struct {
	Outcome    Outcome
	Capability CapabilityKey
	Detail     string
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ""
	}
	msg := "denied: " + e.Outcome.String()
	if !e.Capability.IsZero() {
		msg += " (" + e.Capability.String() + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DeniedError) Unwrap() error {
	if e.Outcome.IsIdentity() {
		return ErrUnauthenticated
	}
	return ErrForbidden
}

func deny(outcome Outcome, key CapabilityKey, detail string) *DeniedError {
	return &DeniedError{Outcome: outcome, Capability: key, Detail: detail}
}

// DenialOutcome extracts the outcome carried by err, if any.
func DenialOutcome(err error) (Outcome, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Outcome, true
	}
	return OutcomeAllowed, false
}
