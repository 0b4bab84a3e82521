package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Verifier resolves an access token to the current caller record.
type Verifier struct {
	tokens *TokenIssuer
	users  UserStore
}

// NewVerifier constructs a Verifier.
func NewVerifier(tokens *TokenIssuer, users UserStore) *Verifier {
	return &Verifier{tokens: tokens, users: users}
}

// ResolveCaller verifies token and reloads the caller. Claims only prove
// identity; active and super-admin state always come from the store.
func (v *Verifier) ResolveCaller(ctx context.Context, token string) (User, error) {
	if strings.TrimSpace(token) == "" {
		return User{}, deny(OutcomeNoCredential, CapabilityKey{}, "")
	}
	claims, err := v.tokens.VerifyAccessToken(token)
	if err != nil {
		return User{}, deny(OutcomeInvalidCredential, CapabilityKey{}, "token rejected")
	}
	user, err := v.users.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, deny(OutcomeInvalidCredential, CapabilityKey{}, "subject no longer exists")
		}
		return User{}, fmt.Errorf("load caller: %w", err)
	}
	if !user.IsActive {
		return User{}, deny(OutcomeInactiveCaller, CapabilityKey{}, "")
	}
	return user, nil
}
