package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultIssuer     = "condohub"

	// TokenTypeAccess is the only type VerifyAccessToken accepts.
	TokenTypeAccess = "access"

	refreshTokenBytes = 32
)

// AccessClaims is the payload of a signed access token.
type AccessClaims struct {
	Email      string `json:"email"`
	SuperAdmin bool   `json:"super_admin"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies access tokens and manages the rotating
// refresh credential lifecycle.
type TokenIssuer struct {
	credentials CredentialStore
	now         func() time.Time

	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer) error

// WithHMACSecret signs access tokens with HS256.
func WithHMACSecret(secret string) IssuerOption {
	return func(t *TokenIssuer) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		if len(secret) < 32 {
			return errors.New("auth: hmac secret must be at least 32 bytes")
		}
		t.method = jwt.SigningMethodHS256
		t.signKey = []byte(secret)
		t.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys signs access tokens with RS256 using PEM encoded keys.
func WithRS256Keys(privatePEM, publicPEM string) IssuerOption {
	return func(t *TokenIssuer) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		return useRSA(t, priv, pub)
	}
}

// WithRSAKey uses an already parsed key pair.
func WithRSAKey(priv *rsa.PrivateKey) IssuerOption {
	return func(t *TokenIssuer) error {
		if priv == nil {
			return errors.New("auth: rsa key is nil")
		}
		return useRSA(t, priv, &priv.PublicKey)
	}
}

func useRSA(t *TokenIssuer, priv *rsa.PrivateKey, pub *rsa.PublicKey) error {
	t.method = jwt.SigningMethodRS256
	t.signKey = priv
	t.verifyKey = pub
	return nil
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) IssuerOption {
	return func(t *TokenIssuer) error {
		t.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) IssuerOption {
	return func(t *TokenIssuer) error {
		if s := strings.TrimSpace(issuer); s != "" {
			t.issuer = s
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) error {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source used for access tokens.
func WithClock(fn func() time.Time) IssuerOption {
	return func(t *TokenIssuer) error {
		if fn != nil {
			t.now = fn
		}
		return nil
	}
}

// NewTokenIssuer constructs a TokenIssuer. A signing key is mandatory.
func NewTokenIssuer(credentials CredentialStore, opts ...IssuerOption) (*TokenIssuer, error) {
	t := &TokenIssuer{
		credentials: credentials,
		now:         time.Now,
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if t.method == nil {
		return nil, errors.New("auth: no signing key configured")
	}
	return t, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccessToken signs a short-lived access token for u.
func (t *TokenIssuer) IssueAccessToken(u User) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.accessTTL)
	claims := AccessClaims{
		Email:      u.Email,
		SuperAdmin: u.IsSuperAdmin,
		Type:       TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(t.method, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks algorithm, signature, issuer and expiry and
// rejects any payload whose type is not "access".
func (t *TokenIssuer) VerifyAccessToken(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.verifyKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueRefreshCredential creates a refresh credential for u. The plaintext
// value is returned once; only its hash is persisted.
func (t *TokenIssuer) IssueRefreshCredential(ctx context.Context, u User, client ClientInfo) (string, time.Time, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("refresh token entropy: %w", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(buf)
	rec := &RefreshCredential{
		UserID:    u.ID,
		TokenHash: HashRefreshToken(plain),
		ExpiresAt: t.now().Add(t.refreshTTL),
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}
	if err := t.credentials.Create(ctx, rec); err != nil {
		return "", time.Time{}, fmt.Errorf("store refresh credential: %w", err)
	}
	return plain, rec.ExpiresAt, nil
}

// IssuePair mints an access token and a refresh credential.
func (t *TokenIssuer) IssuePair(ctx context.Context, u User, client ClientInfo) (TokenPair, error) {
	access, accessExp, err := t.IssueAccessToken(u)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := t.IssueRefreshCredential(ctx, u, client)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// RotateRefreshCredential consumes a refresh credential and returns the
// owning user id. The consume is a single conditional update, so of two
// concurrent rotations of one token at most one succeeds.
func (t *TokenIssuer) RotateRefreshCredential(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	rec, err := t.credentials.Consume(ctx, HashRefreshToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("consume refresh credential: %w", err)
	}
	return rec.UserID, nil
}

// Revoke revokes one refresh credential of userID. It is idempotent and
// reports whether a live credential was revoked. A token issued to another
// user is left untouched.
func (t *TokenIssuer) Revoke(ctx context.Context, userID, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	n, err := t.credentials.RevokeForUser(ctx, userID, HashRefreshToken(token))
	if err != nil {
		return false, fmt.Errorf("revoke refresh credential: %w", err)
	}
	return n > 0, nil
}

// RevokeAll revokes every live refresh credential of userID.
func (t *TokenIssuer) RevokeAll(ctx context.Context, userID string) (bool, error) {
	n, err := t.credentials.RevokeAllForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("revoke refresh credentials: %w", err)
	}
	return n > 0, nil
}

// HashRefreshToken returns the hex SHA-256 digest stored for a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
