// Package config loads service configuration from CONDOHUB_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	PGDSN           string
	Environment     string
	SentryDSN       string
	ShutdownTimeout time.Duration

	Tokens    TokenConfig
	Passwords PasswordConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
	Audit     AuditConfig
}

// TokenConfig configures access token signing and credential lifetimes.
// Either Secret (HS256) or the PEM key pair (RS256) must be set.
type TokenConfig struct {
	Secret        string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// PasswordConfig selects the password hashing scheme for new hashes.
type PasswordConfig struct {
	Hasher     string
	BcryptCost int
}

// RateLimitConfig bounds login and refresh attempts per client IP.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// SweepConfig schedules the expired refresh credential sweep.
type SweepConfig struct {
	Schedule  string
	Retention time.Duration
}

// AuditConfig sizes the asynchronous auth event writer.
type AuditConfig struct {
	QueueSize int
}

// LoadDotEnv loads path into the environment when the file exists. Variables
// already set are not overridden.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("config: load %s: %w", path, err)
	}
	return true, nil
}

// Load reads configuration using lookup (os.LookupEnv when nil).
func Load(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := env{lookup: lookup}
	cfg := Config{
		HTTPAddr:        e.str("CONDOHUB_HTTP_ADDR", ":8080"),
		GRPCAddr:        e.str("CONDOHUB_GRPC_ADDR", ":9090"),
		PGDSN:           e.str("CONDOHUB_PG_DSN", ""),
		Environment:     e.str("CONDOHUB_ENV", "development"),
		SentryDSN:       e.str("CONDOHUB_SENTRY_DSN", ""),
		ShutdownTimeout: e.duration("CONDOHUB_SHUTDOWN_TIMEOUT", 10*time.Second),
		Tokens: TokenConfig{
			Secret:        e.str("CONDOHUB_JWT_SECRET", ""),
			PrivateKeyPEM: e.str("CONDOHUB_JWT_PRIVATE_KEY", ""),
			PublicKeyPEM:  e.str("CONDOHUB_JWT_PUBLIC_KEY", ""),
			KeyID:         e.str("CONDOHUB_JWT_KEY_ID", ""),
			Issuer:        e.str("CONDOHUB_JWT_ISSUER", "condohub"),
			AccessTTL:     e.duration("CONDOHUB_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:    e.duration("CONDOHUB_REFRESH_TTL", 14*24*time.Hour),
		},
		Passwords: PasswordConfig{
			Hasher:     strings.ToLower(e.str("CONDOHUB_PASSWORD_HASHER", "bcrypt")),
			BcryptCost: e.integer("CONDOHUB_BCRYPT_COST", 12),
		},
		RateLimit: RateLimitConfig{
			PerSecond: e.float("CONDOHUB_AUTH_RATE_PER_SEC", 1),
			Burst:     e.integer("CONDOHUB_AUTH_RATE_BURST", 5),
		},
		Sweep: SweepConfig{
			Schedule:  e.str("CONDOHUB_SWEEP_SCHEDULE", "@hourly"),
			Retention: e.duration("CONDOHUB_SWEEP_RETENTION", 24*time.Hour),
		},
		Audit: AuditConfig{
			QueueSize: e.integer("CONDOHUB_AUDIT_QUEUE_SIZE", 1024),
		},
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	t := c.Tokens
	hasRSA := t.PrivateKeyPEM != "" || t.PublicKeyPEM != ""
	switch {
	case t.Secret == "" && !hasRSA:
		errs = append(errs, errors.New("config: CONDOHUB_JWT_SECRET or CONDOHUB_JWT_PRIVATE_KEY/CONDOHUB_JWT_PUBLIC_KEY is required"))
	case hasRSA && (t.PrivateKeyPEM == "" || t.PublicKeyPEM == ""):
		errs = append(errs, errors.New("config: both CONDOHUB_JWT_PRIVATE_KEY and CONDOHUB_JWT_PUBLIC_KEY are required"))
	case !hasRSA && len(t.Secret) < 32:
		errs = append(errs, errors.New("config: CONDOHUB_JWT_SECRET must be at least 32 bytes"))
	}
	if t.AccessTTL <= 0 || t.RefreshTTL <= 0 {
		errs = append(errs, errors.New("config: token TTLs must be positive"))
	}
	if t.AccessTTL >= t.RefreshTTL {
		errs = append(errs, errors.New("config: access TTL must be shorter than refresh TTL"))
	}
	switch c.Passwords.Hasher {
	case "bcrypt", "argon2id":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported password hasher %q", c.Passwords.Hasher))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("config: auth rate limit must be positive"))
	}
	if c.Audit.QueueSize <= 0 {
		errs = append(errs, errors.New("config: audit queue size must be positive"))
	}
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		errs = append(errs, errors.New("config: sweep schedule is required"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return f
}
