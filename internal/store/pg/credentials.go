package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

type credentialStore struct{ db *sql.DB }

func (s credentialStore) Create(ctx context.Context, c *auth.RefreshCredential) error {
	if s.db == nil {
		return errNoDB
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into refresh_credentials (id, user_id, token_hash, expires_at, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, c.ID, c.UserID, c.TokenHash, c.ExpiresAt, c.IPAddress, c.UserAgent).Scan(&c.CreatedAt)
	return mapWriteError(err)
}

// Consume revokes and returns the live credential in a single statement, so
// concurrent callers presenting the same token see exactly one success.
func (s credentialStore) Consume(ctx context.Context, tokenHash string) (auth.RefreshCredential, error) {
	if s.db == nil {
		return auth.RefreshCredential{}, errNoDB
	}
	c := auth.RefreshCredential{TokenHash: tokenHash}
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		update refresh_credentials
		set revoked_at = now()
		where token_hash = $1 and revoked_at is null and expires_at > now()
		returning id, user_id, expires_at, revoked_at, ip_address, user_agent, created_at
	`, tokenHash).Scan(&c.ID, &c.UserID, &c.ExpiresAt, &revokedAt, &c.IPAddress, &c.UserAgent, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshCredential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshCredential{}, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	return c, nil
}

func (s credentialStore) RevokeForUser(ctx context.Context, userID, tokenHash string) (int64, error) {
	return s.exec(ctx, `
		update refresh_credentials set revoked_at = now()
		where token_hash = $1 and user_id = $2 and revoked_at is null
	`, tokenHash, userID)
}

func (s credentialStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return s.exec(ctx, `
		update refresh_credentials set revoked_at = now()
		where user_id = $1 and revoked_at is null
	`, userID)
}

func (s credentialStore) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		retention = 0
	}
	return s.exec(ctx, `
		delete from refresh_credentials
		where expires_at < now() - make_interval(secs => $1)
	`, retention.Seconds())
}

func (s credentialStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
