package pg

import (
	"context"
	"database/sql"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

type eventStore struct{ db *sql.DB }

// Append inserts one auth event. The table is insert-only.
func (s eventStore) Append(ctx context.Context, ev auth.AuthEvent) error {
	if s.db == nil {
		return errNoDB
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	var createdAt sql.NullTime
	if !ev.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: ev.CreatedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auth_event_log (id, event, email, user_id, ip_address, user_agent, success, fail_reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, coalesce($9, now()))
	`, ev.ID, ev.Event, ev.Email, nullIfEmpty(ev.UserID), ev.IPAddress, ev.UserAgent, ev.Success, nullIfEmpty(ev.FailReason), createdAt)
	return err
}
