package pg

import (
	"context"
	"database/sql"
	"errors"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

type grantStore struct{ db *sql.DB }

func (s grantStore) Create(ctx context.Context, g *auth.Grant) error {
	if s.db == nil {
		return errNoDB
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.Source = auth.SourceDirect
	err := s.db.QueryRowContext(ctx, `
		insert into user_permissions (id, user_id, module_code, capability_code, scope, scope_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, g.ID, g.UserID, g.Capability.Module, g.Capability.Action, string(g.Scope), nullIfEmpty(g.ScopeID)).Scan(&g.CreatedAt)
	return mapWriteError(err)
}

func (s grantStore) Delete(ctx context.Context, userID, grantID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_permissions
		where id = $1 and user_id = $2
	`, grantID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s grantStore) Find(ctx context.Context, userID, grantID string) (auth.Grant, error) {
	if s.db == nil {
		return auth.Grant{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select user_id, `+grantColumns+`
		from user_permissions
		where id = $1 and user_id = $2
	`, grantID, userID)
	var owner string
	g, err := scanGrant(row, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Grant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Grant{}, err
	}
	g.UserID = owner
	g.Source = auth.SourceDirect
	return g, nil
}

func (s grantStore) ForUser(ctx context.Context, userID string) ([]auth.Grant, error) {
	return s.list(ctx, `
		select user_id, `+grantColumns+`
		from user_permissions
		where user_id = $1
		order by id
	`, userID)
}

func (s grantStore) ForUserCapability(ctx context.Context, userID string, key auth.CapabilityKey) ([]auth.Grant, error) {
	return s.list(ctx, `
		select user_id, `+grantColumns+`
		from user_permissions
		where user_id = $1 and module_code = $2 and capability_code = $3
		order by id
	`, userID, key.Module, key.Action)
}

func (s grantStore) list(ctx context.Context, query string, args ...any) ([]auth.Grant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []auth.Grant
	for rows.Next() {
		var owner string
		g, err := scanGrant(rows, &owner)
		if err != nil {
			return nil, err
		}
		g.UserID = owner
		g.Source = auth.SourceDirect
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
