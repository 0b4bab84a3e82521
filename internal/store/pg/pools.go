package pg

import (
	"context"
	"database/sql"
	"errors"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

type poolStore struct{ db *sql.DB }

func (s poolStore) Create(ctx context.Context, p *auth.Pool) error {
	if s.db == nil {
		return errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_pools (id, name, description, is_active)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, p.ID, p.Name, p.Description, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapWriteError(err)
}

func (s poolStore) Find(ctx context.Context, id string) (auth.Pool, error) {
	if s.db == nil {
		return auth.Pool{}, errNoDB
	}
	var p auth.Pool
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, is_active, created_at, updated_at
		from user_pools
		where id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Pool{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Pool{}, err
	}
	return p, nil
}

func (s poolStore) Update(ctx context.Context, p *auth.Pool) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		update user_pools
		set name = $2, description = $3, is_active = $4, updated_at = now()
		where id = $1
		returning updated_at
	`, p.ID, p.Name, p.Description, p.IsActive).Scan(&p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return mapWriteError(err)
}

func (s poolStore) AddMember(ctx context.Context, poolID, userID string) (auth.PoolMember, error) {
	if s.db == nil {
		return auth.PoolMember{}, errNoDB
	}
	m := auth.PoolMember{PoolID: poolID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		insert into pool_members (pool_id, user_id)
		values ($1, $2)
		returning created_at
	`, poolID, userID).Scan(&m.CreatedAt)
	if err != nil {
		return auth.PoolMember{}, mapWriteError(err)
	}
	return m, nil
}

func (s poolStore) RemoveMember(ctx context.Context, poolID, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from pool_members
		where pool_id = $1 and user_id = $2
	`, poolID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// SetModules replaces the pool's module grants in one transaction.
func (s poolStore) SetModules(ctx context.Context, poolID string, modules []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from user_pools where id = $1 for update`, poolID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from pool_module_grants where pool_id = $1`, poolID); err != nil {
		return err
	}
	for _, code := range modules {
		if _, err := tx.ExecContext(ctx, `
			insert into pool_module_grants (pool_id, module_code)
			values ($1, $2)
		`, poolID, code); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s poolStore) CreateGrant(ctx context.Context, g *auth.Grant) error {
	if s.db == nil {
		return errNoDB
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.Source = auth.SourcePool
	err := s.db.QueryRowContext(ctx, `
		insert into pool_capability_grants (id, pool_id, module_code, capability_code, scope, scope_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, g.ID, g.PoolID, g.Capability.Module, g.Capability.Action, string(g.Scope), nullIfEmpty(g.ScopeID)).Scan(&g.CreatedAt)
	return mapWriteError(err)
}

func (s poolStore) DeleteGrant(ctx context.Context, poolID, grantID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from pool_capability_grants
		where id = $1 and pool_id = $2
	`, grantID, poolID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s poolStore) FindGrant(ctx context.Context, poolID, grantID string) (auth.Grant, error) {
	if s.db == nil {
		return auth.Grant{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select pool_id, `+grantColumns+`
		from pool_capability_grants
		where id = $1 and pool_id = $2
	`, grantID, poolID)
	var owner string
	g, err := scanGrant(row, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Grant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Grant{}, err
	}
	g.PoolID = owner
	g.Source = auth.SourcePool
	return g, nil
}

const poolGrantQuery = `
	select g.pool_id, g.id, g.module_code, g.capability_code, g.scope, g.scope_id, g.created_at, p.is_active
	from pool_members m
	join user_pools p on p.id = m.pool_id
	join pool_capability_grants g on g.pool_id = m.pool_id
	where m.user_id = $1`

func (s poolStore) GrantsForUser(ctx context.Context, userID string) ([]auth.PoolGrant, error) {
	return s.grants(ctx, userID, poolGrantQuery+` order by g.id`, userID)
}

func (s poolStore) GrantsForUserCapability(ctx context.Context, userID string, key auth.CapabilityKey) ([]auth.PoolGrant, error) {
	return s.grants(ctx, userID, poolGrantQuery+`
		and g.module_code = $2 and g.capability_code = $3
		order by g.id`, userID, key.Module, key.Action)
}

func (s poolStore) grants(ctx context.Context, userID, query string, args ...any) ([]auth.PoolGrant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.PoolGrant
	for rows.Next() {
		var (
			poolID string
			active bool
		)
		g, err := scanGrant(rows, &poolID, &active)
		if err != nil {
			return nil, err
		}
		g.PoolID = poolID
		g.UserID = userID
		g.Source = auth.SourcePool
		out = append(out, auth.PoolGrant{Grant: g, PoolActive: active})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s poolStore) ModulesForUser(ctx context.Context, userID string) ([]auth.PoolModule, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select pm.pool_id, pm.module_code, p.is_active
		from pool_members m
		join user_pools p on p.id = m.pool_id
		join pool_module_grants pm on pm.pool_id = m.pool_id
		where m.user_id = $1
		order by pm.pool_id, pm.module_code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.PoolModule
	for rows.Next() {
		var pm auth.PoolModule
		if err := rows.Scan(&pm.PoolID, &pm.Module, &pm.PoolActive); err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
