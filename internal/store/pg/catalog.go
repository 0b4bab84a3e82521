package pg

import (
	"context"
	"database/sql"

	"condohub.io/internal/auth"
)

type catalogStore struct{ db *sql.DB }

// Ensure upserts modules and their capabilities. Rows absent from modules are
// left in place so existing grants keep their references.
func (s catalogStore) Ensure(ctx context.Context, modules []auth.Module) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range modules {
		if _, err := tx.ExecContext(ctx, `
			insert into modules (code, name, position, is_active)
			values ($1, $2, $3, $4)
			on conflict (code) do update
			set name = excluded.name, position = excluded.position, is_active = excluded.is_active
		`, m.Code, m.Name, m.Position, m.IsActive); err != nil {
			return err
		}
		for _, c := range m.Capabilities {
			if _, err := tx.ExecContext(ctx, `
				insert into capabilities (module_code, code, description)
				values ($1, $2, $3)
				on conflict (module_code, code) do update
				set description = excluded.description
			`, m.Code, c.Code, c.Description); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s catalogStore) Modules(ctx context.Context) ([]auth.Module, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select m.code, m.name, m.position, m.is_active, c.code, c.description
		from modules m
		left join capabilities c on c.module_code = m.code
		order by m.position, m.code, c.code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Module
	for rows.Next() {
		var (
			m        auth.Module
			capCode  sql.NullString
			capDescr sql.NullString
		)
		if err := rows.Scan(&m.Code, &m.Name, &m.Position, &m.IsActive, &capCode, &capDescr); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Code != m.Code {
			out = append(out, m)
		}
		if capCode.Valid {
			last := &out[len(out)-1]
			last.Capabilities = append(last.Capabilities, auth.Capability{
				Module:      m.Code,
				Code:        capCode.String,
				Description: capDescr.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s catalogStore) CapabilityExists(ctx context.Context, key auth.CapabilityKey) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from capabilities where module_code = $1 and code = $2)
	`, key.Module, key.Action).Scan(&exists)
	return exists, err
}
