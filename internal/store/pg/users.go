package pg

import (
	"context"
	"database/sql"
	"errors"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

type userStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, is_super_admin, is_active, created_at, updated_at`

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, is_super_admin, is_active)
		values ($1, lower($2), $3, $4, $5)
		returning email, created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.IsSuperAdmin, u.IsActive).Scan(&u.Email, &u.CreatedAt, &u.UpdatedAt)
	return mapWriteError(err)
}

func (s userStore) Find(ctx context.Context, id string) (auth.User, error) {
	return s.one(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s userStore) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.one(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, email)
}

func (s userStore) one(ctx context.Context, query string, arg any) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var u auth.User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsSuperAdmin, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s userStore) SetActive(ctx context.Context, id string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set is_active = $2, updated_at = now()
		where id = $1
	`, id, active)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s userStore) SetSuperAdmin(ctx context.Context, id string, superAdmin bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set is_super_admin = $2, updated_at = now()
		where id = $1
	`, id, superAdmin)
	if err != nil {
		return err
	}
	return expectOne(res)
}
