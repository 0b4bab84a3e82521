// Package pg implements the auth stores on PostgreSQL through database/sql
// and the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"condohub.io/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

var errNoDB = errors.New("database connection unavailable")

// Store implements auth.Store.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to dsn with tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Users() auth.UserStore             { return userStore{s.db} }
func (s *Store) Grants() auth.GrantStore           { return grantStore{s.db} }
func (s *Store) Pools() auth.PoolStore             { return poolStore{s.db} }
func (s *Store) Catalog() auth.CatalogStore        { return catalogStore{s.db} }
func (s *Store) Credentials() auth.CredentialStore { return credentialStore{s.db} }
func (s *Store) Events() auth.AuthEventStore       { return eventStore{s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteError translates constraint violations into auth sentinels.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		case pgErrCheckViolation:
			return auth.ErrInvalidInput
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOne(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const grantColumns = `id, module_code, capability_code, scope, scope_id, created_at`

func scanGrant(row scanner, owner *string, extra ...any) (auth.Grant, error) {
	var (
		g       auth.Grant
		scope   string
		scopeID sql.NullString
	)
	dest := []any{owner, &g.ID, &g.Capability.Module, &g.Capability.Action, &scope, &scopeID, &g.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return auth.Grant{}, err
	}
	// Scope is kept verbatim; the resolver validates it on read.
	g.Scope = auth.Scope(scope)
	g.ScopeID = scopeID.String
	return g, nil
}
