// Package migrate applies the service's SQL schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

// Migrations returns the embedded migration files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNothingApplied is returned by Down when no migration has been applied.
var ErrNothingApplied = errors.New("no migrations applied")

// Manager executes *.up.sql / *.down.sql migrations read from an fs.FS.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithFS replaces the embedded migrations.
func WithFS(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
		}
	}
}

// NewManager constructs a Manager over the embedded migrations.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		fsys:  Migrations(),
		table: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status describes one known migration.
type Status struct {
	Name      string
	AppliedAt *time.Time
}

// Up applies all pending migrations in name order and returns those applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.executed(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if _, ok := executed[name]; ok {
			continue
		}
		record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.table)
		if err := m.exec(ctx, name, record, name, time.Now().UTC()); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	executed, err := m.executed(ctx)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNothingApplied
	}
	names := make([]string, 0, len(executed))
	for name := range executed {
		names = append(names, name)
	}
	sort.Strings(names)
	last := names[len(names)-1]

	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.fsys, down); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	record := fmt.Sprintf(`delete from %s where name = $1`, m.table)
	if err := m.exec(ctx, down, record, last); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every known migration with its applied time, if any.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.executed(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(files))
	for _, name := range files {
		st := Status{Name: name}
		if at, ok := executed[name]; ok {
			at := at
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	if m.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, m.table))
	return err
}

// exec runs the statements of file and the bookkeeping statement in one
// transaction.
func (m *Manager) exec(ctx context.Context, file, record string, args ...any) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) executed(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		result[name] = at
	}
	return result, rows.Err()
}

func (m *Manager) files(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits SQL on semicolons outside quoted strings, line
// comments and $$-quoted bodies. Blank statements are dropped.
func splitStatements(src string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		inDollar bool
		inLine   bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
			}
		case inString:
			current.WriteByte(c)
			if c == '\'' {
				inString = false
			}
		case inDollar:
			current.WriteByte(c)
			if c == '$' && i+1 < len(src) && src[i+1] == '$' {
				current.WriteByte('$')
				i++
				inDollar = false
			}
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			inLine = true
			i++
		case c == '\'':
			current.WriteByte(c)
			inString = true
		case c == '$' && i+1 < len(src) && src[i+1] == '$':
			current.WriteString("$$")
			i++
			inDollar = true
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}
