package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/ids"
)

const (
	defaultMigrationsTable = "schema_migrations"
)

// Step is one schema migration. Steps apply in slice order; names are
// recorded in the bookkeeping table so reruns are no-ops.
type Step struct {
	Name string
	Up   string
	Down string
}

// Steps is the engine schema: five identity relations plus the append-only
// audit ledger. The ledger table gets no update or delete anywhere in the
// codebase; bigserial keeps its ids strictly increasing and never reused.
var Steps = []Step{
	{
		Name: "0001_users",
		Up: `
			create table if not exists users (
				id text primary key,
				username text not null unique,
				email text not null unique,
				status text not null default 'active'
					check (status in ('active', 'locked', 'disabled')),
				created_at timestamptz not null default now(),
				updated_at timestamptz not null default now()
			);`,
		Down: `drop table if exists users;`,
	},
	{
		Name: "0002_roles_permissions",
		Up: `
			create table if not exists roles (
				id text primary key,
				name text not null unique,
				description text,
				created_at timestamptz not null default now()
			);
			create table if not exists permissions (
				id text primary key,
				key text not null unique,
				description text,
				created_at timestamptz not null default now()
			);`,
		Down: `
			drop table if exists permissions;
			drop table if exists roles;`,
	},
	{
		Name: "0003_mappings",
		Up: `
			create table if not exists user_roles (
				user_id text not null references users(id),
				role_id text not null references roles(id),
				created_at timestamptz not null default now(),
				primary key (user_id, role_id)
			);
			create table if not exists role_permissions (
				role_id text not null references roles(id),
				permission_id text not null references permissions(id),
				primary key (role_id, permission_id)
			);`,
		Down: `
			drop table if exists role_permissions;
			drop table if exists user_roles;`,
	},
	{
		Name: "0004_audit_log",
		Up: `
			create table if not exists audit_log (
				id bigserial primary key,
				actor text not null,
				action text not null,
				target text not null,
				occurred_at timestamptz not null default now()
			);
			create index if not exists audit_log_actor_idx on audit_log (actor);
			create index if not exists audit_log_action_idx on audit_log (action);`,
		Down: `drop table if exists audit_log;`,
	},
}

// Manager applies embedded migrations and seeds against a database handle.
type Manager struct {
	db    *sql.DB
	steps []Step
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithSteps overrides the embedded schema; used by tests.
func WithSteps(steps []Step) Option {
	return func(m *Manager) {
		if len(steps) > 0 {
			m.steps = steps
		}
	}
}

// WithMigrationsTable overrides the default bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		steps: Steps,
		table: defaultMigrationsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending steps in order, one transaction per step.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return err
	}
	for _, step := range m.steps {
		if executed[step.Name] {
			continue
		}
		if err := m.exec(ctx, step.Up); err != nil {
			return fmt.Errorf("apply migration %s: %w", step.Name, err)
		}
		if err := m.insertRecord(ctx, step.Name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recent applied step.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	history, err := m.history(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	var step *Step
	for i := range m.steps {
		if m.steps[i].Name == last {
			step = &m.steps[i]
			break
		}
	}
	if step == nil {
		return fmt.Errorf("unknown applied migration %s", last)
	}
	if err := m.exec(ctx, step.Down); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last); err != nil {
		return err
	}
	return nil
}

// Status returns applied steps in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

// Seed installs the built-in permission catalog idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	for _, p := range iam.BuiltinPermissions {
		if _, err := m.db.ExecContext(ctx, `
			insert into permissions (id, key, description)
			values ($1, $2, $3)
			on conflict (key) do nothing
		`, ids.New(), p.Key, p.Description); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Key, err)
		}
	}
	return nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.table)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) exec(ctx context.Context, script string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) insertRecord(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.table),
		name, time.Now().UTC())
	return err
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// splitStatements naively splits SQL by semicolon, respecting single quotes.
func splitStatements(script string) []string {
	var stmts []string
	var current []rune
	var inString bool
	flush := func() {
		stmt := string(current)
		current = current[:0]
		if strings.TrimSpace(stmt) != "" {
			stmts = append(stmts, stmt)
		}
	}
	for _, r := range script {
		switch r {
		case '\'':
			inString = !inString
			current = append(current, r)
		case ';':
			if inString {
				current = append(current, r)
				continue
			}
			flush()
		default:
			current = append(current, r)
		}
	}
	flush()
	return stmts
}
