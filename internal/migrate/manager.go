// Package migrate applies the PostgreSQL schema migrations and optional seed
// files, recording what ran in bookkeeping tables.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

var (
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	ErrMissingDown    = errors.New("migrate: missing down migration")
)

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Manager runs scripts from two file systems: the schema migrations and an
// optional set of seeds. A script and its bookkeeping row commit in the same
// transaction, so a script is either applied and recorded or neither.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	now        func() time.Time
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS) *Manager {
	return &Manager{db: db, migrations: migrations, seeds: seeds, now: time.Now}
}

// Up applies every migration not yet recorded, in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, migrationsTable, m.migrations, upSuffix)
}

// Seed applies every seed file not yet recorded, in name order.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, seedsTable, m.seeds, seedSuffix)
}

// Down reverts the most recently applied migration with its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return ErrNothingApplied
	}
	last := history[len(history)-1].Name
	downs, err := scripts(m.migrations, downSuffix)
	if err != nil {
		return err
	}
	want := strings.TrimSuffix(last, upSuffix) + downSuffix
	for _, s := range downs {
		if s.name != want {
			continue
		}
		err := m.run(ctx, m.migrations, s.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingDown, last)
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensure(ctx, migrationsTable); err != nil {
		return nil, err
	}
	return m.applied(ctx, migrationsTable)
}

func (m *Manager) applyPending(ctx context.Context, table string, fsys fs.FS, suffix string) error {
	if err := m.ensure(ctx, table); err != nil {
		return err
	}
	history, err := m.applied(ctx, table)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(history))
	for _, a := range history {
		done[a.Name] = true
	}
	pending, err := scripts(fsys, suffix)
	if err != nil {
		return err
	}
	insert := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
	for _, s := range pending {
		if done[s.name] {
			continue
		}
		err := m.run(ctx, fsys, s.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, insert, s.name, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
	}
	return nil
}

func (m *Manager) ensure(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		name text primary key,
		applied_at timestamptz not null default now()
	)`, table))
	if err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// run executes one script and then record inside a single transaction.
func (m *Manager) run(ctx context.Context, fsys fs.FS, name string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, name)
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
	if err := record(tx); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

type script struct {
	name string
	path string
}

// scripts walks fsys for files ending in suffix, sorted by base name. A nil
// or missing tree yields nothing.
func scripts(fsys fs.FS, suffix string) ([]script, error) {
	if fsys == nil {
		return nil, nil
	}
	var out []script
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			out = append(out, script{name: path.Base(p), path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// splitStatements cuts a script at top-level semicolons. Single-quoted
// strings are kept intact and -- comments are dropped.
func splitStatements(src string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\'':
			quoted = !quoted
			cur.WriteByte(c)
		case quoted:
			cur.WriteByte(c)
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
