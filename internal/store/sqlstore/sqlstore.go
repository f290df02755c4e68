// Package sqlstore renders the store primitives as single SQL statements.
// It is shared by the PostgreSQL and SQLite backends, which differ only in
// placeholder syntax, argument encoding and error classification.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"stepwise.studio/internal/store"
)

// Dialect captures the backend-specific parts of statement rendering.
type Dialect interface {
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// Arg converts a Go value before it is bound.
	Arg(v any) any
	// Classify wraps retryable driver errors with store.Transient.
	Classify(err error) error
}

// DB implements store.Store over database/sql.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*DB)(nil)

func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, dialect: d}
}

func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping(ctx context.Context) error {
	return s.dialect.Classify(s.db.PingContext(ctx))
}

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, b.d.Arg(v))
	return b.d.Placeholder(len(b.args))
}

func (b *builder) where(conds []store.Cond) {
	if len(conds) == 0 {
		return
	}
	b.sb.WriteString(" where ")
	for i, c := range conds {
		if i > 0 {
			b.sb.WriteString(" and ")
		}
		b.sb.WriteString(c.Column)
		if c.Op == store.OpIsNull {
			b.sb.WriteString(" is null")
			continue
		}
		b.sb.WriteString(" " + string(c.Op) + " ")
		b.sb.WriteString(b.bind(c.Value))
	}
}

// BuildUpdate renders u. Exported for tests.
func BuildUpdate(d Dialect, u store.Update) (string, []any) {
	b := &builder{d: d}
	b.sb.WriteString("update " + u.Table + " set ")
	for i, a := range u.Set {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.sb.WriteString(a.Column + " = ")
		if a.Delta {
			b.sb.WriteString(a.Column + " + ")
		}
		b.sb.WriteString(b.bind(a.Value))
	}
	b.where(u.Where)
	if len(u.Returning) > 0 {
		b.sb.WriteString(" returning " + strings.Join(u.Returning, ", "))
	}
	return b.sb.String(), b.args
}

// BuildInsert renders ins with an ON CONFLICT DO NOTHING guard.
func BuildInsert(d Dialect, ins store.Insert) (string, []any) {
	b := &builder{d: d}
	cols := ins.Row.Columns()
	marks := make([]string, len(cols))
	for i, c := range cols {
		marks[i] = b.bind(ins.Row[c])
	}
	fmt.Fprintf(&b.sb, "insert into %s (%s) values (%s) on conflict (%s) do nothing",
		ins.Table, strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(ins.Unique, ", "))
	return b.sb.String(), b.args
}

// BuildSelect renders q.
func BuildSelect(d Dialect, q store.Query) (string, []any) {
	b := &builder{d: d}
	b.sb.WriteString("select " + strings.Join(q.Columns, ", ") + " from " + q.Table)
	b.where(q.Where)
	if q.OrderBy != "" {
		b.sb.WriteString(" order by " + q.OrderBy + " asc")
	}
	if q.Limit > 0 {
		b.sb.WriteString(" limit " + strconv.Itoa(q.Limit))
	}
	return b.sb.String(), b.args
}

func (s *DB) ConditionalUpdate(ctx context.Context, u store.Update) (store.UpdateResult, error) {
	if err := u.Validate(); err != nil {
		return store.UpdateResult{}, err
	}
	query, args := BuildUpdate(s.dialect, u)

	if len(u.Returning) == 0 {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return store.UpdateResult{}, s.dialect.Classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.UpdateResult{}, s.dialect.Classify(err)
		}
		return store.UpdateResult{RowsAffected: n}, nil
	}

	rows, err := s.queryRows(ctx, u.Returning, query, args)
	if err != nil {
		return store.UpdateResult{}, err
	}
	return store.UpdateResult{RowsAffected: int64(len(rows)), Rows: rows}, nil
}

func (s *DB) UniqueInsert(ctx context.Context, ins store.Insert) (bool, error) {
	if err := ins.Validate(); err != nil {
		return false, err
	}
	query, args := BuildInsert(s.dialect, ins)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.dialect.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.dialect.Classify(err)
	}
	return n == 1, nil
}

func (s *DB) Read(ctx context.Context, q store.Query) (store.Row, bool, error) {
	q.Limit = 1
	rows, err := s.List(ctx, q)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (s *DB) List(ctx context.Context, q store.Query) ([]store.Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	query, args := BuildSelect(s.dialect, q)
	return s.queryRows(ctx, q.Columns, query, args)
}

func (s *DB) queryRows(ctx context.Context, cols []string, query string, args []any) ([]store.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.dialect.Classify(err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.dialect.Classify(err)
		}
		row := make(store.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify(err)
	}
	return out, nil
}
