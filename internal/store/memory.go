package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. Each primitive holds the lock for its whole
// duration, which gives it the same per-statement atomicity a SQL backend
// provides per row.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row
	fault  func(op, table string) error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

// SetFault installs a hook consulted before every primitive; a non-nil
// return is reported as that primitive's error. Pass nil to clear it.
// op is one of "update", "insert", "read" or "list".
func (m *Memory) SetFault(fn func(op, table string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) checkFault(op, table string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, table)
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) ConditionalUpdate(ctx context.Context, u Update) (UpdateResult, error) {
	if err := u.Validate(); err != nil {
		return UpdateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("update", u.Table); err != nil {
		return UpdateResult{}, err
	}

	// Every matched row is computed before any is written, so a failing
	// assignment leaves the table untouched.
	type pending struct {
		idx int
		row Row
	}
	rows := m.tables[u.Table]
	var writes []pending
	for i, row := range rows {
		if !matchesAll(row, u.Where) {
			continue
		}
		next, err := applyAssigns(row, u.Set)
		if err != nil {
			return UpdateResult{}, err
		}
		writes = append(writes, pending{idx: i, row: next})
	}

	var res UpdateResult
	for _, w := range writes {
		next := w.row
		rows[w.idx] = next
		res.RowsAffected++
		if len(u.Returning) > 0 {
			res.Rows = append(res.Rows, next.project(u.Returning))
		}
	}
	return res, nil
}

func applyAssigns(row Row, set []Assign) (Row, error) {
	next := row.clone()
	for _, a := range set {
		if !a.Delta {
			next[a.Column] = normalize(a.Value)
			continue
		}
		cur, ok := toInt64(row[a.Column])
		if !ok {
			return nil, fmt.Errorf("%w: increment of non-integer column %s", ErrInvalidQuery, a.Column)
		}
		delta, _ := toInt64(a.Value)
		next[a.Column] = cur + delta
	}
	return next, nil
}

func (m *Memory) UniqueInsert(ctx context.Context, ins Insert) (bool, error) {
	if err := ins.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("insert", ins.Table); err != nil {
		return false, err
	}

	candidate := make(Row, len(ins.Row))
	for k, v := range ins.Row {
		candidate[k] = normalize(v)
	}
	for _, row := range m.tables[ins.Table] {
		if conflicts(row, candidate, ins.Unique) {
			return false, nil
		}
	}
	m.tables[ins.Table] = append(m.tables[ins.Table], candidate)
	return true, nil
}

func (m *Memory) Read(ctx context.Context, q Query) (Row, bool, error) {
	q.Limit = 1
	rows, err := m.list(ctx, q, "read")
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (m *Memory) List(ctx context.Context, q Query) ([]Row, error) {
	return m.list(ctx, q, "list")
}

func (m *Memory) list(ctx context.Context, q Query, op string) ([]Row, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault(op, q.Table); err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range m.tables[q.Table] {
		if matchesAll(row, q.Where) {
			out = append(out, row)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c, _ := compare(out[i][q.OrderBy], out[j][q.OrderBy])
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, row := range out {
		out[i] = row.project(q.Columns)
	}
	return out, nil
}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Row) project(cols []string) Row {
	out := make(Row, len(cols))
	for _, c := range cols {
		v := r[c]
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		out[c] = v
	}
	return out
}

func matchesAll(row Row, where []Cond) bool {
	for _, c := range where {
		if !matches(row[c.Column], c) {
			return false
		}
	}
	return true
}

// matches follows SQL three-valued logic: any comparison against NULL is
// false, only IS NULL matches it.
func matches(stored any, c Cond) bool {
	if c.Op == OpIsNull {
		return stored == nil
	}
	if stored == nil || c.Value == nil {
		return false
	}
	cmp, ok := compare(stored, normalize(c.Value))
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

func conflicts(existing, candidate Row, unique []string) bool {
	for _, col := range unique {
		a, b := existing[col], candidate[col]
		if a == nil || b == nil {
			return false
		}
		if c, ok := compare(a, b); !ok || c != 0 {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case []byte:
		return bytes.Clone(x)
	case int, int8, int16, int32, uint8, uint16, uint32:
		n, _ := toInt64(x)
		return n
	default:
		return v
	}
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		y, ok := toInt64(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		if !x {
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x, y), true
	}
	return 0, false
}
