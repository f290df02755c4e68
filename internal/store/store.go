// Package store defines the storage primitives every stateful component is
// built from: a conditional update that reports what it matched, a
// uniqueness-guarded insert that reports conflicts as a value, and reads.
//
// No primitive spans more than one statement. Components get atomicity from
// the predicate of a single ConditionalUpdate or from the unique constraint
// behind a single UniqueInsert; there are no transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Op is a comparison operator usable in a predicate.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "<>"
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpIsNull Op = "is null"
)

// Cond is a single column predicate. Conditions in a slice are ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

func Eq(col string, v any) Cond  { return Cond{Column: col, Op: OpEq, Value: v} }
func Ne(col string, v any) Cond  { return Cond{Column: col, Op: OpNe, Value: v} }
func Gt(col string, v any) Cond  { return Cond{Column: col, Op: OpGt, Value: v} }
func Gte(col string, v any) Cond { return Cond{Column: col, Op: OpGte, Value: v} }
func IsNull(col string) Cond     { return Cond{Column: col, Op: OpIsNull} }

// Assign is one entry of a SET clause. When Delta is true the column is
// incremented by Value (an integer) relative to its current stored value.
type Assign struct {
	Column string
	Value  any
	Delta  bool
}

func Set(col string, v any) Assign        { return Assign{Column: col, Value: v} }
func Incr(col string, delta int64) Assign { return Assign{Column: col, Value: delta, Delta: true} }
func Null(col string) Assign              { return Assign{Column: col} }

// Update is a conditional update against one table.
type Update struct {
	Table     string
	Where     []Cond
	Set       []Assign
	Returning []string
}

// UpdateResult reports how many rows the predicate matched and the values
// named in Update.Returning for each of them, as written by this statement.
type UpdateResult struct {
	RowsAffected int64
	Rows         []Row
}

// Matched reports whether the predicate matched at least one row.
func (r UpdateResult) Matched() bool { return r.RowsAffected > 0 }

// Insert is a uniqueness-guarded insert. Unique names the column set whose
// constraint decides a conflict; a conflict is not an error.
type Insert struct {
	Table  string
	Row    Row
	Unique []string
}

// Query selects rows from one table.
type Query struct {
	Table   string
	Columns []string
	Where   []Cond
	OrderBy string
	Limit   int
}

// Store is implemented by every backend.
type Store interface {
	ConditionalUpdate(ctx context.Context, u Update) (UpdateResult, error)
	// UniqueInsert returns false without error when a row with the same
	// values in ins.Unique already exists.
	UniqueInsert(ctx context.Context, ins Insert) (bool, error)
	// Read returns the first row matching q, or false when none exists.
	Read(ctx context.Context, q Query) (Row, bool, error)
	List(ctx context.Context, q Query) ([]Row, error)
	Ping(ctx context.Context) error
}

var (
	// ErrTransient marks store unavailability that is safe to retry.
	ErrTransient = errors.New("store: transient failure")
	// ErrInvalidQuery is returned for malformed primitives (bad identifiers,
	// empty SET clauses and similar programming errors).
	ErrInvalidQuery = errors.New("store: invalid query")
)

// TransientError wraps a backend error classified as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "store: transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether name is safe to interpolate as a table or
// column identifier.
func ValidIdent(name string) bool { return identRe.MatchString(name) }

func checkIdents(names ...string) error {
	for _, n := range names {
		if !ValidIdent(n) {
			return fmt.Errorf("%w: identifier %q", ErrInvalidQuery, n)
		}
	}
	return nil
}

// Validate checks the identifiers and shape of an update.
func (u Update) Validate() error {
	if err := checkIdents(u.Table); err != nil {
		return err
	}
	if len(u.Set) == 0 {
		return fmt.Errorf("%w: empty set clause for %s", ErrInvalidQuery, u.Table)
	}
	for _, a := range u.Set {
		if err := checkIdents(a.Column); err != nil {
			return err
		}
		if a.Delta {
			if _, ok := toInt64(a.Value); !ok {
				return fmt.Errorf("%w: non-integer delta for %s", ErrInvalidQuery, a.Column)
			}
		}
	}
	return validateWhere(u.Where, u.Returning)
}

// Validate checks the identifiers and shape of an insert.
func (ins Insert) Validate() error {
	if err := checkIdents(ins.Table); err != nil {
		return err
	}
	if len(ins.Row) == 0 {
		return fmt.Errorf("%w: empty row for %s", ErrInvalidQuery, ins.Table)
	}
	if len(ins.Unique) == 0 {
		return fmt.Errorf("%w: no unique columns for %s", ErrInvalidQuery, ins.Table)
	}
	for col := range ins.Row {
		if err := checkIdents(col); err != nil {
			return err
		}
	}
	for _, col := range ins.Unique {
		if _, ok := ins.Row[col]; !ok {
			return fmt.Errorf("%w: unique column %s missing from row", ErrInvalidQuery, col)
		}
	}
	return nil
}

// Validate checks the identifiers and shape of a query.
func (q Query) Validate() error {
	if err := checkIdents(q.Table); err != nil {
		return err
	}
	if len(q.Columns) == 0 {
		return fmt.Errorf("%w: no columns selected from %s", ErrInvalidQuery, q.Table)
	}
	if q.OrderBy != "" {
		if err := checkIdents(q.OrderBy); err != nil {
			return err
		}
	}
	return validateWhere(q.Where, q.Columns)
}

func validateWhere(where []Cond, cols []string) error {
	for _, c := range where {
		if err := checkIdents(c.Column); err != nil {
			return err
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpIsNull:
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, c.Op)
		}
	}
	return checkIdents(cols...)
}
