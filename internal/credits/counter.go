package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stepwise.studio/internal/store"
)

// SpendResult is the outcome of TrySpend. When Spent is false the account
// either does not exist, is disabled or held less than the amount.
type SpendResult struct {
	Spent      bool
	NewBalance int64
}

// Counter spends and credits account balances.
type Counter struct {
	st  store.Store
	now func() time.Time
}

func NewCounter(st store.Store) *Counter {
	return &Counter{st: st, now: time.Now}
}

// TrySpend decrements the balance by amount only if the balance covers it.
// Zero rows matched is the only insufficiency signal.
func (c *Counter) TrySpend(ctx context.Context, accountID string, amount int64) (SpendResult, error) {
	if amount <= 0 {
		return SpendResult{}, ErrInvalidAmount
	}
	res, err := c.st.ConditionalUpdate(ctx, store.Update{
		Table: tableAccounts,
		Where: []store.Cond{
			store.Eq("id", accountID),
			store.Eq("disabled", false),
			store.Gte("balance", amount),
		},
		Set:       []store.Assign{store.Incr("balance", -amount)},
		Returning: []string{"balance"},
	})
	if err != nil {
		return SpendResult{}, fmt.Errorf("spend: %w", err)
	}
	if !res.Matched() || len(res.Rows) == 0 {
		return SpendResult{}, nil
	}
	return SpendResult{Spent: true, NewBalance: res.Rows[0].Int64("balance")}, nil
}

// Credit increments the balance and returns the value written by this
// increment.
func (c *Counter) Credit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	res, err := c.st.ConditionalUpdate(ctx, store.Update{
		Table:     tableAccounts,
		Where:     []store.Cond{store.Eq("id", accountID)},
		Set:       []store.Assign{store.Incr("balance", amount)},
		Returning: []string{"balance"},
	})
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	if !res.Matched() || len(res.Rows) == 0 {
		return 0, ErrNotFound
	}
	return res.Rows[0].Int64("balance"), nil
}

// Balance reads the current balance. It never writes.
func (c *Counter) Balance(ctx context.Context, accountID string) (int64, error) {
	row, ok, err := c.st.Read(ctx, store.Query{
		Table:   tableAccounts,
		Columns: []string{"balance"},
		Where:   []store.Cond{store.Eq("id", accountID)},
	})
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	if !ok {
		return 0, ErrNotFound
	}
	return row.Int64("balance"), nil
}

// Provision creates the account with a zero balance if it does not exist yet.
// It reports whether this call created it.
func (c *Counter) Provision(ctx context.Context, accountID, customerRef string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, fmt.Errorf("provision: %w", ErrNotFound)
	}
	row := store.Row{
		"id":         accountID,
		"balance":    int64(0),
		"disabled":   false,
		"created_at": c.now().UTC(),
	}
	if customerRef != "" {
		row["customer_ref"] = customerRef
	}
	created, err := c.st.UniqueInsert(ctx, store.Insert{Table: tableAccounts, Row: row, Unique: []string{"id"}})
	if err != nil {
		return false, fmt.Errorf("provision: %w", err)
	}
	return created, nil
}

// Ledger lists the account's entries, newest last.
func (c *Counter) Ledger(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := c.st.List(ctx, store.Query{
		Table:   tableLedger,
		Columns: ledgerColumns,
		Where:   []store.Cond{store.Eq("account_id", accountID)},
		OrderBy: "created_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	out := make([]LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, entryFromRow(r))
	}
	return out, nil
}

var ledgerColumns = []string{"id", "account_id", "kind", "amount", "balance_after", "description", "external_event_id", "created_at"}

func entryFromRow(r store.Row) LedgerEntry {
	e := LedgerEntry{
		ID:              r.String("id"),
		AccountID:       r.String("account_id"),
		Kind:            r.String("kind"),
		Amount:          r.Int64("amount"),
		Description:     r.String("description"),
		ExternalEventID: r.String("external_event_id"),
	}
	if !r.IsNull("balance_after") {
		b := r.Int64("balance_after")
		e.BalanceAfter = &b
	}
	if ts, ok := r.Time("created_at"); ok {
		e.CreatedAt = ts
	}
	return e
}

// LedgerRow builds the insert row for an entry. A nil BalanceAfter is
// written as NULL, an empty ExternalEventID as NULL.
func LedgerRow(e LedgerEntry) store.Row {
	row := store.Row{
		"id":            e.ID,
		"account_id":    e.AccountID,
		"kind":          e.Kind,
		"amount":        e.Amount,
		"balance_after": nil,
		"description":   e.Description,
		"created_at":    e.CreatedAt.UTC(),
	}
	if e.BalanceAfter != nil {
		row["balance_after"] = *e.BalanceAfter
	}
	if e.ExternalEventID != "" {
		row["external_event_id"] = e.ExternalEventID
	} else {
		row["external_event_id"] = nil
	}
	return row
}
