package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stepwise.studio/internal/audit"
	"stepwise.studio/internal/ids"
	"stepwise.studio/internal/mq"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/store"
)

// UnlockConfig is fixed at construction.
type UnlockConfig struct {
	PaywallEnabled bool
	// GrandfatherCutoff exempts workshops created strictly before it. The
	// zero value exempts nothing.
	GrandfatherCutoff time.Time
	Cost              int64
}

// Unlocker opens workshops by spending credits.
type Unlocker struct {
	st      store.Store
	counter *Counter
	cfg     UnlockConfig
	pub     mq.Publisher
	now     func() time.Time
}

func NewUnlocker(st store.Store, counter *Counter, cfg UnlockConfig, pub mq.Publisher) *Unlocker {
	if cfg.Cost <= 0 {
		cfg.Cost = 1
	}
	if pub == nil {
		pub = mq.Nop{}
	}
	return &Unlocker{st: st, counter: counter, cfg: cfg, pub: pub, now: time.Now}
}

// Unlock spends one unlock cost from the owner's balance and marks the
// workshop unlocked. The read-only exemptions (already unlocked,
// grandfathered, paywall off) are checked first and never touch the balance.
//
// Once the spend commits, the unlock mark and the ledger append are best
// effort: a failure of either is reported for reconciliation and the result
// is still consumed.
func (u *Unlocker) Unlock(ctx context.Context, ownerID, workshopID string) (UnlockResult, error) {
	ws, err := u.workshop(ctx, ownerID, workshopID)
	if err != nil {
		return UnlockResult{}, err
	}
	if pre, ok := u.exempt(ws); ok {
		u.count(pre)
		return UnlockResult{Outcome: pre}, nil
	}

	spend, err := u.counter.TrySpend(ctx, ownerID, u.cfg.Cost)
	if err != nil {
		return UnlockResult{}, err
	}
	if !spend.Spent {
		u.count(OutcomeInsufficientCredits)
		obs.Info("unlock declined", map[string]any{
			"account_id":  ownerID,
			"workshop_id": workshopID,
			"outcome":     OutcomeInsufficientCredits,
		})
		return UnlockResult{Outcome: OutcomeInsufficientCredits}, nil
	}
	balance := spend.NewBalance
	fields := map[string]any{
		"account_id":  ownerID,
		"workshop_id": workshopID,
		"cost":        u.cfg.Cost,
	}

	now := u.now().UTC()
	marked, err := u.st.ConditionalUpdate(ctx, store.Update{
		Table: tableWorkshops,
		Where: []store.Cond{store.Eq("id", workshopID), store.IsNull("unlocked_at")},
		Set:   []store.Assign{store.Set("unlocked_at", now)},
	})
	switch {
	case err != nil:
		audit.PartialFailure(ctx, "unlock.mark", err, fields)
	case !marked.Matched():
		// A concurrent request unlocked the same workshop between our read
		// and our spend. Give this request's unit back.
		return u.refund(ctx, ownerID, workshopID, balance, fields), nil
	}

	entryID := ids.New("le")
	after := balance
	_, err = u.st.UniqueInsert(ctx, store.Insert{
		Table: tableLedger,
		Row: LedgerRow(LedgerEntry{
			ID:           entryID,
			AccountID:    ownerID,
			Kind:         KindConsumption,
			Amount:       -u.cfg.Cost,
			BalanceAfter: &after,
			Description:  "Unlocked workshop " + workshopID,
			CreatedAt:    now,
		}),
		Unique: []string{"id"},
	})
	if err != nil {
		fields["ledger_entry_id"] = entryID
		audit.PartialFailure(ctx, "ledger.append", err, fields)
	}

	u.count(OutcomeConsumed)
	_ = audit.LogEvent(ctx, audit.EventUnlock, map[string]any{
		"account_id":  ownerID,
		"workshop_id": workshopID,
		"new_balance": balance,
	})
	mq.Detach(u.pub, mq.TopicWorkshopUnlocked, map[string]any{
		"account_id":  ownerID,
		"workshop_id": workshopID,
		"unlocked_at": now,
	})
	return UnlockResult{Outcome: OutcomeConsumed, NewBalance: &balance}, nil
}

func (u *Unlocker) refund(ctx context.Context, ownerID, workshopID string, balance int64, fields map[string]any) UnlockResult {
	refunded, err := u.counter.Credit(ctx, ownerID, u.cfg.Cost)
	if err != nil {
		audit.PartialFailure(ctx, "unlock.refund", err, fields)
	} else {
		balance = refunded
	}
	u.count(OutcomeAlreadyUnlocked)
	obs.Info("unlock raced, unit returned", map[string]any{
		"account_id":  ownerID,
		"workshop_id": workshopID,
	})
	return UnlockResult{Outcome: OutcomeAlreadyUnlocked, NewBalance: &balance}
}

// Status reports access without writing anything.
func (u *Unlocker) Status(ctx context.Context, ownerID, workshopID string) (Access, error) {
	ws, err := u.workshop(ctx, ownerID, workshopID)
	if err != nil {
		return Access{}, err
	}
	balance, err := u.counter.Balance(ctx, ownerID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		balance = 0
	default:
		return Access{}, err
	}
	status := AccessLocked
	if pre, ok := u.exempt(ws); ok {
		switch pre {
		case OutcomeAlreadyUnlocked:
			status = AccessUnlocked
		case OutcomeGrandfathered:
			status = AccessGrandfathered
		case OutcomePaywallDisabled:
			status = AccessPaywallDisabled
		}
	}
	return Access{Status: status, Balance: balance}, nil
}

// exempt evaluates the checks that are safe to race because they do not
// consume anything.
func (u *Unlocker) exempt(ws Workshop) (Outcome, bool) {
	switch {
	case ws.UnlockedAt != nil:
		return OutcomeAlreadyUnlocked, true
	case u.grandfathered(ws):
		return OutcomeGrandfathered, true
	case !u.cfg.PaywallEnabled:
		return OutcomePaywallDisabled, true
	}
	return "", false
}

func (u *Unlocker) grandfathered(ws Workshop) bool {
	return !u.cfg.GrandfatherCutoff.IsZero() && ws.CreatedAt.Before(u.cfg.GrandfatherCutoff)
}

func (u *Unlocker) workshop(ctx context.Context, ownerID, workshopID string) (Workshop, error) {
	ws, err := GetWorkshop(ctx, u.st, workshopID)
	if err != nil {
		return Workshop{}, err
	}
	if ws.OwnerID != ownerID {
		return Workshop{}, ErrForbidden
	}
	return ws, nil
}

func (u *Unlocker) count(o Outcome) {
	obs.SpendTotal.WithLabelValues(string(o)).Inc()
}

// GetWorkshop reads one workshop by id.
func GetWorkshop(ctx context.Context, st store.Store, workshopID string) (Workshop, error) {
	row, ok, err := st.Read(ctx, store.Query{
		Table:   tableWorkshops,
		Columns: []string{"id", "owner_id", "title", "created_at", "unlocked_at"},
		Where:   []store.Cond{store.Eq("id", workshopID)},
	})
	if err != nil {
		return Workshop{}, fmt.Errorf("read workshop: %w", err)
	}
	if !ok {
		return Workshop{}, ErrNotFound
	}
	ws := Workshop{
		ID:      row.String("id"),
		OwnerID: row.String("owner_id"),
		Title:   row.String("title"),
	}
	if ts, ok := row.Time("created_at"); ok {
		ws.CreatedAt = ts
	}
	if ts, ok := row.Time("unlocked_at"); ok {
		ws.UnlockedAt = &ts
	}
	return ws, nil
}

// CreateWorkshop inserts a new locked workshop owned by ownerID.
func CreateWorkshop(ctx context.Context, st store.Store, ownerID, title string, createdAt time.Time) (Workshop, error) {
	ws := Workshop{
		ID:        ids.New("ws"),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: createdAt.UTC(),
	}
	ok, err := st.UniqueInsert(ctx, store.Insert{
		Table: tableWorkshops,
		Row: store.Row{
			"id":          ws.ID,
			"owner_id":    ws.OwnerID,
			"title":       ws.Title,
			"created_at":  ws.CreatedAt,
			"unlocked_at": nil,
		},
		Unique: []string{"id"},
	})
	if err != nil {
		return Workshop{}, fmt.Errorf("create workshop: %w", err)
	}
	if !ok {
		return Workshop{}, fmt.Errorf("create workshop: id collision on %s", ws.ID)
	}
	return ws, nil
}

// Create inserts a new locked workshop for ownerID.
func (u *Unlocker) Create(ctx context.Context, ownerID, title string) (Workshop, error) {
	return CreateWorkshop(ctx, u.st, ownerID, title, u.now())
}

// Workshop reads a workshop and checks that ownerID owns it.
func (u *Unlocker) Workshop(ctx context.Context, ownerID, workshopID string) (Workshop, error) {
	return u.workshop(ctx, ownerID, workshopID)
}
