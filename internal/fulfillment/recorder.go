// Package fulfillment turns at-least-once payment events into exactly-once
// credits. The unique constraint on ledger_entries.external_event_id is the
// whole idempotency mechanism: whichever caller inserts the row owns the
// event, everyone else observes AlreadyFulfilled.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stepwise.studio/internal/audit"
	"stepwise.studio/internal/credits"
	"stepwise.studio/internal/ids"
	"stepwise.studio/internal/mq"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/store"
)

const tableLedger = "ledger_entries"

var (
	ErrInvalidEvent = errors.New("fulfillment: invalid event")
	// ErrReconcileRequired marks an event that was claimed but whose credit
	// failed. Redelivery cannot repair it; the audit trail is the recovery
	// path.
	ErrReconcileRequired = errors.New("fulfillment: reconcile required")
)

// Event is a verified payment event.
type Event struct {
	ExternalEventID string `json:"external_event_id"`
	AccountID       string `json:"account_id"`
	Amount          int64  `json:"amount"`
	Settled         bool   `json:"settled"`
	Description     string `json:"description"`
}

func (e Event) validate() error {
	switch {
	case strings.TrimSpace(e.ExternalEventID) == "":
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	case strings.TrimSpace(e.AccountID) == "":
		return fmt.Errorf("%w: missing account id", ErrInvalidEvent)
	case e.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	}
	return nil
}

type Outcome string

const (
	OutcomeFulfilled        Outcome = "fulfilled"
	OutcomeAlreadyFulfilled Outcome = "already_fulfilled"
	OutcomeSourceNotReady   Outcome = "source_not_ready"
)

type Result struct {
	Outcome    Outcome `json:"outcome"`
	NewBalance *int64  `json:"new_balance,omitempty"`
}

// Recorder applies purchase events to account balances.
type Recorder struct {
	st      store.Store
	counter *credits.Counter
	pub     mq.Publisher
	now     func() time.Time
}

func NewRecorder(st store.Store, counter *credits.Counter, pub mq.Publisher) *Recorder {
	if pub == nil {
		pub = mq.Nop{}
	}
	return &Recorder{st: st, counter: counter, pub: pub, now: time.Now}
}

// Fulfill credits ev.Amount to ev.AccountID at most once per
// ev.ExternalEventID. It is safe to call concurrently from the webhook and
// the success page for the same event.
//
// The ledger row is claimed first with a NULL balance_after, then the credit
// is applied, then balance_after is patched with the value the increment
// itself returned. Between those steps the row intentionally carries the
// placeholder.
func (r *Recorder) Fulfill(ctx context.Context, ev Event) (Result, error) {
	if err := ev.validate(); err != nil {
		return Result{}, err
	}
	fields := map[string]any{
		"external_event_id": ev.ExternalEventID,
		"account_id":        ev.AccountID,
		"amount":            ev.Amount,
	}
	if !ev.Settled {
		r.count(OutcomeSourceNotReady)
		obs.Info("payment not settled", fields)
		return Result{Outcome: OutcomeSourceNotReady}, nil
	}

	if _, err := r.counter.Provision(ctx, ev.AccountID, ""); err != nil {
		return Result{}, fmt.Errorf("provision %s: %w", ev.AccountID, err)
	}

	description := ev.Description
	if description == "" {
		description = fmt.Sprintf("Purchased %d credits", ev.Amount)
	}
	entryID := ids.New("le")
	claimed, err := r.st.UniqueInsert(ctx, store.Insert{
		Table: tableLedger,
		Row: credits.LedgerRow(credits.LedgerEntry{
			ID:              entryID,
			AccountID:       ev.AccountID,
			Kind:            credits.KindPurchase,
			Amount:          ev.Amount,
			Description:     description,
			ExternalEventID: ev.ExternalEventID,
			CreatedAt:       r.now(),
		}),
		Unique: []string{"external_event_id"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("claim event %s: %w", ev.ExternalEventID, err)
	}
	if !claimed {
		r.count(OutcomeAlreadyFulfilled)
		obs.Debug("duplicate payment event", fields)
		return Result{Outcome: OutcomeAlreadyFulfilled}, nil
	}
	fields["ledger_entry_id"] = entryID

	balance, err := r.counter.Credit(ctx, ev.AccountID, ev.Amount)
	if err != nil {
		// The event is claimed but not credited. Redelivery observes
		// AlreadyFulfilled, so this has to be reconciled by hand.
		audit.PartialFailure(ctx, "fulfillment.credit", err, fields)
		return Result{}, fmt.Errorf("%w: credit event %s: %w", ErrReconcileRequired, ev.ExternalEventID, err)
	}

	_, err = r.st.ConditionalUpdate(ctx, store.Update{
		Table: tableLedger,
		Where: []store.Cond{
			store.Eq("external_event_id", ev.ExternalEventID),
			store.IsNull("balance_after"),
		},
		Set: []store.Assign{store.Set("balance_after", balance)},
	})
	if err != nil {
		audit.PartialFailure(ctx, "ledger.balance_after", err, fields)
	}

	r.count(OutcomeFulfilled)
	fields["new_balance"] = balance
	_ = audit.LogEvent(ctx, audit.EventFulfillment, fields)
	mq.Detach(r.pub, mq.TopicCreditsPurchased, map[string]any{
		"account_id":        ev.AccountID,
		"external_event_id": ev.ExternalEventID,
		"amount":            ev.Amount,
		"new_balance":       balance,
	})
	return Result{Outcome: OutcomeFulfilled, NewBalance: &balance}, nil
}

func (r *Recorder) count(o Outcome) {
	obs.FulfillmentTotal.WithLabelValues(string(o)).Inc()
}
