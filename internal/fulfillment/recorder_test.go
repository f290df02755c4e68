package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"stepwise.studio/internal/credits"
	"stepwise.studio/internal/store"
	"stepwise.studio/internal/store/sqlite"
)

func newRecorder(t *testing.T, st store.Store) (*Recorder, *credits.Counter) {
	t.Helper()
	counter := credits.NewCounter(st)
	if _, err := counter.Provision(context.Background(), "acct_1", "cus_1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return NewRecorder(st, counter, nil), counter
}

func purchase(id string) Event {
	return Event{ExternalEventID: id, AccountID: "acct_1", Amount: 3, Settled: true}
}

func ledgerFor(t *testing.T, c *credits.Counter) []credits.LedgerEntry {
	t.Helper()
	entries, err := c.Ledger(context.Background(), "acct_1", 100)
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	return entries
}

func TestFulfillSequentialDuplicate(t *testing.T) {
	r, c := newRecorder(t, store.NewMemory())
	ctx := context.Background()

	first, err := r.Fulfill(ctx, purchase("evt_1"))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if first.Outcome != OutcomeFulfilled || first.NewBalance == nil || *first.NewBalance != 3 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second, err := r.Fulfill(ctx, purchase("evt_1"))
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if second.Outcome != OutcomeAlreadyFulfilled {
		t.Fatalf("second outcome = %s", second.Outcome)
	}

	bal, _ := c.Balance(ctx, "acct_1")
	if bal != 3 {
		t.Fatalf("balance = %d, want 3", bal)
	}
	entries := ledgerFor(t, c)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ExternalEventID != "evt_1" || e.Kind != credits.KindPurchase || e.Amount != 3 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.BalanceAfter == nil || *e.BalanceAfter != 3 {
		t.Fatalf("balance_after not patched: %v", e.BalanceAfter)
	}
}

func assertExactlyOnce(t *testing.T, st store.Store, racers int) {
	t.Helper()
	r, c := newRecorder(t, st)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		fulfilled int
		dupes     int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := r.Fulfill(ctx, purchase("evt_race"))
			if err != nil {
				t.Errorf("Fulfill: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case OutcomeFulfilled:
				fulfilled++
			case OutcomeAlreadyFulfilled:
				dupes++
			}
		}()
	}
	close(start)
	wg.Wait()

	if fulfilled != 1 || dupes != racers-1 {
		t.Fatalf("fulfilled=%d dupes=%d", fulfilled, dupes)
	}
	bal, _ := c.Balance(ctx, "acct_1")
	if bal != 3 {
		t.Fatalf("balance = %d, want 3", bal)
	}
	if n := len(ledgerFor(t, c)); n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
}

func TestFulfillConcurrentMemory(t *testing.T) {
	assertExactlyOnce(t, store.NewMemory(), 16)
}

func TestFulfillConcurrentSQLite(t *testing.T) {
	db, err := sqlite.Open(t.TempDir() + "/fulfillment.db")
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	assertExactlyOnce(t, db, 6)
}

func TestFulfillUnsettledIsNotApplied(t *testing.T) {
	r, c := newRecorder(t, store.NewMemory())
	ctx := context.Background()
	ev := purchase("evt_pending")
	ev.Settled = false

	res, err := r.Fulfill(ctx, ev)
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Outcome != OutcomeSourceNotReady {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if n := len(ledgerFor(t, c)); n != 0 {
		t.Fatalf("unsettled event wrote %d ledger entries", n)
	}

	// The settled delivery of the same event still fulfills.
	ev.Settled = true
	res, err = r.Fulfill(ctx, ev)
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Outcome != OutcomeFulfilled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestFulfillRejectsInvalidEvent(t *testing.T) {
	r, _ := newRecorder(t, store.NewMemory())
	ev := purchase("evt_1")
	ev.Amount = 0
	if _, err := r.Fulfill(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestFulfillPatchFailureKeepsCredit(t *testing.T) {
	mem := store.NewMemory()
	r, c := newRecorder(t, mem)
	ctx := context.Background()

	mem.SetFault(func(op, table string) error {
		if op == "update" && table == tableLedger {
			return store.Transient(errors.New("timeout"))
		}
		return nil
	})
	res, err := r.Fulfill(ctx, purchase("evt_1"))
	mem.SetFault(nil)
	if err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if res.Outcome != OutcomeFulfilled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	bal, _ := c.Balance(ctx, "acct_1")
	if bal != 3 {
		t.Fatalf("balance = %d, want 3", bal)
	}
	entries := ledgerFor(t, c)
	if len(entries) != 1 || entries[0].BalanceAfter != nil {
		t.Fatalf("expected placeholder balance_after, got %+v", entries)
	}
}

func TestFulfillClaimFailureIsTransient(t *testing.T) {
	mem := store.NewMemory()
	r, _ := newRecorder(t, mem)
	mem.SetFault(func(op, table string) error {
		if op == "insert" && table == tableLedger {
			return store.Transient(errors.New("connection refused"))
		}
		return nil
	})
	_, err := r.Fulfill(context.Background(), purchase("evt_1"))
	if !store.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFulfillCreditFailureNeedsReconcile(t *testing.T) {
	mem := store.NewMemory()
	r, c := newRecorder(t, mem)
	ctx := context.Background()

	mem.SetFault(func(op, table string) error {
		if op == "update" && table == "accounts" {
			return errors.New("check constraint violated")
		}
		return nil
	})
	_, err := r.Fulfill(ctx, purchase("evt_1"))
	mem.SetFault(nil)
	if !errors.Is(err, ErrReconcileRequired) {
		t.Fatalf("expected ErrReconcileRequired, got %v", err)
	}
	if store.IsTransient(err) {
		t.Fatal("a claimed event must not be reported as retryable")
	}

	// Redelivery cannot repair the credit.
	res, err := r.Fulfill(ctx, purchase("evt_1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Outcome != OutcomeAlreadyFulfilled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if bal, _ := c.Balance(ctx, "acct_1"); bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
}
