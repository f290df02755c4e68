// Package credits holds the spendable credit balance of each account, the
// append-only ledger beside it and the unlock flow that spends a credit to
// open a workshop.
//
// The balance is mutated only through single conditional updates. Nothing in
// this package reads a balance and then decides to write it.
package credits

import (
	"errors"
	"time"
)

const (
	tableAccounts  = "accounts"
	tableLedger    = "ledger_entries"
	tableWorkshops = "workshops"
)

var (
	ErrNotFound      = errors.New("credits: not found")
	ErrForbidden     = errors.New("credits: forbidden")
	ErrInvalidAmount = errors.New("credits: amount must be positive")
)

// Entry kinds.
const (
	KindConsumption = "consumption"
	KindPurchase    = "purchase"
)

// LedgerEntry is one append-only ledger row. BalanceAfter is nil while a
// fulfillment owns the row but has not yet applied its credit.
type LedgerEntry struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Kind            string    `json:"kind"`
	Amount          int64     `json:"amount"`
	BalanceAfter    *int64    `json:"balance_after"`
	Description     string    `json:"description"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Workshop is the unlockable resource.
type Workshop struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"created_at"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// Outcome is the expected result of an unlock attempt.
type Outcome string

const (
	OutcomeConsumed            Outcome = "consumed"
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
	OutcomeAlreadyUnlocked     Outcome = "already_unlocked"
	OutcomeGrandfathered       Outcome = "grandfathered"
	OutcomePaywallDisabled     Outcome = "paywall_disabled"
)

// UnlockResult reports the outcome and, when the outcome touched the
// balance, the balance this request observed afterwards.
type UnlockResult struct {
	Outcome    Outcome `json:"outcome"`
	NewBalance *int64  `json:"new_balance,omitempty"`
}

// AccessStatus is the read-only view of whether a workshop is open.
type AccessStatus string

const (
	AccessUnlocked        AccessStatus = "unlocked"
	AccessGrandfathered   AccessStatus = "grandfathered"
	AccessPaywallDisabled AccessStatus = "paywall_disabled"
	AccessLocked          AccessStatus = "locked"
)

// Access is returned by Unlocker.Status.
type Access struct {
	Status  AccessStatus `json:"status"`
	Balance int64        `json:"balance"`
}

// Open reports whether the workshop may be used without a further spend.
func (a Access) Open() bool { return a.Status != AccessLocked }
