package domain

import "time"

// LedgerDirection is the sign of a payment ledger entry.
type LedgerDirection string

const (
	LedgerCredit LedgerDirection = "credit"
	LedgerDebit  LedgerDirection = "debit"
)

// LedgerEntry records one applied credit or debit. The idempotency key is
// unique across all entries.
type LedgerEntry struct {
	IdempotencyKey string
	UserID         UserID
	Direction      LedgerDirection
	Amount         Money
	BalanceAfter   Money
	CreatedAt      time.Time
}

// Matches reports whether e was recorded for the same request.
func (e *LedgerEntry) Matches(user UserID, dir LedgerDirection, amount Money) bool {
	return e.UserID == user && e.Direction == dir && e.Amount == amount
}
