// Package account defines the balance store shared by every round engine and
// provides in-memory and Redis implementations.
//
// Every mutation is a single atomic operation per account: concurrent debits
// and credits for the same participant serialise, so a balance is never
// read-modify-written from stale data.
package account

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds is returned by Debit when the balance is below the amount.
	ErrInsufficientFunds = errors.New("account: insufficient funds")
	// ErrUnavailable wraps transport failures talking to the backing store.
	ErrUnavailable = errors.New("account: store unavailable")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("account: amount must be positive")
)

// DefaultStartingBalance is granted to an account the first time it is seen.
const DefaultStartingBalance = 1000

// Store is the external account store.
type Store interface {
	// Balance returns the participant's current balance.
	Balance(ctx context.Context, participantID string) (int64, error)
	// Debit removes amount and returns the new balance, or
	// ErrInsufficientFunds leaving the balance unchanged.
	Debit(ctx context.Context, participantID string, amount int64) (int64, error)
	// Credit adds amount and returns the new balance. A non-empty ref makes
	// the credit idempotent: replaying a ref returns the current balance
	// without crediting again.
	Credit(ctx context.Context, participantID string, amount int64, ref string) (int64, error)
}
