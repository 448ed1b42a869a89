package account

import (
	"context"
	"fmt"
	"sync"
)

type memoryAccount struct {
	mu      sync.Mutex
	balance int64
}

// MemoryStore keeps balances in process memory with one lock per account.
type MemoryStore struct {
	startingBalance int64

	mu       sync.RWMutex
	accounts map[string]*memoryAccount

	refsMu sync.Mutex
	refs   map[string]struct{}
}

// NewMemoryStore returns a store that opens unknown accounts with
// startingBalance.
func NewMemoryStore(startingBalance int64) *MemoryStore {
	return &MemoryStore{
		startingBalance: startingBalance,
		accounts:        make(map[string]*memoryAccount),
		refs:            make(map[string]struct{}),
	}
}

// Open creates an account with an explicit opening balance.
func (s *MemoryStore) Open(participantID string, balance int64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[participantID]; ok {
		return fmt.Errorf("account: %s already open", participantID)
	}
	s.accounts[participantID] = &memoryAccount{balance: balance}
	return nil
}

func (s *MemoryStore) account(participantID string) *memoryAccount {
	s.mu.RLock()
	acct, ok := s.accounts[participantID]
	s.mu.RUnlock()
	if ok {
		return acct
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok = s.accounts[participantID]; ok {
		return acct
	}
	acct = &memoryAccount{balance: s.startingBalance}
	s.accounts[participantID] = acct
	return acct
}

func (s *MemoryStore) Balance(ctx context.Context, participantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	acct := s.account(participantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

func (s *MemoryStore) Debit(ctx context.Context, participantID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	acct := s.account(participantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.balance < amount {
		return acct.balance, ErrInsufficientFunds
	}
	acct.balance -= amount
	return acct.balance, nil
}

func (s *MemoryStore) Credit(ctx context.Context, participantID string, amount int64, ref string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	acct := s.account(participantID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if ref != "" {
		s.refsMu.Lock()
		_, seen := s.refs[ref]
		if !seen {
			s.refs[ref] = struct{}{}
		}
		s.refsMu.Unlock()
		if seen {
			return acct.balance, nil
		}
	}
	acct.balance += amount
	return acct.balance, nil
}
