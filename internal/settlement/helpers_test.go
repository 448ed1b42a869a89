package settlement

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/journal"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

// flakyStore fails the next `failures` credits with ErrUnavailable.
type flakyStore struct {
	account.Store

	mu       sync.Mutex
	failures int
	credits  int
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyStore) creditCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits
}

func (f *flakyStore) Credit(ctx context.Context, participantID string, amount int64, ref string) (int64, error) {
	f.mu.Lock()
	f.credits++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return 0, account.ErrUnavailable
	}
	return f.Store.Credit(ctx, participantID, amount, ref)
}

type fixture struct {
	store   *flakyStore
	journal *journal.MemoryJournal
	payer   *Payer
	settler *Settler
}

func newFixture(startingBalance int64) *fixture {
	store := &flakyStore{Store: account.NewMemoryStore(startingBalance)}
	j := journal.NewMemoryJournal()
	payer := NewPayer(store, j, quartz.NewReal(), testLogger(), PayerConfig{
		MaxAttempts:    3,
		Backoff:        time.Millisecond,
		AttemptTimeout: time.Second,
	})
	return &fixture{
		store:   store,
		journal: j,
		payer:   payer,
		settler: NewSettler(j, payer, time.Second, testLogger()),
	}
}

func (f *fixture) balance(participantID string) int64 {
	bal, _ := f.store.Balance(context.Background(), participantID)
	return bal
}

func (f *fixture) pending() []journal.PendingCredit {
	pending, _ := f.journal.PendingCredits(context.Background())
	return pending
}
