package round

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const startingBalance = 1000

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

type harness struct {
	accounts *account.MemoryStore
	journal  journal.Journal
	payer    *settlement.Payer
	settler  *settlement.Settler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, journal.NewMemoryJournal())
}

func newHarnessWith(t *testing.T, j journal.Journal) *harness {
	t.Helper()
	h := &harness{
		accounts: account.NewMemoryStore(startingBalance),
		journal:  j,
	}
	h.payer = settlement.NewPayer(h.accounts, h.journal, quartz.NewReal(), testLogger(), settlement.PayerConfig{
		Backoff: time.Millisecond,
	})
	h.settler = settlement.NewSettler(h.journal, h.payer, time.Second, testLogger())
	return h
}

func (h *harness) engine(t *testing.T, v game.Variant, d Durations) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Key:       Key{Room: "main", Variant: v.Name()},
		Variant:   v,
		Durations: d,
		Accounts:  h.accounts,
		Journal:   h.journal,
		Settler:   h.settler,
		Payer:     h.payer,
		Rand:      randutil.New(42),
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	return e
}

func (h *harness) balance(t *testing.T, participant string) int64 {
	t.Helper()
	bal, err := h.accounts.Balance(context.Background(), participant)
	require.NoError(t, err)
	return bal
}

// heldStakes sums the stakes in the engine's latest checkpoint.
func (h *harness) heldStakes(t *testing.T, e *Engine, participant string) int64 {
	t.Helper()
	require.NoError(t, e.Sync(context.Background()))
	rounds, err := h.journal.Rounds(context.Background())
	require.NoError(t, err)
	var held int64
	for _, cp := range rounds {
		if cp.Key != e.Key().String() {
			continue
		}
		for _, bet := range cp.Bets {
			if bet.ParticipantID == participant {
				held += bet.Stake
			}
		}
	}
	return held
}

func tickN(e *Engine, n int) []Event {
	var events []Event
	for range n {
		events = append(events, e.Tick(context.Background())...)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func findEvent(events []Event, t EventType) (Event, bool) {
	for _, ev := range events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

func redBet(conn, participant string, stake int64) BetRequest {
	return BetRequest{
		ConnectionID:  conn,
		ParticipantID: participant,
		Stake:         stake,
		Selection:     game.Selection{Color: game.Red},
	}
}
