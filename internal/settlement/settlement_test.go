package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func colorBet(seq uint64, participant, conn string, stake int64, c game.Color) ledger.Bet {
	return ledger.Bet{
		Seq: seq, RoundID: 1, ParticipantID: participant, ConnectionID: conn,
		Stake: stake, Selection: game.Selection{Color: c},
	}
}

func numbersBet(seq uint64, participant, conn string, stake int64, numbers ...int) ledger.Bet {
	return ledger.Bet{
		Seq: seq, RoundID: 1, ParticipantID: participant, ConnectionID: conn,
		Stake: stake, Selection: game.Selection{Numbers: numbers},
	}
}

func TestComputeColorGame(t *testing.T) {
	t.Parallel()

	cg := game.NewColorGame()
	bets := []ledger.Bet{colorBet(1, "alice", "c1", 100, game.Red)}

	report, credits := Compute(cg, "main/color", 1, game.DiceOutcome(game.Red, game.Red, game.Blue), bets)
	require.Len(t, report.Payouts, 1)
	assert.Equal(t, int64(300), report.Payouts[0].Payout)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(300), credits[0].Amount)

	report, credits = Compute(cg, "main/color", 1, game.DiceOutcome(game.Green, game.Blue, game.Yellow), bets)
	assert.Empty(t, report.Payouts)
	assert.Empty(t, credits)
	assert.Equal(t, int64(0), report.Total())
}

func TestComputeRoulette(t *testing.T) {
	t.Parallel()

	r := game.NewRoulette(game.EuropeanPockets)
	odds := make([]int, 0, 18)
	for n := 1; n <= 35; n += 2 {
		odds = append(odds, n)
	}

	straight := []ledger.Bet{numbersBet(1, "alice", "c1", 10, 17)}
	report, _ := Compute(r, "main/roulette", 1, game.NumberOutcome(17), straight)
	require.Len(t, report.Payouts, 1)
	assert.Equal(t, int64(360), report.Payouts[0].Payout)

	report, _ = Compute(r, "main/roulette", 1, game.NumberOutcome(5), straight)
	assert.Empty(t, report.Payouts)

	even := []ledger.Bet{numbersBet(1, "bob", "c2", 10, odds...)}
	report, _ = Compute(r, "main/roulette", 1, game.NumberOutcome(5), even)
	require.Len(t, report.Payouts, 1)
	assert.Equal(t, int64(20), report.Payouts[0].Payout)
}

func TestComputeAggregates(t *testing.T) {
	t.Parallel()

	r := game.NewRoulette(game.EuropeanPockets)
	bets := []ledger.Bet{
		numbersBet(1, "alice", "c1", 10, 17),
		numbersBet(2, "bob", "c3", 5, 3),
		numbersBet(3, "alice", "c2", 10, 17, 18),
		numbersBet(4, "alice", "c1", 1, 16, 17, 19, 20),
	}

	report, credits := Compute(r, "main/roulette", 1, game.NumberOutcome(17), bets)

	require.Len(t, report.Payouts, 2)
	assert.Equal(t, "c1", report.Payouts[0].ConnectionID)
	assert.Equal(t, int64(360+9), report.Payouts[0].Payout)
	assert.Equal(t, "c2", report.Payouts[1].ConnectionID)
	assert.Equal(t, int64(180), report.Payouts[1].Payout)

	require.Len(t, credits, 1)
	assert.Equal(t, "alice", credits[0].ParticipantID)
	assert.Equal(t, int64(360+9+180), credits[0].Amount)
}

func TestComputeIsDeterministic(t *testing.T) {
	t.Parallel()

	cg := game.NewColorGame()
	bets := []ledger.Bet{
		colorBet(1, "alice", "c1", 10, game.Red),
		colorBet(2, "bob", "c2", 20, game.Blue),
		colorBet(3, "carol", "c3", 30, game.Red),
	}
	outcome := game.DiceOutcome(game.Red, game.Blue, game.Red)

	a, _ := Compute(cg, "k", 7, outcome, bets)
	b, _ := Compute(cg, "k", 7, outcome, bets)
	ea, err := a.Encode()
	require.NoError(t, err)
	eb, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestSettleCreditsWinners(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	in := Input{
		Key:     "main/color",
		RoundID: 1,
		Variant: game.NewColorGame(),
		Outcome: game.DiceOutcome(game.Red, game.Red, game.Blue),
		Bets: []ledger.Bet{
			colorBet(1, "alice", "c1", 100, game.Red),
			colorBet(2, "bob", "c2", 50, game.Green),
		},
	}

	report, err := f.settler.Settle(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, report.Payouts, 1)
	assert.Equal(t, int64(300), report.Payouts[0].NewBalance)
	assert.False(t, report.Payouts[0].Pending)
	assert.Equal(t, int64(300), f.balance("alice"))
	assert.Equal(t, int64(0), f.balance("bob"))
	assert.Empty(t, f.pending())
}

func TestSettleTwiceCreditsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	in := Input{
		Key:     "main/roulette",
		RoundID: 4,
		Variant: game.NewRoulette(game.EuropeanPockets),
		Outcome: game.NumberOutcome(17),
		Bets:    []ledger.Bet{numbersBet(1, "alice", "c1", 10, 17)},
	}

	first, err := f.settler.Settle(context.Background(), in)
	require.NoError(t, err)
	second, err := f.settler.Settle(context.Background(), in)
	require.ErrorIs(t, err, ErrAlreadySettled)

	a, _ := first.Encode()
	b, _ := second.Encode()
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, int64(360), f.balance("alice"))
	assert.Equal(t, 1, f.store.creditCalls())
}

func TestSettleWithUnavailableStoreKeepsMoney(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	f.store.failNext(1)

	in := Input{
		Key:     "main/roulette",
		RoundID: 2,
		Variant: game.NewRoulette(game.EuropeanPockets),
		Outcome: game.NumberOutcome(17),
		Bets:    []ledger.Bet{numbersBet(1, "alice", "c1", 10, 17)},
	}

	report, err := f.settler.Settle(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, report.Payouts, 1)
	assert.True(t, report.Payouts[0].Pending)
	require.Len(t, f.pending(), 1, "unpaid winnings must stay journaled")

	f.payer.Start()
	defer f.payer.Stop()

	require.Eventually(t, func() bool {
		return f.balance("alice") == 360 && len(f.pending()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPayerPaysInline(t *testing.T) {
	t.Parallel()

	f := newFixture(100)
	notified := false
	f.payer.SetNotifier(func(journal.PendingCredit, int64) { notified = true })

	balance, ok := f.payer.Pay(context.Background(), journal.PendingCredit{
		Ref: "refund:k:1:1", ParticipantID: "alice", ConnectionID: "c1", Amount: 25, Reason: "refund",
	})
	require.True(t, ok)
	assert.Equal(t, int64(125), balance)
	assert.Empty(t, f.pending())
	assert.False(t, notified, "inline credits are reported by the caller")
}

func TestPayerNotifiesAfterRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(100)
	f.store.failNext(2)

	var mu sync.Mutex
	var got []int64
	f.payer.SetNotifier(func(c journal.PendingCredit, balance int64) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "c1", c.ConnectionID)
		got = append(got, balance)
	})
	f.payer.Start()
	defer f.payer.Stop()

	_, ok := f.payer.Pay(context.Background(), journal.PendingCredit{
		Ref: "refund:k:1:1", ParticipantID: "alice", ConnectionID: "c1", Amount: 25, Reason: "refund",
	})
	require.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == 125
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.pending())
}

func TestPayerExhaustedRetriesStayJournaled(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	f.store.failNext(100)
	f.payer.Start()
	defer f.payer.Stop()

	_, ok := f.payer.Pay(context.Background(), journal.PendingCredit{
		Ref: "refund:k:1:1", ParticipantID: "alice", Amount: 25,
	})
	require.False(t, ok)

	require.Eventually(t, func() bool {
		return !f.payer.InFlight("refund:k:1:1")
	}, time.Second, 5*time.Millisecond)

	pending := f.pending()
	require.Len(t, pending, 1)
	assert.GreaterOrEqual(t, pending[0].Attempts, 3)
	assert.Equal(t, int64(0), f.balance("alice"))

	// Once the store recovers, reconciliation pays it.
	f.store.failNext(0)
	r := NewReconciler(f.journal, f.payer, "", testLogger())
	submitted, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	require.Eventually(t, func() bool {
		return f.balance("alice") == 25 && len(f.pending()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestReconcilerFlush(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()
	require.NoError(t, f.journal.AddPendingCredit(ctx, journal.PendingCredit{Ref: "a", ParticipantID: "alice", Amount: 10}))
	require.NoError(t, f.journal.AddPendingCredit(ctx, journal.PendingCredit{Ref: "b", ParticipantID: "bob", Amount: 20}))
	f.store.failNext(1)

	r := NewReconciler(f.journal, f.payer, "", testLogger())
	paid, remaining, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, remaining)
	assert.Len(t, f.pending(), 1)
}

func TestReconcilerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	r := NewReconciler(f.journal, f.payer, "every now and then", testLogger())
	assert.Error(t, r.Start())
}

func TestRecoverVoidsUnsettledRounds(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()

	// A round frozen mid-draw with no settlement record.
	require.NoError(t, f.journal.SaveRound(ctx, journal.RoundCheckpoint{
		Key: "main/roulette", RoundID: 8, Phase: "DRAWING",
		Bets: []ledger.Bet{
			numbersBet(1, "alice", "c1", 10, 17),
			numbersBet(2, "alice", "c1", 15, 3),
			numbersBet(3, "bob", "c2", 40, 1, 2),
		},
	}))
	// A settled round whose checkpoint was not yet cleared.
	require.NoError(t, f.journal.SaveRound(ctx, journal.RoundCheckpoint{
		Key: "main/color", RoundID: 3, Phase: "SETTLING",
		Bets: []ledger.Bet{colorBet(1, "carol", "c3", 50, game.Red)},
	}))
	require.NoError(t, f.journal.BeginSettlement(ctx, "main/color", 3, nil))

	last, err := Recover(ctx, f.journal, testLogger())
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"main/roulette": 8, "main/color": 3}, last)

	// Recovery only journals the refunds.
	assert.Equal(t, int64(0), f.balance("alice"))
	assert.Len(t, f.pending(), 3)

	r := NewReconciler(f.journal, f.payer, "", testLogger())
	paid, remaining, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, paid)
	assert.Zero(t, remaining)

	assert.Equal(t, int64(25), f.balance("alice"))
	assert.Equal(t, int64(40), f.balance("bob"))
	assert.Equal(t, int64(0), f.balance("carol"))
	assert.Empty(t, f.pending())

	rounds, err := f.journal.Rounds(ctx)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	for _, cp := range rounds {
		assert.Equal(t, PhaseRecovered, cp.Phase)
		assert.Empty(t, cp.Bets)
	}

	// Running recovery again must not refund twice.
	require.NoError(t, f.journal.SaveRound(ctx, journal.RoundCheckpoint{
		Key: "main/roulette", RoundID: 8, Phase: "DRAWING",
		Bets: []ledger.Bet{numbersBet(1, "alice", "c1", 10, 17)},
	}))
	_, err = Recover(ctx, f.journal, testLogger())
	require.NoError(t, err)
	_, _, err = r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), f.balance("alice"))
}

func TestRecoverKeepsRoundIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()

	require.NoError(t, f.journal.SaveRound(ctx, journal.RoundCheckpoint{
		Key: "main/color", RoundID: 12, Phase: "SETTLING",
		Bets: []ledger.Bet{colorBet(1, "carol", "c3", 50, game.Red)},
	}))
	require.NoError(t, f.journal.BeginSettlement(ctx, "main/color", 12, nil))

	// A reconcile run followed by a server start.
	for range 2 {
		last, err := Recover(ctx, f.journal, testLogger())
		require.NoError(t, err)
		assert.Equal(t, map[string]uint64{"main/color": 12}, last)
	}
}

func TestRecoverUsesStakeRefs(t *testing.T) {
	t.Parallel()

	f := newFixture(0)
	ctx := context.Background()

	// The bet was already returned by an undo whose checkpoint never landed.
	bet := colorBet(4, "dave", "c4", 30, game.Blue)
	_, err := f.store.Credit(ctx, "dave", 30, StakeRef("main/color", 2, 4))
	require.NoError(t, err)

	require.NoError(t, f.journal.SaveRound(ctx, journal.RoundCheckpoint{
		Key: "main/color", RoundID: 2, Phase: "BETTING", Bets: []ledger.Bet{bet},
	}))
	_, err = Recover(ctx, f.journal, testLogger())
	require.NoError(t, err)

	pending := f.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StakeRef("main/color", 2, 4), pending[0].Ref)

	_, _, err = NewReconciler(f.journal, f.payer, "", testLogger()).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), f.balance("dave"))
	assert.Empty(t, f.pending())
}
