package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/ledger"
	"github.com/rs/zerolog"
)

// ErrAlreadySettled is returned, together with the stored report, when a
// round is settled a second time.
var ErrAlreadySettled = errors.New("settlement: round already settled")

// DefaultCreditBudget bounds how long settlement waits on the account store
// inside a tick before leaving credits to the payer.
const DefaultCreditBudget = 200 * time.Millisecond

// Input is everything needed to settle one round.
type Input struct {
	Key     string
	RoundID uint64
	Variant game.Variant
	Outcome game.Outcome
	Bets    []ledger.Bet
}

// Settler applies settlement reports exactly once per round.
type Settler struct {
	journal journal.Journal
	payer   *Payer
	budget  time.Duration
	logger  zerolog.Logger
}

// NewSettler returns a settler that credits through payer within budget.
func NewSettler(j journal.Journal, payer *Payer, budget time.Duration, logger zerolog.Logger) *Settler {
	if budget <= 0 {
		budget = DefaultCreditBudget
	}
	return &Settler{
		journal: j,
		payer:   payer,
		budget:  budget,
		logger:  logger.With().Str("component", "settler").Logger(),
	}
}

// Settle computes the round's payouts and credits them. The round is
// journaled before any credit so a second call for the same round credits
// nothing and returns the first call's report with ErrAlreadySettled.
func (s *Settler) Settle(ctx context.Context, in Input) (Report, error) {
	report, credits := Compute(in.Variant, in.Key, in.RoundID, in.Outcome, in.Bets)

	pending := make([]journal.PendingCredit, len(credits))
	for i, c := range credits {
		pending[i] = journal.PendingCredit{
			Ref:           SettleRef(in.Key, in.RoundID, c.ParticipantID),
			ParticipantID: c.ParticipantID,
			ConnectionID:  c.ConnectionID,
			Amount:        c.Amount,
			Reason:        "settlement",
		}
	}

	err := s.journal.BeginSettlement(ctx, in.Key, in.RoundID, pending)
	switch {
	case errors.Is(err, journal.ErrAlreadySettled):
		return s.stored(ctx, in.Key, in.RoundID)
	case err != nil:
		// Credits still go out. Settle refs make a replay a no-op.
		s.logger.Error().Err(err).
			Str("key", in.Key).
			Uint64("round_id", in.RoundID).
			Msg("Failed to journal settlement, crediting without record")
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	balances := make(map[string]int64, len(pending))
	for _, credit := range pending {
		balance, ok := s.payer.PayRecorded(budgetCtx, credit)
		if ok {
			balances[credit.ParticipantID] = balance
		}
	}
	for i := range report.Payouts {
		balance, ok := balances[report.Payouts[i].ParticipantID]
		report.Payouts[i].NewBalance = balance
		report.Payouts[i].Pending = !ok
	}

	encoded, err := report.Encode()
	if err != nil {
		return report, err
	}
	if err := s.journal.CompleteSettlement(context.WithoutCancel(ctx), in.Key, in.RoundID, encoded); err != nil {
		s.logger.Error().Err(err).Str("key", in.Key).Uint64("round_id", in.RoundID).Msg("Failed to store settlement report")
	}

	s.logger.Info().
		Str("key", in.Key).
		Uint64("round_id", in.RoundID).
		Str("draw", in.Outcome.String()).
		Int("bets", len(in.Bets)).
		Int("winners", len(report.Payouts)).
		Int64("paid", report.Total()).
		Msg("Round settled")
	return report, nil
}

func (s *Settler) stored(ctx context.Context, key string, roundID uint64) (Report, error) {
	rec, ok, err := s.journal.Settlement(ctx, key, roundID)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %s round %d: %v", ErrAlreadySettled, key, roundID, err)
	}
	if !ok || !rec.Completed {
		return Report{}, fmt.Errorf("%w: %s round %d (report unavailable)", ErrAlreadySettled, key, roundID)
	}
	report, err := Decode(rec.Report)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrAlreadySettled, err)
	}
	return report, fmt.Errorf("%w: %s round %d", ErrAlreadySettled, key, roundID)
}
