package settlement

import (
	"context"
	"fmt"

	"github.com/lox/pitboss/internal/journal"
	"github.com/rs/zerolog"
)

// PhaseRecovered marks a checkpoint whose bets restart recovery has already
// resolved. The checkpoint is kept so the key's round id survives.
const PhaseRecovered = "RECOVERED"

// Recover resolves rounds a previous process left open. A round with a
// settlement record needs nothing more: its credits are already journaled.
// Any other round holding bets is voided and every stake journaled as owed
// under its StakeRef, never re-drawn. Each checkpoint is then replaced by an
// empty one that keeps its round id.
//
// Recover pays nothing itself. The caller hands the journaled credits to a
// running payer (Reconciler.RunOnce) or pays them synchronously
// (Reconciler.Flush). It returns the last round id seen per engine key so
// engines resume with a larger id.
func Recover(ctx context.Context, j journal.Journal, logger zerolog.Logger) (map[string]uint64, error) {
	logger = logger.With().Str("component", "recovery").Logger()

	rounds, err := j.Rounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list rounds: %w", err)
	}

	last := make(map[string]uint64, len(rounds))
	for _, cp := range rounds {
		last[cp.Key] = cp.RoundID
		if len(cp.Bets) == 0 {
			continue
		}

		_, settled, err := j.Settlement(ctx, cp.Key, cp.RoundID)
		if err != nil {
			return nil, fmt.Errorf("recovery: settlement lookup for %s: %w", cp.Key, err)
		}

		if !settled {
			var refunded int64
			for _, bet := range cp.Bets {
				credit := journal.PendingCredit{
					Ref:           StakeRef(cp.Key, cp.RoundID, bet.Seq),
					ParticipantID: bet.ParticipantID,
					ConnectionID:  bet.ConnectionID,
					Amount:        bet.Stake,
					Reason:        "void",
				}
				if err := j.AddPendingCredit(ctx, credit); err != nil {
					return nil, fmt.Errorf("recovery: journal refund: %w", err)
				}
				refunded += bet.Stake
			}
			logger.Warn().
				Str("key", cp.Key).
				Uint64("round_id", cp.RoundID).
				Str("phase", cp.Phase).
				Int("bets", len(cp.Bets)).
				Int64("refunded", refunded).
				Msg("Voided unsettled round")
		}

		tombstone := journal.RoundCheckpoint{Key: cp.Key, RoundID: cp.RoundID, Phase: PhaseRecovered}
		if err := j.SaveRound(ctx, tombstone); err != nil {
			return nil, fmt.Errorf("recovery: clear checkpoint %s: %w", cp.Key, err)
		}
	}
	return last, nil
}
