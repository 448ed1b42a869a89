// Package settlement turns a drawn outcome and a frozen bet snapshot into
// payouts, credits them to the account store and keeps owed money durable
// until the store confirms it.
package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/ledger"
)

// Payout is one connection's line in a settlement report.
type Payout struct {
	ConnectionID  string `json:"connection_id"`
	ParticipantID string `json:"participant_id"`
	Payout        int64  `json:"payout"`
	NewBalance    int64  `json:"new_balance"`
	// Pending is set when the credit was not confirmed within the tick; the
	// balance update follows once the payer lands it.
	Pending bool `json:"pending,omitempty"`
}

// Report is the result of settling one round.
type Report struct {
	Key     string       `json:"key"`
	RoundID uint64       `json:"round_id"`
	Draw    game.Outcome `json:"draw"`
	Payouts []Payout     `json:"payouts"`
}

// Encode returns the canonical encoding of the report.
func (r Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses an encoded report.
func Decode(data []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("settlement: decode report: %w", err)
	}
	return r, nil
}

// Total sums every payout in the report.
func (r Report) Total() int64 {
	var total int64
	for _, p := range r.Payouts {
		total += p.Payout
	}
	return total
}

// Credit is the amount owed to one participant for a round.
type Credit struct {
	ParticipantID string
	ConnectionID  string
	Amount        int64
}

// Compute evaluates every bet against the outcome. Winning bets are summed
// per connection for the report and per participant for crediting. Both
// lists follow the order in which winners first appear in the snapshot, so
// the same inputs always produce the same report.
func Compute(v game.Variant, key string, roundID uint64, outcome game.Outcome, bets []ledger.Bet) (Report, []Credit) {
	report := Report{Key: key, RoundID: roundID, Draw: outcome, Payouts: []Payout{}}

	connIndex := make(map[string]int)
	partIndex := make(map[string]int)
	var credits []Credit

	for _, bet := range bets {
		mult := v.Multiplier(bet.Selection, outcome)
		if mult == 0 {
			continue
		}
		win := bet.Stake * mult

		if i, ok := connIndex[bet.ConnectionID]; ok {
			report.Payouts[i].Payout += win
		} else {
			connIndex[bet.ConnectionID] = len(report.Payouts)
			report.Payouts = append(report.Payouts, Payout{
				ConnectionID:  bet.ConnectionID,
				ParticipantID: bet.ParticipantID,
				Payout:        win,
			})
		}

		if i, ok := partIndex[bet.ParticipantID]; ok {
			credits[i].Amount += win
		} else {
			partIndex[bet.ParticipantID] = len(credits)
			credits = append(credits, Credit{
				ParticipantID: bet.ParticipantID,
				ConnectionID:  bet.ConnectionID,
				Amount:        win,
			})
		}
	}
	return report, credits
}

// SettleRef is the idempotency reference for a participant's winnings.
func SettleRef(key string, roundID uint64, participantID string) string {
	return fmt.Sprintf("settle:%s:%d:%s", key, roundID, participantID)
}

// StakeRef is the idempotency reference for returning a recorded bet's
// stake, whichever path returns it: undo, clear, void or restart recovery.
// One ref per bet means the store pays a stake back at most once.
func StakeRef(key string, roundID, seq uint64) string {
	return fmt.Sprintf("stake:%s:%d:%d", key, roundID, seq)
}

// LateRef is the idempotency reference for a stake debited for a bet that
// arrived after its round closed. Such a bet never got a sequence number, so
// the caller supplies a unique id.
func LateRef(key string, roundID uint64, id string) string {
	return fmt.Sprintf("late:%s:%d:%s", key, roundID, id)
}
