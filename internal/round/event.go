package round

import (
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/settlement"
)

// EventType names an outbound event on the wire.
type EventType string

const (
	// Room events.
	EventPhaseUpdate      EventType = "phase_update"
	EventDrawResult       EventType = "draw_result"
	EventSettlementReport EventType = "settlement_report"
	EventRoundReset       EventType = "round_reset"
	EventRoundHalted      EventType = "round_halted"

	// Connection events.
	EventBalanceUpdate EventType = "balance_update"
	EventBetRejected   EventType = "bet_rejected"
	EventBetAccepted   EventType = "bet_accepted"
	EventBetUndone     EventType = "bet_undone"
	EventBetsCleared   EventType = "bets_cleared"
)

func (t EventType) String() string {
	return string(t)
}

// Event is something an engine wants delivered. Events with an empty To go
// to every member of Room; the rest go to the single connection To.
type Event struct {
	Type    EventType `json:"type"`
	Room    string    `json:"room"`
	Variant game.Name `json:"variant"`
	To      string    `json:"-"`
	Payload any       `json:"payload"`
}

// Direct reports whether the event targets a single connection.
func (e Event) Direct() bool {
	return e.To != ""
}

type PhaseUpdate struct {
	Phase         Phase  `json:"phase"`
	TimeRemaining int    `json:"time_remaining"`
	RoundID       uint64 `json:"round_id"`
}

type DrawResult struct {
	RoundID uint64         `json:"round_id"`
	Value   game.Outcome   `json:"value"`
	History []game.Outcome `json:"history"`
}

// SettlementReport is the broadcast form of a settled round.
type SettlementReport = settlement.Report

type RoundReset struct {
	RoundID uint64 `json:"round_id"`
}

type RoundHalted struct {
	RoundID uint64 `json:"round_id"`
	Reason  string `json:"reason"`
}

type BalanceUpdate struct {
	Balance int64 `json:"balance"`
	Pending bool  `json:"pending,omitempty"`
}

type BetRejected struct {
	Reason Reason `json:"reason"`
}

type BetAccepted struct {
	Seq     uint64 `json:"seq"`
	RoundID uint64 `json:"round_id"`
	Stake   int64  `json:"stake"`
	Balance int64  `json:"balance"`
}

// Refund acknowledges an undo or clear.
type Refund struct {
	Refunded int64 `json:"refunded"`
	Balance  int64 `json:"balance"`
	// Pending is set when the store has not yet confirmed the refund.
	Pending bool `json:"pending,omitempty"`
}
