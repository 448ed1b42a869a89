package round

import (
	"fmt"

	"github.com/lox/pitboss/internal/game"
)

// Phase is a named stage of a round.
type Phase string

const (
	PhaseBetting  Phase = "BETTING"
	PhaseLocked   Phase = "LOCKED"
	PhaseDrawing  Phase = "DRAWING"
	PhaseSettling Phase = "SETTLING"
	PhaseReset    Phase = "RESET"

	// PhaseVoided is terminal: the engine was shut down and its open round
	// refunded.
	PhaseVoided Phase = "VOIDED"
)

func (p Phase) String() string {
	return string(p)
}

// AcceptsBets reports whether the ledger may change in this phase.
func (p Phase) AcceptsBets() bool {
	return p == PhaseBetting
}

// Durations holds each phase's countdown in whole seconds (one tick each).
// Locked is ignored by variants that skip the LOCKED phase.
type Durations struct {
	Betting  int `json:"betting"`
	Locked   int `json:"locked"`
	Drawing  int `json:"drawing"`
	Settling int `json:"settling"`
}

// DefaultDurations returns the phase timings a variant's clients are built
// around: drawing covers the dice roll or wheel spin animation and settling
// the payout reveal.
func DefaultDurations(name game.Name) Durations {
	switch name {
	case game.NameRoulette:
		return Durations{Betting: 20, Locked: 1, Drawing: 8, Settling: 4}
	default:
		return Durations{Betting: 20, Drawing: 4, Settling: 5}
	}
}

// For returns the countdown for p. RESET is instantaneous.
func (d Durations) For(p Phase) int {
	switch p {
	case PhaseBetting:
		return d.Betting
	case PhaseLocked:
		return d.Locked
	case PhaseDrawing:
		return d.Drawing
	case PhaseSettling:
		return d.Settling
	default:
		return 0
	}
}

// Validate checks that every phase the variant visits lasts at least one
// tick.
func (d Durations) Validate(usesLock bool) error {
	if d.Betting < 1 {
		return fmt.Errorf("betting duration must be at least 1s, got %d", d.Betting)
	}
	if usesLock && d.Locked < 1 {
		return fmt.Errorf("locked duration must be at least 1s, got %d", d.Locked)
	}
	if d.Drawing < 1 {
		return fmt.Errorf("drawing duration must be at least 1s, got %d", d.Drawing)
	}
	if d.Settling < 1 {
		return fmt.Errorf("settling duration must be at least 1s, got %d", d.Settling)
	}
	return nil
}
