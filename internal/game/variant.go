package game

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// ErrInvalidSelection is returned when a selection cannot be wagered on.
var ErrInvalidSelection = errors.New("invalid selection")

// Name identifies a variant on the wire and in registry keys.
type Name string

const (
	NameColorGame Name = "color"
	NameRoulette  Name = "roulette"
)

// String returns the wire representation of the variant name
func (n Name) String() string {
	return string(n)
}

// ParseName converts a wire name to a known variant name.
func ParseName(s string) (Name, error) {
	switch Name(strings.ToLower(s)) {
	case NameColorGame:
		return NameColorGame, nil
	case NameRoulette:
		return NameRoulette, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// Selection is what a bet covers. Color game bets set Color, roulette bets
// set Numbers.
type Selection struct {
	Color   Color `json:"color,omitempty"`
	Numbers []int `json:"numbers,omitempty"`
}

// Outcome is a drawn result. Exactly one of Dice or Number is meaningful,
// depending on the variant that drew it.
type Outcome struct {
	Dice   []Color `json:"dice,omitempty"`
	Number *int    `json:"number,omitempty"`
}

// String renders the outcome for logs.
func (o Outcome) String() string {
	if o.Number != nil {
		if *o.Number == DoubleZero {
			return "00"
		}
		return fmt.Sprintf("%d", *o.Number)
	}
	parts := make([]string, len(o.Dice))
	for i, c := range o.Dice {
		parts[i] = string(c)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// NumberOutcome builds a roulette outcome.
func NumberOutcome(n int) Outcome {
	return Outcome{Number: &n}
}

// DiceOutcome builds a color game outcome.
func DiceOutcome(dice ...Color) Outcome {
	return Outcome{Dice: append([]Color(nil), dice...)}
}

// Variant is the rule set of a game a room can run.
type Variant interface {
	// Name returns the variant's wire name.
	Name() Name
	// UsesLock reports whether the round has a LOCKED phase between betting
	// and drawing.
	UsesLock() bool
	// ValidateSelection rejects selections that cannot be settled.
	ValidateSelection(sel Selection) error
	// Draw selects an outcome uniformly over the variant's outcome space.
	Draw(rng *rand.Rand) Outcome
	// Multiplier returns the stake-inclusive multiplier the selection pays
	// against the outcome, or 0 for a losing bet.
	Multiplier(sel Selection, outcome Outcome) int64
}

// New returns the variant registered under name. pockets only applies to
// roulette.
func New(name Name, pockets int) (Variant, error) {
	switch name {
	case NameColorGame:
		return NewColorGame(), nil
	case NameRoulette:
		if pockets != EuropeanPockets && pockets != AmericanPockets {
			return nil, fmt.Errorf("roulette: unsupported pocket count %d", pockets)
		}
		return NewRoulette(pockets), nil
	default:
		return nil, fmt.Errorf("unknown variant %q", name)
	}
}
