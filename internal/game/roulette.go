package game

import (
	"fmt"
	"math/rand/v2"
)

const (
	// EuropeanPockets is a single-zero wheel: 0..36.
	EuropeanPockets = 37
	// AmericanPockets adds a double zero, encoded as 37.
	AmericanPockets = 38
	// DoubleZero is the number used for the "00" pocket.
	DoubleZero = 37
)

// rouletteMultipliers maps the number of covered pockets to the
// stake-inclusive multiplier.
var rouletteMultipliers = map[int]int64{
	1:  36,
	2:  18,
	3:  12,
	4:  9,
	6:  6,
	12: 3,
	18: 2,
}

// Roulette is a single-ball wheel.
type Roulette struct {
	pockets int
}

// NewRoulette returns a wheel with the given number of pockets.
func NewRoulette(pockets int) *Roulette {
	return &Roulette{pockets: pockets}
}

func (*Roulette) Name() Name { return NameRoulette }

func (*Roulette) UsesLock() bool { return true }

// Pockets returns the size of the outcome space.
func (r *Roulette) Pockets() int { return r.pockets }

// ValidateSelection requires distinct in-range numbers whose count has a
// multiplier. Malformed bets are refused here so settlement never sees them.
func (r *Roulette) ValidateSelection(sel Selection) error {
	if sel.Color != "" {
		return fmt.Errorf("%w: roulette bets take numbers, not a color", ErrInvalidSelection)
	}
	if _, ok := rouletteMultipliers[len(sel.Numbers)]; !ok {
		return fmt.Errorf("%w: cannot cover %d numbers", ErrInvalidSelection, len(sel.Numbers))
	}
	seen := make(map[int]bool, len(sel.Numbers))
	for _, n := range sel.Numbers {
		if n < 0 || n >= r.pockets {
			return fmt.Errorf("%w: number %d not on a %d-pocket wheel", ErrInvalidSelection, n, r.pockets)
		}
		if seen[n] {
			return fmt.Errorf("%w: number %d covered twice", ErrInvalidSelection, n)
		}
		seen[n] = true
	}
	return nil
}

func (r *Roulette) Draw(rng *rand.Rand) Outcome {
	return NumberOutcome(rng.IntN(r.pockets))
}

func (r *Roulette) Multiplier(sel Selection, outcome Outcome) int64 {
	if outcome.Number == nil {
		return 0
	}
	for _, n := range sel.Numbers {
		if n == *outcome.Number {
			return rouletteMultipliers[len(sel.Numbers)]
		}
	}
	return 0
}
