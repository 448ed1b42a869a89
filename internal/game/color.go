package game

import (
	"fmt"
	"math/rand/v2"
)

// Color is a face of a color game die.
type Color string

const (
	Red    Color = "red"
	Green  Color = "green"
	Blue   Color = "blue"
	Yellow Color = "yellow"
	White  Color = "white"
	Pink   Color = "pink"
)

// Colors lists the die faces in a fixed order.
var Colors = []Color{Red, Green, Blue, Yellow, White, Pink}

// DiceCount is the number of dice thrown per round.
const DiceCount = 3

// Valid reports whether c is a face of the die.
func (c Color) Valid() bool {
	for _, face := range Colors {
		if c == face {
			return true
		}
	}
	return false
}

// ColorGame is the three-dice color game.
type ColorGame struct{}

// NewColorGame returns the color game variant.
func NewColorGame() *ColorGame {
	return &ColorGame{}
}

func (*ColorGame) Name() Name { return NameColorGame }

// UsesLock is false: the color game goes straight from betting to drawing.
func (*ColorGame) UsesLock() bool { return false }

func (*ColorGame) ValidateSelection(sel Selection) error {
	if len(sel.Numbers) > 0 {
		return fmt.Errorf("%w: color game bets take a color, not numbers", ErrInvalidSelection)
	}
	if !sel.Color.Valid() {
		return fmt.Errorf("%w: unknown color %q", ErrInvalidSelection, sel.Color)
	}
	return nil
}

// Draw throws three independent dice, giving each of the 6^3 ordered triples
// equal probability.
func (*ColorGame) Draw(rng *rand.Rand) Outcome {
	dice := make([]Color, DiceCount)
	for i := range dice {
		dice[i] = Colors[rng.IntN(len(Colors))]
	}
	return Outcome{Dice: dice}
}

// Multiplier pays matches+1 when the chosen color shows on at least one die.
func (*ColorGame) Multiplier(sel Selection, outcome Outcome) int64 {
	matches := 0
	for _, die := range outcome.Dice {
		if die == sel.Color {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	return int64(matches + 1)
}
