// Package game implements the rules of the wagering variants a room can run.
//
// A Variant knows three things: how to validate a player's Selection, how to
// draw an Outcome uniformly from its outcome space, and how many times the
// stake a Selection pays against a drawn Outcome.
//
// # Variants
//
//   - ColorGame: three six-sided color dice. A bet names one color and pays
//     stake × (matches+1) when at least one die shows it.
//   - Roulette: a single-zero (37 pockets) or double-zero (38 pockets) wheel.
//     A bet covers a set of numbers whose size fixes the multiplier.
//
// # Deterministic Testing
//
// Draw accepts a *rand.Rand so tests can inject a seeded source:
//
//	rng := randutil.New(42)
//	outcome := game.NewRoulette(37).Draw(rng)
//
// Production engines draw from randutil.NewSecure, which is backed by
// crypto/rand.
//
// Payouts are stake-inclusive: a winning stake of 10 at 36x returns 360.
package game
