// Package ledger holds the wagers placed during a round's betting window.
//
// A Ledger is append-only while betting is open and frozen once Snapshot has
// been taken. It is not safe for concurrent use; the owning round engine
// serialises access.
package ledger

import (
	"errors"

	"github.com/lox/pitboss/internal/game"
)

var (
	// ErrFrozen is returned when a frozen ledger is mutated.
	ErrFrozen = errors.New("ledger: frozen")
	// ErrSnapshotTaken is returned when a round's snapshot is requested twice.
	ErrSnapshotTaken = errors.New("ledger: snapshot already taken")
)

// Bet is a single wager. Seq is its stable identity within the ledger.
type Bet struct {
	Seq           uint64         `json:"seq"`
	RoundID       uint64         `json:"round_id"`
	ParticipantID string         `json:"participant_id"`
	ConnectionID  string         `json:"connection_id"`
	Stake         int64          `json:"stake"`
	Selection     game.Selection `json:"selection"`
}

// Ledger is the ordered set of bets pending settlement.
type Ledger struct {
	bets    []Bet
	nextSeq uint64
	frozen  bool
}

// New returns an empty, open ledger.
func New() *Ledger {
	return &Ledger{nextSeq: 1}
}

// Add appends bet, assigning it the next sequence number.
func (l *Ledger) Add(bet Bet) (Bet, error) {
	if l.frozen {
		return Bet{}, ErrFrozen
	}
	bet.Seq = l.nextSeq
	l.nextSeq++
	l.bets = append(l.bets, bet)
	return bet, nil
}

// RemoveLast removes the most recently added bet for the connection.
func (l *Ledger) RemoveLast(connectionID string) (Bet, bool, error) {
	if l.frozen {
		return Bet{}, false, ErrFrozen
	}
	for i := len(l.bets) - 1; i >= 0; i-- {
		if l.bets[i].ConnectionID == connectionID {
			bet := l.bets[i]
			l.bets = append(l.bets[:i], l.bets[i+1:]...)
			return bet, true, nil
		}
	}
	return Bet{}, false, nil
}

// RemoveAll removes every bet for the connection, returning them in order.
func (l *Ledger) RemoveAll(connectionID string) ([]Bet, error) {
	if l.frozen {
		return nil, ErrFrozen
	}
	var removed []Bet
	kept := l.bets[:0]
	for _, bet := range l.bets {
		if bet.ConnectionID == connectionID {
			removed = append(removed, bet)
			continue
		}
		kept = append(kept, bet)
	}
	l.bets = kept
	return removed, nil
}

// Snapshot freezes the ledger and returns a copy of its bets for settlement.
// It may be called once per round.
func (l *Ledger) Snapshot() ([]Bet, error) {
	if l.frozen {
		return nil, ErrSnapshotTaken
	}
	l.frozen = true
	return l.Bets(), nil
}

// Bets returns a copy of the current bets.
func (l *Ledger) Bets() []Bet {
	out := make([]Bet, len(l.bets))
	copy(out, l.bets)
	return out
}

// Len returns the number of bets held.
func (l *Ledger) Len() int {
	return len(l.bets)
}

// Clear empties and reopens the ledger for the next round. Sequence numbers
// keep increasing across rounds.
func (l *Ledger) Clear() {
	l.bets = nil
	l.frozen = false
}
