// Package journal records the state a restart needs so that no stake or
// payout is lost: open-round checkpoints, settlement records and credits
// still owed to participants.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/pitboss/internal/ledger"
)

// ErrAlreadySettled is returned when a round's settlement is begun twice.
var ErrAlreadySettled = errors.New("journal: round already settled")

// RoundCheckpoint is the last persisted state of an engine's current round.
type RoundCheckpoint struct {
	Key       string       `json:"key"`
	RoundID   uint64       `json:"round_id"`
	Phase     string       `json:"phase"`
	Bets      []ledger.Bet `json:"bets"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SettlementRecord marks a round as settled. Report holds the encoded
// settlement report once crediting has finished.
type SettlementRecord struct {
	Key       string    `json:"key"`
	RoundID   uint64    `json:"round_id"`
	Report    []byte    `json:"report,omitempty"`
	Completed bool      `json:"completed"`
	SettledAt time.Time `json:"settled_at"`
}

// PendingCredit is money owed to a participant that has not been confirmed
// by the account store. Ref doubles as the store's idempotency reference.
type PendingCredit struct {
	Ref           string    `json:"ref"`
	ParticipantID string    `json:"participant_id"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// Journal persists round checkpoints, settlements and pending credits.
type Journal interface {
	// SaveRound replaces the checkpoint for cp.Key. Checkpoints are never
	// deleted: the last one for a key carries its highest round id.
	SaveRound(ctx context.Context, cp RoundCheckpoint) error
	Rounds(ctx context.Context) ([]RoundCheckpoint, error)

	// BeginSettlement atomically records that the round is being settled
	// and stores its credits as pending. It returns ErrAlreadySettled if the
	// round already has a settlement record.
	BeginSettlement(ctx context.Context, key string, roundID uint64, credits []PendingCredit) error
	CompleteSettlement(ctx context.Context, key string, roundID uint64, report []byte) error
	Settlement(ctx context.Context, key string, roundID uint64) (SettlementRecord, bool, error)

	AddPendingCredit(ctx context.Context, credit PendingCredit) error
	ResolveCredit(ctx context.Context, ref string) error
	PendingCredits(ctx context.Context) ([]PendingCredit, error)

	Close() error
}

func settlementKey(key string, roundID uint64) string {
	return fmt.Sprintf("%s#%d", key, roundID)
}
