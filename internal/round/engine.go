// Package round runs the timed betting rounds of one game variant in one
// room. An Engine is a phase state machine advanced by Tick once per second;
// it owns the round's ledger, draws the result and hands the frozen bets to
// settlement.
package round

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/ledger"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
)

// HistorySize is how many past outcomes an engine remembers.
const HistorySize = 23

// debitTimeout bounds a stake debit. The debit does not follow the caller's
// context: once the store may have applied it the bet must be recorded or
// refunded.
const debitTimeout = 5 * time.Second

// Reason explains why a bet was not accepted.
type Reason string

const (
	ReasonNotBettingPhase    Reason = "NOT_BETTING_PHASE"
	ReasonInsufficientFunds  Reason = "INSUFFICIENT_FUNDS"
	ReasonInvalidSelection   Reason = "INVALID_SELECTION"
	ReasonInvalidStake       Reason = "INVALID_STAKE"
	ReasonAccountUnavailable Reason = "ACCOUNT_UNAVAILABLE"
	ReasonRoundHalted        Reason = "ROUND_HALTED"
)

// Key identifies an engine: one per variant per room.
type Key struct {
	Room    string    `json:"room"`
	Variant game.Name `json:"variant"`
}

func (k Key) String() string {
	return k.Room + "/" + string(k.Variant)
}

// BetRequest is a place_bet from a connection.
type BetRequest struct {
	ConnectionID  string
	ParticipantID string
	Stake         int64
	Selection     game.Selection
}

// BetResult is the outcome of PlaceBet. Balance is the participant's balance
// after the debit, or after the refund of a bet that arrived too late.
type BetResult struct {
	Accepted bool
	Reason   Reason
	Bet      ledger.Bet
	Balance  int64
}

// RefundResult is the outcome of UndoLastBet and ClearBets.
type RefundResult struct {
	Refunded int64
	Balance  int64
	// Pending is set when part of the refund is still owed by the payer.
	Pending bool
}

// State is a read-only view of an engine.
type State struct {
	Key           Key            `json:"key"`
	Phase         Phase          `json:"phase"`
	TimeRemaining int            `json:"time_remaining"`
	RoundID       uint64         `json:"round_id"`
	Bets          int            `json:"bets"`
	Draw          *game.Outcome  `json:"draw,omitempty"`
	History       []game.Outcome `json:"history"`
	Halted        bool           `json:"halted"`
	HaltReason    string         `json:"halt_reason,omitempty"`
}

// Config wires an engine to its collaborators.
type Config struct {
	Key       Key
	Variant   game.Variant
	Durations Durations
	Accounts  account.Store
	Journal   journal.Journal
	Settler   *settlement.Settler
	Payer     *settlement.Payer
	// Rand is the draw source. Defaults to randutil.NewSecure.
	Rand *rand.Rand
	// LastRoundID is the highest round id already used for Key; the engine
	// starts at the next one.
	LastRoundID uint64
	Logger      zerolog.Logger
}

// Engine drives the rounds of one variant in one room. All methods are safe
// for concurrent use.
type Engine struct {
	key       Key
	variant   game.Variant
	durations Durations
	accounts  account.Store
	settler   *settlement.Settler
	payer     *settlement.Payer
	rng       *rand.Rand
	logger    zerolog.Logger
	writer    *journalWriter

	mu         sync.Mutex
	phase      Phase
	remaining  int
	roundID    uint64
	ledger     *ledger.Ledger
	snapshot   []ledger.Bet
	draw       *game.Outcome
	history    []game.Outcome
	settled    bool
	settling   bool
	halted     bool
	haltReason string
	closed     bool
}

// NewEngine creates an engine at the start of a betting window.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Variant == nil:
		return nil, errors.New("round: variant is required")
	case cfg.Accounts == nil:
		return nil, errors.New("round: account store is required")
	case cfg.Journal == nil:
		return nil, errors.New("round: journal is required")
	case cfg.Settler == nil || cfg.Payer == nil:
		return nil, errors.New("round: settler and payer are required")
	}
	if cfg.Key.Variant != cfg.Variant.Name() {
		return nil, fmt.Errorf("round: key %s does not match variant %s", cfg.Key, cfg.Variant.Name())
	}
	if err := cfg.Durations.Validate(cfg.Variant.UsesLock()); err != nil {
		return nil, fmt.Errorf("round %s: %w", cfg.Key, err)
	}

	rng := cfg.Rand
	if rng == nil {
		rng = randutil.NewSecure()
	}

	e := &Engine{
		key:       cfg.Key,
		variant:   cfg.Variant,
		durations: cfg.Durations,
		accounts:  cfg.Accounts,
		settler:   cfg.Settler,
		payer:     cfg.Payer,
		rng:       rng,
		logger: cfg.Logger.With().
			Str("component", "round").
			Str("key", cfg.Key.String()).
			Logger(),
		phase:     PhaseBetting,
		remaining: cfg.Durations.Betting,
		roundID:   cfg.LastRoundID + 1,
		ledger:    ledger.New(),
	}
	e.writer = newJournalWriter(cfg.Journal, e.logger)
	e.checkpoint()
	return e, nil
}

// Key returns the engine's registry key.
func (e *Engine) Key() Key {
	return e.key
}

// Variant returns the rule set the engine runs.
func (e *Engine) Variant() game.Variant {
	return e.variant
}

// Halted reports whether an invariant violation stopped the engine.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Snapshot returns the engine's current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Key:           e.key,
		Phase:         e.phase,
		TimeRemaining: e.remaining,
		RoundID:       e.roundID,
		Bets:          e.ledger.Len(),
		History:       e.historyLocked(),
		Halted:        e.halted,
		HaltReason:    e.haltReason,
	}
	if e.draw != nil {
		d := *e.draw
		st.Draw = &d
	}
	return st
}

// History returns past outcomes, newest first.
func (e *Engine) History() []game.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyLocked()
}

// PhaseUpdate returns the current phase_update event, used to bring a newly
// joined connection up to date.
func (e *Engine) PhaseUpdate() Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phaseUpdate()
}

// Sync waits until every journal write the engine has queued so far has
// been applied.
func (e *Engine) Sync(ctx context.Context) error {
	return wait(ctx, e.writer.flush())
}

// Tick advances the round clock by one second and returns the events to
// broadcast, in order. Transition events come first and a phase_update
// carrying the new countdown always comes last. A halted or voided engine
// returns nothing, as does a tick that arrives while settlement is still
// running.
func (e *Engine) Tick(ctx context.Context) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted || e.closed || e.settling {
		return nil
	}

	var events []Event
	e.remaining--
	if e.remaining <= 0 {
		events = e.advance(ctx, events)
		if e.halted {
			return events
		}
	}
	return append(events, e.phaseUpdate())
}

func (e *Engine) advance(ctx context.Context, events []Event) []Event {
	switch e.phase {
	case PhaseBetting:
		if err := e.freeze(); err != nil {
			return append(events, e.halt(err.Error()))
		}
		if e.variant.UsesLock() {
			e.enter(PhaseLocked)
			e.checkpoint()
			return events
		}
		return e.startDraw(events)
	case PhaseLocked:
		return e.startDraw(events)
	case PhaseDrawing:
		return e.settle(ctx, events)
	case PhaseSettling:
		return e.reset(events)
	default:
		return append(events, e.halt(fmt.Sprintf("tick in unexpected phase %s", e.phase)))
	}
}

// freeze takes the round's one settlement snapshot.
func (e *Engine) freeze() error {
	snap, err := e.ledger.Snapshot()
	if err != nil {
		return fmt.Errorf("freeze round %d: %w", e.roundID, err)
	}
	for _, bet := range snap {
		if bet.RoundID != e.roundID {
			return fmt.Errorf("bet %d from round %d found in round %d", bet.Seq, bet.RoundID, e.roundID)
		}
	}
	e.snapshot = snap
	return nil
}

func (e *Engine) startDraw(events []Event) []Event {
	outcome := e.variant.Draw(e.rng)
	e.draw = &outcome

	e.history = append([]game.Outcome{outcome}, e.history...)
	if len(e.history) > HistorySize {
		e.history = e.history[:HistorySize]
	}

	e.enter(PhaseDrawing)
	e.checkpoint()

	e.logger.Debug().
		Uint64("round_id", e.roundID).
		Str("draw", outcome.String()).
		Int("bets", len(e.snapshot)).
		Msg("Result drawn")

	return append(events, e.event(EventDrawResult, DrawResult{
		RoundID: e.roundID,
		Value:   outcome,
		History: e.historyLocked(),
	}))
}

// settle is entered and left with e.mu held but releases it while the
// settler journals and credits, so snapshots and bet requests never queue
// behind the journal or the account store. The round cannot change
// meanwhile: DRAWING admits no bets, Tick skips while settling is set and
// Void leaves a settling round to settlement.
func (e *Engine) settle(ctx context.Context, events []Event) []Event {
	in := settlement.Input{
		Key:     e.key.String(),
		RoundID: e.roundID,
		Variant: e.variant,
		Outcome: *e.draw,
		Bets:    e.snapshot,
	}
	e.settling = true
	e.mu.Unlock()
	report, err := e.settler.Settle(ctx, in)
	e.mu.Lock()
	e.settling = false

	if err != nil {
		return append(events, e.halt(err.Error()))
	}
	e.settled = true
	e.enter(PhaseSettling)
	e.checkpoint()

	events = append(events, e.event(EventSettlementReport, report))
	for _, p := range report.Payouts {
		if p.Pending {
			continue
		}
		events = append(events, e.direct(p.ConnectionID, EventBalanceUpdate, BalanceUpdate{Balance: p.NewBalance}))
	}
	return events
}

// reset passes through RESET straight into the next betting window.
func (e *Engine) reset(events []Event) []Event {
	e.phase = PhaseReset
	e.ledger.Clear()
	e.snapshot = nil
	e.draw = nil
	e.settled = false
	e.roundID++

	events = append(events, e.event(EventRoundReset, RoundReset{RoundID: e.roundID}))
	e.enter(PhaseBetting)
	e.checkpoint()
	return events
}

func (e *Engine) enter(p Phase) {
	e.phase = p
	e.remaining = e.durations.For(p)
}

// halt stops the engine after an invariant violation. The round's checkpoint
// is left in place so restart recovery can resolve its bets.
func (e *Engine) halt(reason string) Event {
	e.halted = true
	e.haltReason = reason
	e.logger.Error().
		Bool("alert", true).
		Uint64("round_id", e.roundID).
		Str("phase", e.phase.String()).
		Str("reason", reason).
		Msg("Round halted")
	return e.event(EventRoundHalted, RoundHalted{RoundID: e.roundID, Reason: reason})
}

// PlaceBet debits the stake and records the bet. The debit happens without
// holding the engine lock so a slow account store cannot stall the clock;
// if the round moved on meanwhile the stake is refunded and the bet
// rejected. A caller that goes away mid-debit does not cancel it.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (BetResult, []Event) {
	e.mu.Lock()
	reason := e.admit(req)
	roundID := e.roundID
	e.mu.Unlock()
	if reason != "" {
		return e.reject(req.ConnectionID, reason, 0)
	}

	debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), debitTimeout)
	balance, err := e.accounts.Debit(debitCtx, req.ParticipantID, req.Stake)
	cancel()
	if err != nil {
		if errors.Is(err, account.ErrInsufficientFunds) {
			return e.reject(req.ConnectionID, ReasonInsufficientFunds, 0)
		}
		e.logger.Warn().Err(err).Str("participant", req.ParticipantID).Msg("Debit failed")
		return e.reject(req.ConnectionID, ReasonAccountUnavailable, 0)
	}

	e.mu.Lock()
	if reason := e.admit(req); reason != "" || e.roundID != roundID {
		if reason == "" {
			reason = ReasonNotBettingPhase
		}
		e.mu.Unlock()
		return e.refundLate(ctx, req, roundID, reason)
	}
	bet, err := e.ledger.Add(ledger.Bet{
		RoundID:       roundID,
		ParticipantID: req.ParticipantID,
		ConnectionID:  req.ConnectionID,
		Stake:         req.Stake,
		Selection:     req.Selection,
	})
	if err != nil {
		e.mu.Unlock()
		return e.refundLate(ctx, req, roundID, ReasonNotBettingPhase)
	}
	e.checkpoint()
	e.mu.Unlock()

	e.logger.Debug().
		Uint64("round_id", roundID).
		Uint64("seq", bet.Seq).
		Str("participant", req.ParticipantID).
		Int64("stake", req.Stake).
		Msg("Bet placed")

	return BetResult{Accepted: true, Bet: bet, Balance: balance}, []Event{
		e.direct(req.ConnectionID, EventBetAccepted, BetAccepted{
			Seq: bet.Seq, RoundID: roundID, Stake: bet.Stake, Balance: balance,
		}),
		e.direct(req.ConnectionID, EventBalanceUpdate, BalanceUpdate{Balance: balance}),
	}
}

func (e *Engine) admit(req BetRequest) Reason {
	switch {
	case e.halted || e.closed:
		return ReasonRoundHalted
	case !e.phase.AcceptsBets():
		return ReasonNotBettingPhase
	case req.Stake <= 0:
		return ReasonInvalidStake
	}
	if err := e.variant.ValidateSelection(req.Selection); err != nil {
		return ReasonInvalidSelection
	}
	return ""
}

func (e *Engine) reject(conn string, reason Reason, balance int64) (BetResult, []Event) {
	return BetResult{Reason: reason, Balance: balance}, []Event{
		e.direct(conn, EventBetRejected, BetRejected{Reason: reason}),
	}
}

// refundLate returns a stake debited for a bet whose round closed before it
// could be recorded.
func (e *Engine) refundLate(ctx context.Context, req BetRequest, roundID uint64, reason Reason) (BetResult, []Event) {
	credit := journal.PendingCredit{
		Ref:           settlement.LateRef(e.key.String(), roundID, uuid.NewString()),
		ParticipantID: req.ParticipantID,
		ConnectionID:  req.ConnectionID,
		Amount:        req.Stake,
		Reason:        "late_bet",
	}
	balance, ok := e.payer.Pay(ctx, credit)

	e.logger.Info().
		Uint64("round_id", roundID).
		Str("participant", req.ParticipantID).
		Int64("stake", req.Stake).
		Bool("refund_pending", !ok).
		Msg("Late bet refunded")

	result, events := e.reject(req.ConnectionID, reason, balance)
	if ok {
		events = append(events, e.direct(req.ConnectionID, EventBalanceUpdate, BalanceUpdate{Balance: balance}))
	}
	return result, events
}

// UndoLastBet removes and refunds the connection's most recent bet. Outside
// the betting window, or with no bets, it does nothing and refunds 0.
func (e *Engine) UndoLastBet(ctx context.Context, connectionID string) (RefundResult, []Event) {
	e.mu.Lock()
	if e.halted || e.closed || !e.phase.AcceptsBets() {
		e.mu.Unlock()
		return RefundResult{}, nil
	}
	bet, ok, err := e.ledger.RemoveLast(connectionID)
	if err != nil || !ok {
		e.mu.Unlock()
		return RefundResult{}, nil
	}
	credits := e.journalRefunds([]ledger.Bet{bet}, "undo")
	written := e.checkpoint()
	e.mu.Unlock()

	return e.refund(ctx, connectionID, EventBetUndone, credits, written)
}

// ClearBets removes and refunds every bet the connection holds in the
// current betting window.
func (e *Engine) ClearBets(ctx context.Context, connectionID string) (RefundResult, []Event) {
	e.mu.Lock()
	if e.halted || e.closed || !e.phase.AcceptsBets() {
		e.mu.Unlock()
		return RefundResult{}, nil
	}
	bets, err := e.ledger.RemoveAll(connectionID)
	if err != nil || len(bets) == 0 {
		e.mu.Unlock()
		return RefundResult{}, nil
	}
	credits := e.journalRefunds(bets, "clear")
	written := e.checkpoint()
	e.mu.Unlock()

	return e.refund(ctx, connectionID, EventBetsCleared, credits, written)
}

// journalRefunds queues the stakes of removed bets as owed. It must be
// called with e.mu held and before the checkpoint that drops the bets, so
// the journal never holds the smaller checkpoint without the credits.
func (e *Engine) journalRefunds(bets []ledger.Bet, reason string) []journal.PendingCredit {
	credits := make([]journal.PendingCredit, 0, len(bets))
	for _, bet := range bets {
		credit := journal.PendingCredit{
			Ref:           settlement.StakeRef(e.key.String(), bet.RoundID, bet.Seq),
			ParticipantID: bet.ParticipantID,
			ConnectionID:  bet.ConnectionID,
			Amount:        bet.Stake,
			Reason:        reason,
		}
		e.writer.addCredit(credit)
		credits = append(credits, credit)
	}
	return credits
}

// refund pays credits once written reports them journaled. If ctx ends
// first they are paid anyway; the stake ref keeps a later replay harmless.
func (e *Engine) refund(ctx context.Context, connectionID string, ack EventType, credits []journal.PendingCredit, written <-chan struct{}) (RefundResult, []Event) {
	_ = wait(ctx, written)

	var res RefundResult
	confirmed := false
	for _, credit := range credits {
		res.Refunded += credit.Amount
		balance, ok := e.payer.PayRecorded(ctx, credit)
		if !ok {
			res.Pending = true
			continue
		}
		res.Balance = balance
		confirmed = true
	}

	events := []Event{e.direct(connectionID, ack, Refund{
		Refunded: res.Refunded,
		Balance:  res.Balance,
		Pending:  res.Pending,
	})}
	if confirmed {
		events = append(events, e.direct(connectionID, EventBalanceUpdate, BalanceUpdate{
			Balance: res.Balance,
			Pending: res.Pending,
		}))
	}
	return res, events
}

// Void stops the engine. If the current round has not been settled its bets
// are refunded. A round still settling is left to settlement, and a halted
// engine's bets are left for restart recovery, which can tell from the
// journal whether they were settled. Calling Void again does nothing.
func (e *Engine) Void(ctx context.Context, reason string) []Event {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.halted || e.settled || e.settling {
		e.mu.Unlock()
		return nil
	}

	bets := e.ledger.Bets()
	credits := e.journalRefunds(bets, "void")
	roundID := e.roundID
	e.ledger.Clear()
	e.snapshot = nil
	e.phase = PhaseVoided
	e.remaining = 0
	written := e.checkpoint()
	e.mu.Unlock()

	if err := wait(ctx, written); err != nil {
		e.logger.Warn().Err(err).Uint64("round_id", roundID).Msg("Voided round not yet journaled")
	}

	var refunded int64
	events := []Event{e.event(EventRoundHalted, RoundHalted{RoundID: roundID, Reason: "voided: " + reason})}
	for _, credit := range credits {
		refunded += credit.Amount
		if balance, ok := e.payer.PayRecorded(ctx, credit); ok {
			events = append(events, e.direct(credit.ConnectionID, EventBalanceUpdate, BalanceUpdate{Balance: balance}))
		}
	}

	e.logger.Warn().
		Uint64("round_id", roundID).
		Str("reason", reason).
		Int("bets", len(bets)).
		Int64("refunded", refunded).
		Msg("Round voided")
	return events
}

// checkpoint queues the round's current state for the journal. It must be
// called with e.mu held so checkpoints are queued in state order.
func (e *Engine) checkpoint() <-chan struct{} {
	return e.writer.saveRound(journal.RoundCheckpoint{
		Key:     e.key.String(),
		RoundID: e.roundID,
		Phase:   e.phase.String(),
		Bets:    e.ledger.Bets(),
	})
}

func (e *Engine) historyLocked() []game.Outcome {
	return append([]game.Outcome{}, e.history...)
}

func (e *Engine) phaseUpdate() Event {
	return e.event(EventPhaseUpdate, PhaseUpdate{
		Phase:         e.phase,
		TimeRemaining: e.remaining,
		RoundID:       e.roundID,
	})
}

func (e *Engine) event(t EventType, payload any) Event {
	return Event{Type: t, Room: e.key.Room, Variant: e.key.Variant, Payload: payload}
}

func (e *Engine) direct(to string, t EventType, payload any) Event {
	ev := e.event(t, payload)
	ev.To = to
	return ev
}
