package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/journal"
	"github.com/rs/zerolog"
)

// PayerConfig tunes credit retries.
type PayerConfig struct {
	// MaxAttempts bounds retries per submission before the credit is left
	// for the reconciler.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles after each
	// failure.
	Backoff time.Duration
	// AttemptTimeout bounds a single account store call.
	AttemptTimeout time.Duration
	// QueueSize bounds credits waiting for the retry worker.
	QueueSize int
}

// DefaultPayerConfig returns conservative retry settings.
func DefaultPayerConfig() PayerConfig {
	return PayerConfig{
		MaxAttempts:    5,
		Backoff:        250 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
		QueueSize:      1024,
	}
}

// Notifier is told when a credit lands after leaving the caller's hands, so
// the owning connection can get a balance update. Credits confirmed inline
// by Pay are reported by the caller instead.
type Notifier func(credit journal.PendingCredit, balance int64)

// Payer credits accounts and keeps retrying what the store did not accept.
// Every credit it is asked to pay is recorded in the journal before the
// store is called, so a crash leaves it for Recover or the reconciler.
type Payer struct {
	accounts account.Store
	journal  journal.Journal
	clock    quartz.Clock
	logger   zerolog.Logger
	cfg      PayerConfig

	queue chan journal.PendingCredit

	mu       sync.Mutex
	inflight map[string]bool
	notify   Notifier

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPayer creates a payer. Call Start to run the retry worker.
func NewPayer(accounts account.Store, j journal.Journal, clock quartz.Clock, logger zerolog.Logger, cfg PayerConfig) *Payer {
	def := DefaultPayerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Payer{
		accounts: accounts,
		journal:  j,
		clock:    clock,
		logger:   logger.With().Str("component", "payer").Logger(),
		cfg:      cfg,
		queue:    make(chan journal.PendingCredit, cfg.QueueSize),
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// SetNotifier installs the callback run after each credit confirmed by the
// retry worker or a reconciliation flush.
func (p *Payer) SetNotifier(fn Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = fn
}

// Start launches the retry worker.
func (p *Payer) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the retry worker. Credits still queued stay in the journal.
func (p *Payer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Pay records the credit as pending, then tries the store once within ctx.
// On failure the credit is handed to the retry worker and ok is false; the
// money is never dropped.
func (p *Payer) Pay(ctx context.Context, credit journal.PendingCredit) (balance int64, ok bool) {
	if err := p.journal.AddPendingCredit(context.WithoutCancel(ctx), credit); err != nil {
		p.logger.Error().Err(err).Str("ref", credit.Ref).Msg("Failed to journal pending credit")
	}
	return p.PayRecorded(ctx, credit)
}

// PayRecorded is Pay for credits the caller has already journaled.
func (p *Payer) PayRecorded(ctx context.Context, credit journal.PendingCredit) (int64, bool) {
	balance, err := p.attempt(ctx, credit)
	if err == nil {
		return balance, true
	}
	p.logger.Warn().Err(err).
		Str("ref", credit.Ref).
		Str("participant", credit.ParticipantID).
		Int64("amount", credit.Amount).
		Msg("Credit failed, queueing for retry")
	credit.Attempts++
	p.Submit(credit)
	return 0, false
}

// Submit queues a journaled credit for the retry worker. It returns false if
// the credit is already in flight or the queue is full; either way the
// journal still holds it.
func (p *Payer) Submit(credit journal.PendingCredit) bool {
	p.mu.Lock()
	if p.inflight[credit.Ref] {
		p.mu.Unlock()
		return false
	}
	p.inflight[credit.Ref] = true
	p.mu.Unlock()

	select {
	case p.queue <- credit:
		return true
	default:
		p.release(credit.Ref)
		p.logger.Warn().Str("ref", credit.Ref).Msg("Retry queue full, leaving credit to reconciler")
		return false
	}
}

// InFlight reports whether the worker currently owns the credit.
func (p *Payer) InFlight(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[ref]
}

func (p *Payer) release(ref string) {
	p.mu.Lock()
	delete(p.inflight, ref)
	p.mu.Unlock()
}

// attempt makes one store call and, on success, resolves the journal entry.
func (p *Payer) attempt(ctx context.Context, credit journal.PendingCredit) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	balance, err := p.accounts.Credit(callCtx, credit.ParticipantID, credit.Amount, credit.Ref)
	if err != nil {
		return 0, err
	}
	if err := p.journal.ResolveCredit(context.WithoutCancel(ctx), credit.Ref); err != nil {
		// The store's idempotency ref makes a later replay harmless.
		p.logger.Error().Err(err).Str("ref", credit.Ref).Msg("Failed to resolve pending credit")
	}
	return balance, nil
}

func (p *Payer) notifyPaid(credit journal.PendingCredit, balance int64) {
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify(credit, balance)
	}
}

func (p *Payer) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case credit := <-p.queue:
			p.retry(credit)
			p.release(credit.Ref)
		}
	}
}

func (p *Payer) retry(credit journal.PendingCredit) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		timer := p.clock.NewTimer(delay, "payer", "backoff")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		balance, err := p.attempt(ctx, credit)
		if err == nil {
			p.notifyPaid(credit, balance)
			p.logger.Info().Str("ref", credit.Ref).Int("attempt", attempt).Msg("Pending credit paid")
			return
		}
		if errors.Is(err, account.ErrInvalidAmount) {
			p.logger.Error().Err(err).Str("ref", credit.Ref).Bool("alert", true).Msg("Dropping malformed credit")
			_ = p.journal.ResolveCredit(context.Background(), credit.Ref)
			return
		}
		credit.Attempts++
		delay *= 2
	}

	if err := p.journal.AddPendingCredit(context.Background(), credit); err != nil {
		p.logger.Error().Err(err).Str("ref", credit.Ref).Msg("Failed to update pending credit")
	}
	p.logger.Warn().
		Str("ref", credit.Ref).
		Str("participant", credit.ParticipantID).
		Int64("amount", credit.Amount).
		Int("attempts", credit.Attempts).
		Msg("Retries exhausted, credit left for reconciliation")
}
