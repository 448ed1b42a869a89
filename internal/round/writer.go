package round

import (
	"context"
	"sync"

	"github.com/lox/pitboss/internal/journal"
	"github.com/rs/zerolog"
)

// journalWriter applies one engine's journal writes in order on its own
// goroutine, so the engine lock is never held across journal I/O. Queued
// checkpoints that are not yet written collapse to the latest one. A
// goroutine runs only while the queue is non-empty.
type journalWriter struct {
	journal journal.Journal
	logger  zerolog.Logger

	mu      sync.Mutex
	queue   []*journalOp
	running bool
}

type journalOp struct {
	checkpoint *journal.RoundCheckpoint
	credit     *journal.PendingCredit
	done       []chan struct{}
}

func newJournalWriter(j journal.Journal, logger zerolog.Logger) *journalWriter {
	return &journalWriter{journal: j, logger: logger}
}

// saveRound queues cp. The returned channel closes once cp, or a later
// checkpoint that replaced it, has been written.
func (w *journalWriter) saveRound(cp journal.RoundCheckpoint) <-chan struct{} {
	return w.enqueue(&journalOp{checkpoint: &cp})
}

// addCredit queues a pending credit. Credits are never collapsed.
func (w *journalWriter) addCredit(credit journal.PendingCredit) <-chan struct{} {
	return w.enqueue(&journalOp{credit: &credit})
}

// flush returns a channel that closes once everything queued so far has been
// written.
func (w *journalWriter) flush() <-chan struct{} {
	return w.enqueue(&journalOp{})
}

func (w *journalWriter) enqueue(op *journalOp) <-chan struct{} {
	done := make(chan struct{})

	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.queue); op.checkpoint != nil && n > 0 && w.queue[n-1].checkpoint != nil {
		last := w.queue[n-1]
		last.checkpoint = op.checkpoint
		last.done = append(last.done, done)
		return done
	}
	op.done = []chan struct{}{done}
	w.queue = append(w.queue, op)
	if !w.running {
		w.running = true
		go w.run()
	}
	return done
}

func (w *journalWriter) run() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		op := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.apply(op)
		for _, ch := range op.done {
			close(ch)
		}
	}
}

func (w *journalWriter) apply(op *journalOp) {
	ctx := context.Background()
	switch {
	case op.checkpoint != nil:
		if err := w.journal.SaveRound(ctx, *op.checkpoint); err != nil {
			w.logger.Error().Err(err).Uint64("round_id", op.checkpoint.RoundID).Msg("Failed to checkpoint round")
		}
	case op.credit != nil:
		if err := w.journal.AddPendingCredit(ctx, *op.credit); err != nil {
			w.logger.Error().Err(err).Str("ref", op.credit.Ref).Msg("Failed to journal refund")
		}
	}
}

// wait blocks until done closes or ctx ends.
func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
