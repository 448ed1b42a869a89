package settlement

import (
	"context"
	"fmt"

	"github.com/lox/pitboss/internal/journal"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReconcileSchedule is how often durable pending credits are retried.
const DefaultReconcileSchedule = "@every 30s"

// Reconciler periodically hands every journaled pending credit back to the
// payer. It picks up credits whose retries ran out and credits left behind
// by a previous process.
type Reconciler struct {
	journal  journal.Journal
	payer    *Payer
	schedule string
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewReconciler creates a reconciler running on a cron schedule.
func NewReconciler(j journal.Journal, payer *Payer, schedule string, logger zerolog.Logger) *Reconciler {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &Reconciler{
		journal:  j,
		payer:    payer,
		schedule: schedule,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Start registers the schedule and starts the cron runner.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Reconciliation failed")
		}
	}); err != nil {
		return fmt.Errorf("reconciler: bad schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("Reconciler started")
	return nil
}

// Stop stops the cron runner and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce submits every pending credit that is not already being retried.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.journal.PendingCredits(ctx)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, credit := range pending {
		if r.payer.Submit(credit) {
			submitted++
		}
	}
	if submitted > 0 {
		r.logger.Info().Int("submitted", submitted).Int("pending", len(pending)).Msg("Resubmitted pending credits")
	}
	return submitted, nil
}

// Flush tries every pending credit once, synchronously. It is used at
// shutdown and by the reconcile command, where no retry worker runs.
func (r *Reconciler) Flush(ctx context.Context) (paid, remaining int, err error) {
	pending, err := r.journal.PendingCredits(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, credit := range pending {
		if r.payer.InFlight(credit.Ref) {
			remaining++
			continue
		}
		balance, err := r.payer.attempt(ctx, credit)
		if err != nil {
			r.logger.Warn().Err(err).Str("ref", credit.Ref).Msg("Pending credit still unpaid")
			remaining++
			continue
		}
		r.payer.notifyPaid(credit, balance)
		paid++
	}
	return paid, remaining, nil
}
