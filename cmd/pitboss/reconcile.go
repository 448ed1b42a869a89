package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
)

// ReconcileCmd pays what a stopped server still owes
type ReconcileCmd struct {
	StoreFlags

	Debug bool `help:"Enable debug logging"`
}

func (c *ReconcileCmd) Run() error {
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel, ReportTimestamp: true})
	zl := zerolog.Nop()
	if c.Debug {
		logger.SetLevel(log.DebugLevel)
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	accounts, accountsCloser, err := openAccounts(ctx, cfg)
	if err != nil {
		return err
	}
	defer accountsCloser.Close()

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	// Flush pays synchronously, so the payer's retry worker is never started
	// and nothing here is left in flight.
	payer := settlement.NewPayer(accounts, j, quartz.NewReal(), zl, cfg.PayerConfig())

	lastRoundIDs, err := settlement.Recover(ctx, j, zl)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	for key, id := range lastRoundIDs {
		logger.Debug("Recovered engine", "key", key, "last_round", id)
	}

	paid, remaining, err := settlement.NewReconciler(j, payer, "", zl).Flush(ctx)
	if err != nil {
		return err
	}

	if remaining > 0 {
		logger.Warn("Some credits are still unpaid", "paid", paid, "remaining", remaining)
		return fmt.Errorf("%d pending credits remain", remaining)
	}
	logger.Info("Reconciliation complete", "paid", paid)
	return nil
}
