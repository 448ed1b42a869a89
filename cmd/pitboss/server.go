package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/pitboss/cmd/pitboss/shared"
	"github.com/lox/pitboss/internal/monitor"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/lox/pitboss/internal/round"
	"github.com/lox/pitboss/internal/scheduler"
	"github.com/lox/pitboss/internal/server"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// ServerCmd runs every configured room
type ServerCmd struct {
	StoreFlags

	Addr      string `help:"Server address, host:port (overrides config)"`
	Debug     bool   `help:"Enable debug logging"`
	LogJSON   bool   `name:"log-json" help:"Log JSON instead of console output"`
	JWTSecret string `name:"jwt-secret" env:"PITBOSS_JWT_SECRET" help:"HS256 secret for participant tokens (overrides config)"`
	Seed      *int64 `help:"Deterministic RNG seed for draws (testing only)"`
	Quiet     bool   `help:"Do not print the round monitor to stdout"`
}

func (c *ServerCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if c.JWTSecret != "" {
		cfg.Server.JWTSecret = c.JWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	debug := c.Debug || cfg.Server.LogLevel == "debug"
	logger := shared.NewLogger(debug, c.LogJSON)
	ctx := shared.SetupSignalHandlerWithLogger(logger)

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

	payer := settlement.NewPayer(accounts, j, quartz.NewReal(), logger, cfg.PayerConfig())
	payer.Start()
	defer payer.Stop()

	lastRoundIDs, err := settlement.Recover(ctx, j, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	newRand := randutil.NewSecure
	if c.Seed != nil {
		logger.Warn().Int64("seed", *c.Seed).Msg("Using deterministic draw seed")
		seed := *c.Seed
		newRand = func() *rand.Rand {
			seed++
			return randutil.New(seed)
		}
	}

	registry := round.NewRegistry(round.Deps{
		Accounts:     accounts,
		Journal:      j,
		Settler:      settlement.NewSettler(j, payer, cfg.CreditBudget(), logger),
		Payer:        payer,
		LastRoundIDs: lastRoundIDs,
		NewRand:      newRand,
		Logger:       logger,
	})

	specs, err := cfg.Engines()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := registry.Create(spec.Key, spec.Variant, spec.Durations); err != nil {
			return err
		}
	}

	auth := server.NewAuthenticator(cfg.Server.JWTSecret)
	if !auth.Enabled() {
		logger.Warn().Msg("No JWT secret configured, trusting the participant query parameter")
	}
	srv := server.NewServer(registry, accounts, auth, logger, server.Options{SendBuffer: cfg.Server.SendBuffer})
	payer.SetNotifier(srv.NotifyCredit)

	addr := cfg.GetServerAddress()
	if c.Addr != "" {
		addr = c.Addr
	}

	logger.Info().
		Str("address", addr).
		Int("engines", len(specs)).
		Str("accounts", cfg.Accounts.Backend).
		Str("journal", cfg.Journal.Backend).
		Msg("Starting pitboss server")

	return serve(ctx, logger, addr, c.Quiet, srv, registry, settlement.NewReconciler(j, payer, cfg.Settlement.ReconcileSchedule, logger))
}

func serve(ctx context.Context, logger zerolog.Logger, addr string, quiet bool,
	srv *server.Server, registry *round.Registry, reconciler *settlement.Reconciler) error {
	var broadcaster scheduler.Broadcaster = srv
	if !quiet {
		broadcaster = monitor.NewConsole(srv, os.Stdout)
	}

	if err := reconciler.Start(); err != nil {
		return err
	}
	// Refunds journaled by recovery go to the retry worker straight away.
	if _, err := reconciler.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to submit recovered credits")
	}

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(quartz.NewReal(), broadcaster, logger)
	sched.Start(gctx)
	for _, engine := range registry.List() {
		if err := sched.Add(engine); err != nil {
			return err
		}
	}
	g.Go(sched.Wait)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Refund open rounds while clients can still hear about it.
		sched.Dispatch(registry.ShutdownAll(shutdownCtx))

		reconciler.Stop()
		paid, remaining, err := reconciler.Flush(shutdownCtx)
		if err != nil {
			logger.Error().Err(err).Msg("Final reconciliation failed")
		}
		logger.Info().Int("paid", paid).Int("remaining", remaining).Msg("Final reconciliation")

		err = httpServer.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})

	return g.Wait()
}
