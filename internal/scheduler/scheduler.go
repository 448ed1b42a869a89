// Package scheduler drives every round engine's one-second clock and hands
// the events each tick produces to the room broadcaster.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/pitboss/internal/round"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickInterval is the round clock's resolution.
const TickInterval = time.Second

// Broadcaster delivers events. Publish reaches every member of a room; Send
// reaches one connection. Neither may block on a slow recipient.
type Broadcaster interface {
	Publish(room string, ev round.Event)
	Send(connectionID string, ev round.Event)
}

// Scheduler runs one ticker per engine. Each ticker has its own goroutine,
// so a slow settlement in one room never delays another room's clock.
type Scheduler struct {
	clock       quartz.Clock
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	group   *errgroup.Group
	engines map[round.Key]bool
}

// New creates a scheduler. Call Start before adding engines.
func New(clock quartz.Clock, broadcaster Broadcaster, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:       clock,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		engines:     make(map[round.Key]bool),
	}
}

// Start binds the scheduler to ctx. Cancelling ctx stops every ticker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group, s.ctx = errgroup.WithContext(ctx)
}

// Add starts ticking engine. The ticker is registered before Add returns.
func (s *Scheduler) Add(engine *round.Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group == nil {
		return errors.New("scheduler: not started")
	}
	key := engine.Key()
	if s.engines[key] {
		return fmt.Errorf("scheduler: %s already scheduled", key)
	}
	s.engines[key] = true

	ctx := s.ctx
	waiter := s.clock.TickerFunc(ctx, TickInterval, func() error {
		s.Dispatch(engine.Tick(ctx))
		return nil
	}, "scheduler", key.String())

	s.group.Go(func() error {
		err := waiter.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	s.logger.Debug().Str("key", key.String()).Msg("Engine scheduled")
	return nil
}

// Dispatch routes events to the broadcaster in order.
func (s *Scheduler) Dispatch(events []round.Event) {
	for _, ev := range events {
		if ev.Direct() {
			s.broadcaster.Send(ev.To, ev)
			continue
		}
		s.broadcaster.Publish(ev.Room, ev)
	}
}

// Wait blocks until every ticker has stopped.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}
