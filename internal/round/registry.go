package round

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
)

// ErrEngineExists is returned when a key is registered twice.
var ErrEngineExists = errors.New("round: engine already registered")

// Deps are the collaborators shared by every engine in a registry.
type Deps struct {
	Accounts account.Store
	Journal  journal.Journal
	Settler  *settlement.Settler
	Payer    *settlement.Payer
	// LastRoundIDs maps engine keys to the last round id a previous process
	// used, as returned by settlement.Recover.
	LastRoundIDs map[string]uint64
	// NewRand returns each engine's draw source. Defaults to
	// randutil.NewSecure.
	NewRand func() *rand.Rand
	Logger  zerolog.Logger
}

// Registry tracks the engines of every room, keyed by room and variant.
type Registry struct {
	deps    Deps
	logger  zerolog.Logger
	mu      sync.RWMutex
	engines map[Key]*Engine
}

// NewRegistry constructs an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.NewRand == nil {
		deps.NewRand = randutil.NewSecure
	}
	return &Registry{
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "registry").Logger(),
		engines: make(map[Key]*Engine),
	}
}

// Create builds and registers the engine for key.
func (r *Registry) Create(key Key, variant game.Variant, durations Durations) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineExists, key)
	}

	engine, err := NewEngine(Config{
		Key:         key,
		Variant:     variant,
		Durations:   durations,
		Accounts:    r.deps.Accounts,
		Journal:     r.deps.Journal,
		Settler:     r.deps.Settler,
		Payer:       r.deps.Payer,
		Rand:        r.deps.NewRand(),
		LastRoundID: r.deps.LastRoundIDs[key.String()],
		Logger:      r.deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.engines[key] = engine

	r.logger.Info().
		Str("key", key.String()).
		Int("betting", durations.Betting).
		Int("drawing", durations.Drawing).
		Int("settling", durations.Settling).
		Uint64("round_id", engine.Snapshot().RoundID).
		Msg("Engine registered")
	return engine, nil
}

// Get retrieves an engine by key.
func (r *Registry) Get(key Key) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[key]
	return engine, ok
}

// List returns every engine ordered by room, then variant.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engines := make([]*Engine, 0, len(r.engines))
	for _, engine := range r.engines {
		engines = append(engines, engine)
	}
	sortEngines(engines)
	return engines
}

// Room returns the engines running in room.
func (r *Registry) Room(room string) []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var engines []*Engine
	for key, engine := range r.engines {
		if key.Room == room {
			engines = append(engines, engine)
		}
	}
	sortEngines(engines)
	return engines
}

// ShutdownAll voids every engine, refunding rounds that have not settled,
// waits for their journal writes and returns the resulting events.
func (r *Registry) ShutdownAll(ctx context.Context) []Event {
	var events []Event
	for _, engine := range r.List() {
		events = append(events, engine.Void(ctx, "shutdown")...)
		if err := engine.Sync(ctx); err != nil {
			r.logger.Warn().Err(err).Str("key", engine.Key().String()).Msg("Journal writes still queued at shutdown")
		}
	}
	return events
}

func sortEngines(engines []*Engine) {
	sort.Slice(engines, func(i, j int) bool {
		a, b := engines[i].Key(), engines[j].Key()
		if a.Room != b.Room {
			return a.Room < b.Room
		}
		return a.Variant < b.Variant
	})
}
