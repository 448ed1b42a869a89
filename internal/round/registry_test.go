package round

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, h *harness, last map[string]uint64) *Registry {
	t.Helper()
	seed := int64(0)
	return NewRegistry(Deps{
		Accounts:     h.accounts,
		Journal:      h.journal,
		Settler:      h.settler,
		Payer:        h.payer,
		LastRoundIDs: last,
		NewRand: func() *rand.Rand {
			seed++
			return randutil.New(seed)
		},
		Logger: testLogger(),
	})
}

func TestRegistryCreateAndList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := newTestRegistry(t, h, map[string]uint64{"vip/roulette": 9})

	keys := []Key{
		{Room: "vip", Variant: game.NameRoulette},
		{Room: "main", Variant: game.NameRoulette},
		{Room: "main", Variant: game.NameColorGame},
	}
	for _, key := range keys {
		v, err := game.New(key.Variant, game.EuropeanPockets)
		require.NoError(t, err)
		_, err = r.Create(key, v, DefaultDurations(key.Variant))
		require.NoError(t, err)
	}

	_, err := r.Create(keys[0], game.NewRoulette(game.EuropeanPockets), DefaultDurations(game.NameRoulette))
	assert.ErrorIs(t, err, ErrEngineExists)

	var listed []Key
	for _, e := range r.List() {
		listed = append(listed, e.Key())
	}
	assert.Equal(t, []Key{keys[2], keys[1], keys[0]}, listed)
	assert.Len(t, r.Room("main"), 2)
	assert.Empty(t, r.Room("lobby"))

	vip, ok := r.Get(keys[0])
	require.True(t, ok)
	assert.Equal(t, uint64(10), vip.Snapshot().RoundID)

	_, ok = r.Get(Key{Room: "nope", Variant: game.NameRoulette})
	assert.False(t, ok)
}

func TestRegistryShutdownAllRefunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := newTestRegistry(t, h, nil)
	ctx := context.Background()

	color, err := r.Create(Key{Room: "main", Variant: game.NameColorGame}, game.NewColorGame(), DefaultDurations(game.NameColorGame))
	require.NoError(t, err)
	wheel, err := r.Create(Key{Room: "main", Variant: game.NameRoulette}, game.NewRoulette(game.EuropeanPockets), DefaultDurations(game.NameRoulette))
	require.NoError(t, err)

	res, _ := color.PlaceBet(ctx, redBet("c1", "alice", 100))
	require.True(t, res.Accepted)
	res, _ = wheel.PlaceBet(ctx, BetRequest{ConnectionID: "c1", ParticipantID: "alice", Stake: 50, Selection: game.Selection{Numbers: []int{7, 8}}})
	require.True(t, res.Accepted)
	require.Equal(t, int64(850), h.balance(t, "alice"))

	events := r.ShutdownAll(ctx)
	assert.Len(t, events, 4)
	assert.Equal(t, int64(startingBalance), h.balance(t, "alice"))
	assert.Nil(t, r.ShutdownAll(ctx))
}
