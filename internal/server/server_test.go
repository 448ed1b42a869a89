package server

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/round"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestWebSocketRequiresParticipant(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinRoomSendsCurrentState(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")

	joined := client.join("main")
	assert.Equal(t, "main", joined.Room)
	assert.Equal(t, "alice", joined.ParticipantID)
	assert.NotEmpty(t, joined.ConnectionID)
	assert.Equal(t, int64(1000), joined.Balance)
	require.Len(t, joined.Games, 2)

	update := eventPayload[round.PhaseUpdate](t, client.next(MessageType(round.EventPhaseUpdate)))
	assert.Equal(t, round.PhaseBetting, update.Phase)
	assert.Equal(t, uint64(1), update.RoundID)

	history := client.next(MessageTypeHistory)
	var data HistoryData
	require.NoError(t, json.Unmarshal(history.Data, &data))
	assert.Equal(t, "main", data.Room)
	assert.Empty(t, data.History)

	waitFor(t, func() bool { return env.server.Members("main") == 1 })
}

func TestJoinUnknownRoom(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")

	client.send(MessageTypeJoinRoom, JoinRoomData{Room: "nowhere"})
	msg := client.next(MessageTypeError)

	var data ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "room_not_found", data.Code)
}

func TestBetBeforeJoin(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")

	client.send(MessageTypePlaceBet, PlaceBetData{Variant: "color", Stake: 10, Color: "red"})
	msg := client.next(MessageTypeError)

	var data ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "not_in_room", data.Code)
}

func TestPlaceAndUndoBet(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")
	client.join("main")

	client.send(MessageTypePlaceBet, PlaceBetData{Variant: "color", Stake: 100, Color: "red"})
	accepted := eventPayload[round.BetAccepted](t, client.next(MessageType(round.EventBetAccepted)))
	assert.Equal(t, int64(100), accepted.Stake)
	assert.Equal(t, int64(900), accepted.Balance)
	assert.Equal(t, uint64(1), accepted.RoundID)

	engine, ok := env.registry.Get(round.Key{Room: "main", Variant: game.NameColorGame})
	require.True(t, ok)
	assert.Equal(t, 1, engine.Snapshot().Bets)

	client.send(MessageTypeUndoBet, VariantData{Variant: "color"})
	undone := eventPayload[round.Refund](t, client.next(MessageType(round.EventBetUndone)))
	assert.Equal(t, int64(100), undone.Refunded)
	assert.Equal(t, int64(1000), undone.Balance)
	assert.False(t, undone.Pending)
	assert.Equal(t, 0, engine.Snapshot().Bets)
}

func TestClearBets(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=bob")
	client.join("main")

	for _, numbers := range [][]int{{7}, {1, 2}} {
		client.send(MessageTypePlaceBet, PlaceBetData{Variant: "roulette", Stake: 50, Numbers: numbers})
		client.next(MessageType(round.EventBetAccepted))
	}

	client.send(MessageTypeClearBets, VariantData{Variant: "roulette"})
	cleared := eventPayload[round.Refund](t, client.next(MessageType(round.EventBetsCleared)))
	assert.Equal(t, int64(100), cleared.Refunded)
	assert.Equal(t, int64(1000), cleared.Balance)

	balance, err := env.accounts.Balance(t.Context(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestRejectedBets(t *testing.T) {
	tests := []struct {
		name   string
		bet    PlaceBetData
		reason round.Reason
	}{
		{"zero stake", PlaceBetData{Variant: "color", Stake: 0, Color: "red"}, round.ReasonInvalidStake},
		{"unknown color", PlaceBetData{Variant: "color", Stake: 10, Color: "purple"}, round.ReasonInvalidSelection},
		{"pocket out of range", PlaceBetData{Variant: "roulette", Stake: 10, Numbers: []int{40}}, round.ReasonInvalidSelection},
		{"unsupported coverage", PlaceBetData{Variant: "roulette", Stake: 10, Numbers: []int{1, 2, 3, 4, 5}}, round.ReasonInvalidSelection},
		{"more than the balance", PlaceBetData{Variant: "color", Stake: 5000, Color: "red"}, round.ReasonInsufficientFunds},
	}

	env := newTestEnv(t, "")
	client := env.dial(t, "participant=carol")
	client.join("main")

	for _, tt := range tests {
		client.send(MessageTypePlaceBet, tt.bet)
		rejected := eventPayload[round.BetRejected](t, client.next(MessageType(round.EventBetRejected)))
		assert.Equal(t, tt.reason, rejected.Reason, tt.name)
	}

	balance, err := env.accounts.Balance(t.Context(), "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestDispatchRoutesEvents(t *testing.T) {
	env := newTestEnv(t, "")
	alice := env.dial(t, "participant=alice")
	joined := alice.join("main")

	env.server.Dispatch([]round.Event{
		{Type: round.EventRoundReset, Room: "main", Variant: game.NameRoulette, Payload: round.RoundReset{RoundID: 9}},
		{Type: round.EventBalanceUpdate, To: joined.ConnectionID, Payload: round.BalanceUpdate{Balance: 42}},
	})

	reset := eventPayload[round.RoundReset](t, alice.next(MessageType(round.EventRoundReset)))
	assert.Equal(t, uint64(9), reset.RoundID)

	update := eventPayload[round.BalanceUpdate](t, alice.next(MessageType(round.EventBalanceUpdate)))
	assert.Equal(t, int64(42), update.Balance)
}

func TestLeaveRoomStopsBroadcasts(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")
	client.join("main")

	client.send(MessageTypeLeaveRoom, struct{}{})
	client.next(MessageTypeRoomLeft)
	assert.Equal(t, 0, env.server.Members("main"))
}

func TestNotifyCredit(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")
	joined := client.join("main")

	env.server.NotifyCredit(journal.PendingCredit{
		Ref:           "settle:main/color:1:alice",
		ParticipantID: "alice",
		ConnectionID:  joined.ConnectionID,
		Amount:        30,
	}, 1030)

	update := eventPayload[round.BalanceUpdate](t, client.next(MessageType(round.EventBalanceUpdate)))
	assert.Equal(t, int64(1030), update.Balance)

	// Credits without a connection and events for departed connections are
	// dropped quietly.
	env.server.NotifyCredit(journal.PendingCredit{ParticipantID: "alice"}, 1)
	env.server.Send("gone", round.Event{Type: round.EventBalanceUpdate, To: "gone"})
}

func TestDisconnectKeepsBets(t *testing.T) {
	env := newTestEnv(t, "")
	client := env.dial(t, "participant=alice")
	client.join("main")

	client.send(MessageTypePlaceBet, PlaceBetData{Variant: "color", Stake: 20, Color: "blue"})
	client.next(MessageType(round.EventBetAccepted))

	require.NoError(t, client.conn.Close())
	waitFor(t, func() bool { return env.server.ConnectionCount() == 0 })

	engine, _ := env.registry.Get(round.Key{Room: "main", Variant: game.NameColorGame})
	assert.Equal(t, 1, engine.Snapshot().Bets)
}

func TestRoomsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.http.URL + "/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Rooms []RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "main", body.Rooms[0].Name)
	require.Len(t, body.Rooms[0].Games, 2)
	assert.Equal(t, game.NameColorGame, body.Rooms[0].Games[0].Key.Variant)
	assert.Equal(t, game.NameRoulette, body.Rooms[0].Games[1].Key.Variant)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.http.URL + "/rooms/main/roulette/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data HistoryData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, game.NameRoulette, data.Variant)

	missing, err := http.Get(env.http.URL + "/rooms/main/baccarat/history")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestBalanceEndpointWithToken(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	resp, err := http.Get(env.http.URL + "/balance")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := NewAuthenticator("s3cret").Issue("dave", time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/balance", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body BalanceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "dave", body.ParticipantID)
	assert.Equal(t, int64(1000), body.Balance)
}

func TestWebSocketAcceptsTokenQuery(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	token, err := NewAuthenticator("s3cret").Issue("erin", time.Minute)
	require.NoError(t, err)

	client := env.dial(t, "token="+token)
	joined := client.join("main")
	assert.Equal(t, "erin", joined.ParticipantID)
}
