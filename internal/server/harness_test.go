package server

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/randutil"
	"github.com/lox/pitboss/internal/round"
	"github.com/lox/pitboss/internal/settlement"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testLogger creates a logger that discards output for tests
func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

type testEnv struct {
	accounts *account.MemoryStore
	registry *round.Registry
	server   *Server
	http     *httptest.Server
}

// newTestEnv runs a server with one room, "main", whose betting windows are
// long enough that tests drive the clock by hand.
func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	accounts := account.NewMemoryStore(account.DefaultStartingBalance)
	j := journal.NewMemoryJournal()
	payer := settlement.NewPayer(accounts, j, quartz.NewReal(), testLogger(), settlement.DefaultPayerConfig())
	registry := round.NewRegistry(round.Deps{
		Accounts: accounts,
		Journal:  j,
		Settler:  settlement.NewSettler(j, payer, 0, testLogger()),
		Payer:    payer,
		NewRand:  func() *rand.Rand { return randutil.New(5) },
		Logger:   testLogger(),
	})

	long := round.Durations{Betting: 600, Locked: 1, Drawing: 1, Settling: 1}
	_, err := registry.Create(round.Key{Room: "main", Variant: game.NameColorGame}, game.NewColorGame(), long)
	require.NoError(t, err)
	_, err = registry.Create(round.Key{Room: "main", Variant: game.NameRoulette}, game.NewRoulette(game.EuropeanPockets), long)
	require.NoError(t, err)

	srv := NewServer(registry, accounts, NewAuthenticator(secret), testLogger(), Options{})
	payer.SetNotifier(srv.NotifyCredit)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	return &testEnv{accounts: accounts, registry: registry, server: srv, http: hs}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?" + query
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, query string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(messageType MessageType, data any) {
	c.t.Helper()
	msg, err := NewMessage(messageType, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// next reads messages until one of the given type arrives.
func (c *testClient) next(messageType MessageType) *Message {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(c.t, c.conn.ReadJSON(&msg), "waiting for %s", messageType)
		if msg.Type == messageType {
			return &msg
		}
	}
}

// eventPayload decodes the payload of an event message.
func eventPayload[T any](t *testing.T, msg *Message) T {
	t.Helper()
	var envelope struct {
		Room    string    `json:"room"`
		Variant game.Name `json:"variant"`
		Payload T         `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &envelope))
	return envelope.Payload
}

func (c *testClient) join(room string) RoomJoinedData {
	c.t.Helper()
	c.send(MessageTypeJoinRoom, JoinRoomData{Room: room})
	msg := c.next(MessageTypeRoomJoined)
	var data RoomJoinedData
	require.NoError(c.t, json.Unmarshal(msg.Data, &data))
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
