package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/round"
	"github.com/rs/zerolog"
)

// Connection represents a WebSocket connection to a participant
type Connection struct {
	id            string
	participantID string
	conn          *websocket.Conn
	send          chan *Message
	server        *Server
	logger        zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.RWMutex
	room          string
	closeOnce     sync.Once
}

// NewConnection creates a new connection wrapper
func NewConnection(id, participantID string, conn *websocket.Conn, server *Server, bufferSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		id:            id,
		participantID: participantID,
		conn:          conn,
		send:          make(chan *Message, bufferSize),
		server:        server,
		logger: server.logger.With().
			Str("component", "conn").
			Str("conn_id", id).
			Str("participant", participantID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the connection id used to address direct events
func (c *Connection) ID() string {
	return c.id
}

// ParticipantID returns the participant this connection acts for
func (c *Connection) ParticipantID() string {
	return c.participantID
}

// Start begins handling the connection
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Done is closed once the connection has shut down
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

// SendMessage queues a message without blocking. A connection that cannot
// keep up is closed rather than allowed to stall the sender.
func (c *Connection) SendMessage(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, expected during shutdown
			err = ErrConnectionClosed
		}
	}()

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn().Msg("Connection send buffer full, closing connection")
		_ = c.Close()
		return ErrConnectionClosed
	}
}

// SetRoom associates this connection with a room
func (c *Connection) SetRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

// Room returns the joined room, or "" when none
func (c *Connection) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var ErrConnectionClosed = errors.New("connection closed")

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug().Str("type", msg.Type.String()).Msg("Received message")

	switch msg.Type {
	case MessageTypeJoinRoom:
		var data JoinRoomData
		if !c.decode(msg, &data) {
			return
		}
		c.handleJoinRoom(data)

	case MessageTypeLeaveRoom:
		c.handleLeaveRoom()

	case MessageTypePlaceBet:
		var data PlaceBetData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse place_bet data")
			return
		}
		c.handlePlaceBet(data)

	case MessageTypeUndoBet, MessageTypeClearBets:
		var data VariantData
		if !c.decode(msg, &data) {
			return
		}
		c.handleRefund(msg.Type, data)

	case MessageTypeGetBalance:
		c.handleGetBalance()

	default:
		c.sendError("unknown_message_type", "Unknown message type: "+msg.Type.String())
	}
}

// decode parses and validates message data, replying with an error on
// failure.
func (c *Connection) decode(msg *Message, data any) bool {
	if err := json.Unmarshal(msg.Data, data); err != nil {
		c.sendError("invalid_message", "Failed to parse "+msg.Type.String()+" data")
		return false
	}
	if err := validate.Struct(data); err != nil {
		c.sendError("invalid_message", err.Error())
		return false
	}
	return true
}

// sendError sends an error message to the client
func (c *Connection) sendError(code, message string) {
	errorMsg, err := NewMessage(MessageTypeError, ErrorData{
		Code:    code,
		Message: message,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create error message")
		return
	}
	_ = c.SendMessage(errorMsg)
}

func (c *Connection) sendData(messageType MessageType, data any) {
	msg, err := NewMessage(messageType, data)
	if err != nil {
		c.logger.Error().Err(err).Str("type", messageType.String()).Msg("Failed to encode message")
		return
	}
	_ = c.SendMessage(msg)
}

func (c *Connection) handleJoinRoom(data JoinRoomData) {
	engines := c.server.registry.Room(data.Room)
	if len(engines) == 0 {
		c.sendError("room_not_found", "Unknown room: "+data.Room)
		return
	}

	c.SetRoom(data.Room)
	c.logger.Info().Str("room", data.Room).Msg("Joined room")

	balance, err := c.server.accounts.Balance(c.ctx, c.participantID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Balance lookup failed")
	}

	games := make([]round.State, 0, len(engines))
	for _, engine := range engines {
		games = append(games, engine.Snapshot())
	}
	c.sendData(MessageTypeRoomJoined, RoomJoinedData{
		Room:          data.Room,
		ParticipantID: c.participantID,
		ConnectionID:  c.id,
		Balance:       balance,
		Games:         games,
	})

	// Bring the client up to date so it never renders a blank table.
	for _, engine := range engines {
		c.sendEvent(engine.PhaseUpdate())
		c.sendData(MessageTypeHistory, HistoryData{
			Room:    data.Room,
			Variant: engine.Key().Variant,
			History: engine.History(),
		})
	}
}

func (c *Connection) handleLeaveRoom() {
	room := c.Room()
	if room == "" {
		c.sendError("not_in_room", "Not in a room")
		return
	}
	c.SetRoom("")
	c.sendData(MessageTypeRoomLeft, RoomLeftData{Room: room})
}

func (c *Connection) engine(variant string) (*round.Engine, bool) {
	room := c.Room()
	if room == "" {
		c.sendError("not_in_room", "Join a room first")
		return nil, false
	}
	engine, ok := c.server.registry.Get(round.Key{Room: room, Variant: game.Name(variant)})
	if !ok {
		c.sendError("game_not_found", "Room "+room+" does not run "+variant)
		return nil, false
	}
	return engine, true
}

func (c *Connection) handlePlaceBet(data PlaceBetData) {
	if err := validate.Struct(data); err != nil {
		// Malformed coverage is a rejected bet, not a protocol error.
		c.sendEvent(round.Event{
			Type:    round.EventBetRejected,
			Room:    c.Room(),
			Variant: game.Name(data.Variant),
			To:      c.id,
			Payload: round.BetRejected{Reason: round.ReasonInvalidSelection},
		})
		return
	}

	engine, ok := c.engine(data.Variant)
	if !ok {
		return
	}

	_, events := engine.PlaceBet(c.ctx, round.BetRequest{
		ConnectionID:  c.id,
		ParticipantID: c.participantID,
		Stake:         data.Stake,
		Selection:     data.Selection(),
	})
	c.server.Dispatch(events)
}

func (c *Connection) handleRefund(messageType MessageType, data VariantData) {
	engine, ok := c.engine(data.Variant)
	if !ok {
		return
	}

	var events []round.Event
	if messageType == MessageTypeUndoBet {
		_, events = engine.UndoLastBet(c.ctx, c.id)
	} else {
		_, events = engine.ClearBets(c.ctx, c.id)
	}
	c.server.Dispatch(events)
}

func (c *Connection) handleGetBalance() {
	balance, err := c.server.accounts.Balance(c.ctx, c.participantID)
	if err != nil {
		c.sendError("account_unavailable", "Balance is temporarily unavailable")
		return
	}
	c.sendEvent(round.Event{
		Type:    round.EventBalanceUpdate,
		Room:    c.Room(),
		To:      c.id,
		Payload: round.BalanceUpdate{Balance: balance},
	})
}

func (c *Connection) sendEvent(ev round.Event) {
	msg, err := EventMessage(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("type", ev.Type.String()).Msg("Failed to encode event")
		return
	}
	_ = c.SendMessage(msg)
}
