package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lox/pitboss/internal/account"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/journal"
	"github.com/lox/pitboss/internal/round"
	"github.com/rs/zerolog"
)

// Options tunes the HTTP and WebSocket surface.
type Options struct {
	// SendBuffer is each connection's outbound queue length.
	SendBuffer int
	// CheckOrigin overrides the upgrader's origin check. Nil allows all
	// origins.
	CheckOrigin func(r *http.Request) bool
}

// Server is the room broadcaster and request surface: it accepts WebSocket
// connections, routes their bets to round engines and delivers the engines'
// events.
type Server struct {
	registry *round.Registry
	accounts account.Store
	auth     *Authenticator
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine
	buffer   int

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewServer creates a new server
func NewServer(registry *round.Registry, accounts account.Store, auth *Authenticator, logger zerolog.Logger, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	s := &Server{
		registry: registry,
		accounts: accounts,
		auth:     auth,
		logger:   logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		buffer:      opts.SendBuffer,
		connections: make(map[string]*Connection),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	router.GET("/rooms", s.handleRooms)
	router.GET("/rooms/:room/:variant/history", s.handleHistory)
	router.GET("/balance", s.handleBalance)
	return router
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// handleWebSocket resolves the participant and upgrades the request
func (s *Server) handleWebSocket(c *gin.Context) {
	participantID, err := s.auth.Participant(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorData{Code: "unauthorized", Message: err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	conn := NewConnection(uuid.NewString(), participantID, ws, s, s.buffer)
	s.register(conn)
	conn.Start()

	go func() {
		<-conn.Done()
		s.unregister(conn)
	}()
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn.ID()] = conn
	total := len(s.connections)
	s.mu.Unlock()

	s.logger.Info().
		Str("conn_id", conn.ID()).
		Str("participant", conn.ParticipantID()).
		Int("total", total).
		Msg("Client connected")
}

// unregister drops a connection. Its bets stay in play: they belong to the
// participant, and payouts are credited whether or not anyone is listening.
func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.ID())
	total := len(s.connections)
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Info().
		Str("conn_id", conn.ID()).
		Str("participant", conn.ParticipantID()).
		Int("total", total).
		Msg("Client disconnected")
}

// Close closes every connection
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Publish sends an event to every connection in room
func (s *Server) Publish(room string, ev round.Event) {
	msg, err := EventMessage(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type.String()).Msg("Failed to encode event")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, conn := range s.connections {
		if conn.Room() != room {
			continue
		}
		if err := conn.SendMessage(msg); err == nil {
			count++
		}
	}
	s.logger.Trace().Str("room", room).Str("type", ev.Type.String()).Int("recipients", count).Msg("Broadcast event")
}

// Send sends an event to a single connection. Events for connections that
// have gone away are dropped.
func (s *Server) Send(connectionID string, ev round.Event) {
	s.mu.RLock()
	conn, ok := s.connections[connectionID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug().Str("conn_id", connectionID).Str("type", ev.Type.String()).Msg("Dropping event for departed connection")
		return
	}

	msg, err := EventMessage(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type.String()).Msg("Failed to encode event")
		return
	}
	_ = conn.SendMessage(msg)
}

// Dispatch routes events to rooms or single connections, in order
func (s *Server) Dispatch(events []round.Event) {
	for _, ev := range events {
		if ev.Direct() {
			s.Send(ev.To, ev)
			continue
		}
		s.Publish(ev.Room, ev)
	}
}

// NotifyCredit tells a connection about a credit the payer landed after the
// fact. It is installed as the settlement payer's notifier.
func (s *Server) NotifyCredit(credit journal.PendingCredit, balance int64) {
	if credit.ConnectionID == "" {
		return
	}
	s.Send(credit.ConnectionID, round.Event{
		Type:    round.EventBalanceUpdate,
		To:      credit.ConnectionID,
		Payload: round.BalanceUpdate{Balance: balance},
	})
}

// Members counts the connections in room
func (s *Server) Members(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, conn := range s.connections {
		if conn.Room() == room {
			n++
		}
	}
	return n
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleRooms(c *gin.Context) {
	var rooms []RoomSummary
	index := make(map[string]int)
	for _, engine := range s.registry.List() {
		room := engine.Key().Room
		i, ok := index[room]
		if !ok {
			i = len(rooms)
			index[room] = i
			rooms = append(rooms, RoomSummary{Name: room, Members: s.Members(room)})
		}
		rooms[i].Games = append(rooms[i].Games, engine.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) handleHistory(c *gin.Context) {
	key := round.Key{Room: c.Param("room"), Variant: game.Name(c.Param("variant"))}
	engine, ok := s.registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorData{Code: "game_not_found", Message: "No game " + key.String()})
		return
	}
	c.JSON(http.StatusOK, HistoryData{
		Room:    key.Room,
		Variant: key.Variant,
		History: engine.History(),
	})
}

func (s *Server) handleBalance(c *gin.Context) {
	participantID, err := s.auth.Participant(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorData{Code: "unauthorized", Message: err.Error()})
		return
	}

	balance, err := s.accounts.Balance(c.Request.Context(), participantID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, account.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorData{Code: "account_unavailable", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{ParticipantID: participantID, Balance: balance})
}
