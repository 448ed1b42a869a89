package server

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lox/pitboss/internal/game"
	"github.com/lox/pitboss/internal/round"
)

// Message represents the base WebSocket message structure
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(messageType MessageType, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: time.Now(),
	}, nil
}

// EventMessage wraps a round event; the message type is the event type.
func EventMessage(ev round.Event) (*Message, error) {
	return NewMessage(MessageType(ev.Type), ev)
}

var validate = validator.New()

// Client → Server Messages

type JoinRoomData struct {
	Room string `json:"room" validate:"required,max=64"`
}

// VariantData selects one of the joined room's games.
type VariantData struct {
	Variant string `json:"variant" validate:"required,oneof=color roulette"`
}

// PlaceBetData is a wager. Color game bets set Color, roulette bets set
// Numbers; stake and coverage rules are the engine's to enforce.
type PlaceBetData struct {
	Variant string `json:"variant" validate:"required,oneof=color roulette"`
	Stake   int64  `json:"stake"`
	Color   string `json:"color,omitempty" validate:"omitempty,max=16"`
	Numbers []int  `json:"numbers,omitempty" validate:"omitempty,max=18,dive,min=0,max=37"`
}

// Selection converts the wire selection.
func (d PlaceBetData) Selection() game.Selection {
	return game.Selection{Color: game.Color(d.Color), Numbers: d.Numbers}
}

// Server → Client Messages

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomJoinedData struct {
	Room          string        `json:"room"`
	ParticipantID string        `json:"participantId"`
	ConnectionID  string        `json:"connectionId"`
	Balance       int64         `json:"balance"`
	Games         []round.State `json:"games"`
}

type RoomLeftData struct {
	Room string `json:"room"`
}

type HistoryData struct {
	Room    string         `json:"room"`
	Variant game.Name      `json:"variant"`
	History []game.Outcome `json:"history"`
}

// HTTP responses

type RoomSummary struct {
	Name    string        `json:"name"`
	Members int           `json:"members"`
	Games   []round.State `json:"games"`
}

type BalanceResponse struct {
	ParticipantID string `json:"participantId"`
	Balance       int64  `json:"balance"`
}
