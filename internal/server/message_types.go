package server

// Note: round events (phase_update, draw_result, ...) are defined in
// internal/round/event.go and are sent as messages of the same type

// MessageType represents a WebSocket message type with type safety
type MessageType string

// WebSocket message type constants
const (
	// Client to server messages
	MessageTypeJoinRoom   MessageType = "join_room"
	MessageTypeLeaveRoom  MessageType = "leave_room"
	MessageTypePlaceBet   MessageType = "place_bet"
	MessageTypeUndoBet    MessageType = "undo_bet"
	MessageTypeClearBets  MessageType = "clear_bets"
	MessageTypeGetBalance MessageType = "get_balance"

	// Server to client messages
	MessageTypeError      MessageType = "error"
	MessageTypeRoomJoined MessageType = "room_joined"
	MessageTypeRoomLeft   MessageType = "room_left"
	MessageTypeHistory    MessageType = "history"
)

// String returns the string representation of the message type
func (mt MessageType) String() string {
	return string(mt)
}
