package chat

import "time"

type EventType string

const (
	EventJoin  EventType = "JOIN"
	EventLeave EventType = "LEAVE"
	EventText  EventType = "TEXT"
	// EventError is only ever sent by the server, back to the connection
	// whose event could not be handled.
	EventError EventType = "ERROR"
)

// Event is the single message type on the Chat stream in both directions.
// From and Timestamp are always filled in by the hub; whatever the client
// put there is discarded.
type Event struct {
	Room      string    `json:"room"`
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}
