package chat

import (
	"encoding/json"
	"time"
)

// Identity is the stable user attached to a connection at handshake time.
// A user may hold several live connections (multi-device).
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is a room broadcast after sequence assignment. Immutable from
// that point on; Seq gives per-room total order, nothing is ordered
// across rooms.
type Message struct {
	RoomID  string          `json:"room_id"`
	Sender  Identity        `json:"sender"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Frame is one outbound unit handed to a connection's writer.
type Frame struct {
	Event string `json:"event"`
	Body  any    `json:"body,omitempty"`
}

// Outbound frame events.
const (
	EventMessage    = "rooms/message"
	EventHistory    = "rooms/history"
	EventDisconnect = "system/disconnect"
)

// DisconnectBody is the best-effort notice sent before the server closes
// a connection (slow consumer, idle timeout, shutdown).
type DisconnectBody struct {
	Reason string `json:"reason"`
}

// Close reasons used across the engine.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "shutdown"
	ReasonClientClose  = "client_close"
	ReasonTransport    = "transport_error"
)
