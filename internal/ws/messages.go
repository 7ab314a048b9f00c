package ws

import "encoding/json"

// Envelope wraps every inbound WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "rooms/send"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// JoinRequest is the body for "rooms/join".
type JoinRequest struct {
	RoomID string `json:"room_id"`
}

// LeaveRequest is the body for "rooms/leave".
type LeaveRequest struct {
	RoomID string `json:"room_id"`
}

// SendRequest is the body for "rooms/send".
type SendRequest struct {
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// Empty ACK body (useful for many handlers).
type AckBody struct{}

// SendAck confirms a dispatch and carries the assigned sequence number.
type SendAck struct {
	RoomID string `json:"room_id"`
	Seq    uint64 `json:"seq"`
}

// ErrorBody is returned for failures.
type ErrorBody struct {
	Error string `json:"error"`
}
