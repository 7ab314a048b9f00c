package chat

import "errors"

var (
	ErrNotAMember             = errors.New("not_a_member")
	ErrPayloadInvalid         = errors.New("payload_invalid")
	ErrPayloadTooLarge        = errors.New("payload_too_large")
	ErrQueueFull              = errors.New("queue_full")
	ErrNotActive              = errors.New("connection_not_active")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
)
