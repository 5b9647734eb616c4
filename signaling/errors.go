package signaling

import "errors"

// Sentinel errors for signaling encode and decode.
var (
	// ErrValidation indicates a malformed, unknown or oversize message.
	// Inbound messages failing with it are dropped by their receiver.
	ErrValidation = errors.New("invalid signaling message")

	// ErrUnknownType indicates a wire tag outside the eight known variants.
	ErrUnknownType = errors.New("unknown signaling message type")
)
