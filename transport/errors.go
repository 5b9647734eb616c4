package transport

import "errors"

// Sentinel errors for signaling transports.
var (
	// ErrNotConnected indicates Send was called before Connect succeeded.
	ErrNotConnected = errors.New("signaling transport not connected")

	// ErrAlreadyConnected indicates a second Connect on the same transport.
	ErrAlreadyConnected = errors.New("signaling transport already connected")

	// ErrClosed indicates the transport or its peer was disconnected.
	ErrClosed = errors.New("signaling transport closed")
)
