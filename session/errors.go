package session

import "errors"

// Sentinel errors for session operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrAlreadyActive indicates a second concurrent session was requested.
	ErrAlreadyActive = errors.New("a session is already active")

	// ErrNegotiationFailed indicates a peer transport call failed during offer/answer exchange.
	ErrNegotiationFailed = errors.New("session negotiation failed")

	// ErrTimeout indicates liveness was lost or the negotiation deadline passed.
	ErrTimeout = errors.New("session timed out")

	// ErrConnectionLost indicates the peer transport reported a failed connection.
	ErrConnectionLost = errors.New("peer connection lost")

	// ErrRejected indicates the remote device declined the connection request.
	ErrRejected = errors.New("connection request rejected")

	// ErrNoSession indicates an operation that needs a live session found none.
	ErrNoSession = errors.New("no live session")

	// ErrInvalidTransition indicates a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrNotRunning indicates the manager was not started or was stopped.
	ErrNotRunning = errors.New("session manager is not running")

	// ErrInvalidSessionID indicates an empty or oversize session id.
	ErrInvalidSessionID = errors.New("invalid session id")
)
