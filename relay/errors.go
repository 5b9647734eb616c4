package relay

import "errors"

var (
	// ErrSessionNotFound indicates an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAccessDenied indicates a wrong access code or a caller that does not own the session.
	ErrAccessDenied = errors.New("access denied")

	// ErrRoomFull indicates both participants are already connected.
	ErrRoomFull = errors.New("session room is full")

	// ErrInvalidToken indicates a missing, malformed or expired device token.
	ErrInvalidToken = errors.New("invalid device token")
)
