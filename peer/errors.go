package peer

import "errors"

var (
	// ErrClosed indicates the connection was closed.
	ErrClosed = errors.New("peer connection closed")

	// ErrNoStats indicates no selected candidate pair has reported statistics yet.
	ErrNoStats = errors.New("no transport statistics available")

	// ErrStatsDisabled indicates sampling was turned off in the configuration.
	ErrStatsDisabled = errors.New("statistics sampling disabled")
)
