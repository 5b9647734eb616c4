package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrOutOfRange indicates a ladder index outside [0, Len-1].
	ErrOutOfRange = errors.New("ladder index out of range")

	// ErrEmptyLadder indicates a ladder was built with no presets.
	ErrEmptyLadder = errors.New("quality ladder has no presets")

	// ErrLadderOrder indicates presets are not ordered from best to worst.
	ErrLadderOrder = errors.New("quality ladder must be ordered from highest to lowest bitrate")

	// ErrInvalidSample indicates a network sample with impossible values.
	ErrInvalidSample = errors.New("invalid network sample")

	// ErrPresetNotFound indicates no preset matches a requested name.
	ErrPresetNotFound = errors.New("quality preset not found")
)
