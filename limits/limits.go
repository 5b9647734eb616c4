// Package limits provides centralized size limits for signaling traffic.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxSignalingFrame is the largest encoded signaling message accepted from the network.
	MaxSignalingFrame = 64 * 1024

	// MaxDescriptionLength bounds an offer or answer description.
	MaxDescriptionLength = 48 * 1024

	// MaxCandidateLength bounds a single ICE candidate line.
	MaxCandidateLength = 1024

	// MaxIdentifierLength bounds session ids, device ids and sdpMid values.
	MaxIdentifierLength = 128

	// MaxReasonLength bounds free-form reason strings.
	MaxReasonLength = 256
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidEncoding indicates a string field that is not valid UTF-8
	ErrInvalidEncoding = errors.New("invalid utf-8")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFrame validates an encoded signaling frame against MaxSignalingFrame.
func ValidateFrame(frame []byte) error {
	if err := ValidateMessageSize(frame, MaxSignalingFrame); err != nil {
		return fmt.Errorf("signaling frame: %w", err)
	}
	return nil
}

// ValidateField checks an optional string field against maxLen and rejects
// values that are not valid UTF-8, since JSON encoding would rewrite them.
// Empty values are accepted; callers that require a value check for it themselves.
func ValidateField(name, value string, maxLen int) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s length %d exceeds limit %d", ErrMessageTooLarge, name, len(value), maxLen)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s", ErrInvalidEncoding, name)
	}
	return nil
}
