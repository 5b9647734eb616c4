// Package limits provides centralized size constants and validation functions
// for signaling traffic. Every component that reads signaling frames from the
// network (the websocket transport, the relay hub, the wire codec) validates
// against these limits so an oversized or hostile frame is rejected in one
// consistent way.
//
// # Size Hierarchy
//
//   - MaxSignalingFrame (64 KiB): the largest encoded signaling message accepted
//     from a websocket. Session descriptions dominate the size budget.
//
//   - MaxDescriptionLength (48 KiB): the largest SDP-equivalent description
//     carried by an offer or answer.
//
//   - MaxCandidateLength (1 KiB): the largest ICE candidate line.
//
//   - MaxIdentifierLength (128 bytes): session ids, device ids, and sdpMid values.
//
// # Validation Functions
//
//	if err := limits.ValidateFrame(frame); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom limits use ValidateMessageSize, and ValidateField for string fields
// that may legitimately be empty. ValidateField also rejects strings that are
// not valid UTF-8 with ErrInvalidEncoding, because JSON encoding would replace
// the invalid bytes and the decoded value would no longer match.
package limits
