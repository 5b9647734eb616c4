// Package signaling models the messages exchanged to negotiate a
// remote-assistance session and their JSON wire format.
//
// Eight variants exist: ConnectionRequest, ConnectionResponse, Offer, Answer,
// IceCandidate, SessionEnd, Heartbeat and QualityAdjustment. Each embeds a
// Header carrying the session id and a millisecond timestamp. Message is
// sealed, so a type switch over the eight variants is exhaustive:
//
//	msg, err := signaling.Unmarshal(frame)
//	if errors.Is(err, signaling.ErrValidation) {
//	    // drop the frame
//	}
//	switch m := msg.(type) {
//	case signaling.Offer:
//	    handleOffer(m.SDP)
//	case signaling.Heartbeat:
//	    touch(m.Sequence)
//	}
//
// On the wire every message is a JSON object with type, sessionId,
// timestamp and a variant-specific payload object. The type tags and
// payload field names are stable.
package signaling
