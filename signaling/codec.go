package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/remoteassist/limits"
	"github.com/sirupsen/logrus"
)

// Wire format:
//
//	{"type":"offer","sessionId":"s1","timestamp":1700000000000,"payload":{"sdp":"v=0..."}}
//
// The envelope is shared; the payload object depends on type.
type envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type connectionRequestPayload struct {
	FromDeviceID string `json:"fromDeviceId"`
	ToDeviceID   string `json:"toDeviceId,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
}

type connectionResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type descriptionPayload struct {
	SDP string `json:"sdp"`
}

type iceCandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type sessionEndPayload struct {
	Reason EndReason `json:"reason"`
}

type heartbeatPayload struct {
	Sequence uint64 `json:"sequence"`
}

type qualityAdjustmentPayload struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"frameRate"`
	Bitrate   int    `json:"bitrate"`
	Codec     string `json:"codec"`
	Reason    string `json:"reason,omitempty"`
}

// Marshal validates msg and encodes it in the envelope wire format.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrValidation)
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}

	var payload any
	switch m := msg.(type) {
	case ConnectionRequest:
		payload = connectionRequestPayload{FromDeviceID: m.FromDeviceID, ToDeviceID: m.ToDeviceID, DeviceName: m.DeviceName}
	case ConnectionResponse:
		payload = connectionResponsePayload{Accepted: m.Accepted, Reason: m.Reason}
	case Offer:
		payload = descriptionPayload{SDP: m.SDP}
	case Answer:
		payload = descriptionPayload{SDP: m.SDP}
	case IceCandidate:
		payload = iceCandidatePayload{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}
	case SessionEnd:
		payload = sessionEndPayload{Reason: m.Reason}
	case Heartbeat:
		payload = heartbeatPayload{Sequence: m.Sequence}
	case QualityAdjustment:
		payload = qualityAdjustmentPayload{
			Width: m.Width, Height: m.Height, FrameRate: m.FrameRate,
			Bitrate: m.Bitrate, Codec: m.Codec, Reason: m.Reason,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Type(), err)
	}

	h := msg.Envelope()
	data, err := json.Marshal(envelope{Type: msg.Type(), SessionID: h.SessionID, Timestamp: h.Timestamp, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msg.Type(), err)
	}
	if err := limits.ValidateFrame(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return data, nil
}

// Unmarshal decodes and validates one wire frame. Every failure wraps
// ErrValidation so receivers can drop the frame with a single check.
func Unmarshal(data []byte) (Message, error) {
	if err := limits.ValidateFrame(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %w", ErrValidation, err)
	}

	h := Header{SessionID: env.SessionID, Timestamp: env.Timestamp}
	msg, err := decodePayload(env.Type, h, env.Payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Unmarshal",
		"type":       env.Type,
		"session_id": env.SessionID,
	}).Trace("Decoded signaling message")

	return msg, nil
}

func decodePayload(t Type, h Header, raw json.RawMessage) (Message, error) {
	switch t {
	case TypeConnectionRequest:
		var p connectionRequestPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return ConnectionRequest{Header: h, FromDeviceID: p.FromDeviceID, ToDeviceID: p.ToDeviceID, DeviceName: p.DeviceName}, nil
	case TypeConnectionResponse:
		var p connectionResponsePayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return ConnectionResponse{Header: h, Accepted: p.Accepted, Reason: p.Reason}, nil
	case TypeOffer:
		var p descriptionPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return Offer{Header: h, SDP: p.SDP}, nil
	case TypeAnswer:
		var p descriptionPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return Answer{Header: h, SDP: p.SDP}, nil
	case TypeIceCandidate:
		var p iceCandidatePayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return IceCandidate{Header: h, Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}, nil
	case TypeSessionEnd:
		var p sessionEndPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return SessionEnd{Header: h, Reason: p.Reason}, nil
	case TypeHeartbeat:
		var p heartbeatPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return Heartbeat{Header: h, Sequence: p.Sequence}, nil
	case TypeQualityAdjustment:
		var p qualityAdjustmentPayload
		if err := decodeInto(t, raw, &p); err != nil {
			return nil, err
		}
		return QualityAdjustment{
			Header: h, Width: p.Width, Height: p.Height, FrameRate: p.FrameRate,
			Bitrate: p.Bitrate, Codec: p.Codec, Reason: p.Reason,
		}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownType, t)
	}
}

// decodeInto requires a JSON object payload.
func decodeInto(t Type, raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: %s: missing payload", ErrValidation, t)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrValidation, t, err)
	}
	return nil
}

// Validate checks the shared header and the variant's required fields and size limits.
func Validate(msg Message) error {
	h := msg.Envelope()
	if h.SessionID == "" {
		return fmt.Errorf("%w: %s: missing sessionId", ErrValidation, msg.Type())
	}
	if err := limits.ValidateField("sessionId", h.SessionID, limits.MaxIdentifierLength); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if h.Timestamp < 0 {
		return fmt.Errorf("%w: %s: negative timestamp %d", ErrValidation, msg.Type(), h.Timestamp)
	}

	var err error
	switch m := msg.(type) {
	case ConnectionRequest:
		err = validateConnectionRequest(m)
	case ConnectionResponse:
		err = limits.ValidateField("reason", m.Reason, limits.MaxReasonLength)
	case Offer:
		err = validateDescription(m.SDP)
	case Answer:
		err = validateDescription(m.SDP)
	case IceCandidate:
		err = validateCandidate(m)
	case SessionEnd:
		if !m.Reason.Valid() {
			err = fmt.Errorf("unknown end reason %q", m.Reason)
		}
	case Heartbeat:
	case QualityAdjustment:
		err = validateQualityAdjustment(m)
	default:
		err = ErrUnknownType
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrValidation, msg.Type(), err)
	}
	return nil
}

func validateConnectionRequest(m ConnectionRequest) error {
	if m.FromDeviceID == "" {
		return fmt.Errorf("missing fromDeviceId")
	}
	if err := limits.ValidateField("fromDeviceId", m.FromDeviceID, limits.MaxIdentifierLength); err != nil {
		return err
	}
	if err := limits.ValidateField("toDeviceId", m.ToDeviceID, limits.MaxIdentifierLength); err != nil {
		return err
	}
	return limits.ValidateField("deviceName", m.DeviceName, limits.MaxIdentifierLength)
}

func validateDescription(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("missing sdp")
	}
	return limits.ValidateField("sdp", sdp, limits.MaxDescriptionLength)
}

func validateCandidate(m IceCandidate) error {
	if m.Candidate == "" {
		return fmt.Errorf("missing candidate")
	}
	if err := limits.ValidateField("candidate", m.Candidate, limits.MaxCandidateLength); err != nil {
		return err
	}
	return limits.ValidateField("sdpMid", m.SDPMid, limits.MaxIdentifierLength)
}

func validateQualityAdjustment(m QualityAdjustment) error {
	if m.Width <= 0 || m.Height <= 0 || m.FrameRate <= 0 || m.Bitrate <= 0 {
		return fmt.Errorf("non-positive dimensions, frame rate or bitrate")
	}
	if m.Codec == "" {
		return fmt.Errorf("missing codec")
	}
	if err := limits.ValidateField("codec", m.Codec, limits.MaxIdentifierLength); err != nil {
		return err
	}
	return limits.ValidateField("reason", m.Reason, limits.MaxReasonLength)
}
