package signaling

import (
	"time"

	"github.com/opd-ai/remoteassist/av"
)

// Type is the wire tag of a signaling message.
type Type string

// Wire tags. These strings are part of the compatibility surface with
// existing peers and must not change.
const (
	TypeConnectionRequest  Type = "connection_request"
	TypeConnectionResponse Type = "connection_response"
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeIceCandidate       Type = "ice_candidate"
	TypeSessionEnd         Type = "session_end"
	TypeHeartbeat          Type = "heartbeat"
	TypeQualityAdjustment  Type = "quality_adjustment"
)

// EndReason explains why a session was ended.
type EndReason string

const (
	EndUserInitiated     EndReason = "user_initiated"
	EndTimeout           EndReason = "timeout"
	EndNegotiationFailed EndReason = "negotiation_failed"
	EndConnectionLost    EndReason = "connection_lost"
	EndRejected          EndReason = "rejected"
)

// Valid reports whether r is one of the known end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndUserInitiated, EndTimeout, EndNegotiationFailed, EndConnectionLost, EndRejected:
		return true
	}
	return false
}

// Header carries the fields shared by every message.
type Header struct {
	SessionID string
	Timestamp int64 // milliseconds since the Unix epoch
}

// NewHeader stamps a header for sessionID with the current time.
func NewHeader(sessionID string) Header {
	return Header{SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

// Envelope returns the shared header.
func (h Header) Envelope() Header { return h }

// Time converts the millisecond timestamp to a time.Time.
func (h Header) Time() time.Time { return time.UnixMilli(h.Timestamp) }

func (Header) sealed() {}

// Message is implemented by the eight signaling variants only.
// Consumers switch over the concrete types.
type Message interface {
	Type() Type
	Envelope() Header
	sealed()
}

// ConnectionRequest asks a device to accept a remote-assistance session.
type ConnectionRequest struct {
	Header
	FromDeviceID string
	ToDeviceID   string
	DeviceName   string
}

// ConnectionResponse answers a ConnectionRequest.
type ConnectionResponse struct {
	Header
	Accepted bool
	Reason   string
}

// Offer carries the initiator's session description.
type Offer struct {
	Header
	SDP string
}

// Answer carries the responder's session description.
type Answer struct {
	Header
	SDP string
}

// IceCandidate carries one connectivity candidate.
type IceCandidate struct {
	Header
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// SessionEnd tells the remote side the session is over.
type SessionEnd struct {
	Header
	Reason EndReason
}

// Heartbeat proves liveness. Sequence increases monotonically from 0.
type Heartbeat struct {
	Header
	Sequence uint64
}

// QualityAdjustment announces a new video operating point.
type QualityAdjustment struct {
	Header
	Width     int
	Height    int
	FrameRate int
	Bitrate   int
	Codec     string
	Reason    string
}

func (ConnectionRequest) Type() Type  { return TypeConnectionRequest }
func (ConnectionResponse) Type() Type { return TypeConnectionResponse }
func (Offer) Type() Type              { return TypeOffer }
func (Answer) Type() Type             { return TypeAnswer }
func (IceCandidate) Type() Type       { return TypeIceCandidate }
func (SessionEnd) Type() Type         { return TypeSessionEnd }
func (Heartbeat) Type() Type          { return TypeHeartbeat }
func (QualityAdjustment) Type() Type  { return TypeQualityAdjustment }

// NewQualityAdjustment builds an announcement for preset.
func NewQualityAdjustment(h Header, preset av.QualityPreset, reason string) QualityAdjustment {
	return QualityAdjustment{
		Header:    h,
		Width:     preset.Width,
		Height:    preset.Height,
		FrameRate: preset.FrameRate,
		Bitrate:   preset.Bitrate,
		Codec:     string(preset.Codec),
		Reason:    reason,
	}
}

// Preset converts the announcement back to an unnamed preset.
func (q QualityAdjustment) Preset() av.QualityPreset {
	return av.QualityPreset{
		Width:     q.Width,
		Height:    q.Height,
		FrameRate: q.FrameRate,
		Bitrate:   q.Bitrate,
		Codec:     av.Codec(q.Codec),
	}
}
