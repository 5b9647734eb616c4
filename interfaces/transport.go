package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/signaling"
)

// SignalingTransport carries signaling messages to and from the relay.
// Delivery is ordered and reliable per session; duplicates are possible.
type SignalingTransport interface {
	// Connect dials the signaling endpoint
	Connect(ctx context.Context, url string) error

	// Disconnect closes the connection; the Messages channel is closed afterwards
	Disconnect() error

	// Send transmits one message, honouring ctx for the write deadline
	Send(ctx context.Context, msg signaling.Message) error

	// Messages returns the inbound stream in arrival order
	Messages() <-chan signaling.Message
}

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an opaque offer or answer.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is an opaque connectivity candidate.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// ConnectionState is the peer transport's own view of its connectivity.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

// String returns the lower-case state name.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DataChannel is a bidirectional message channel on the peer transport.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
}

// PeerTransport is the media transport the session manager drives.
// Its negotiation internals are opaque to callers.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(ctx context.Context, candidate ICECandidate) error
	CreateDataChannel(label string) (DataChannel, error)

	// ConnectionStates reports every connectivity change; closed by Close
	ConnectionStates() <-chan ConnectionState

	// LocalCandidates yields gathered local candidates; closed by Close
	LocalCandidates() <-chan ICECandidate

	Close() error
}

// QualityTarget accepts the preset the adaptive controller selected.
// Peer transports that encode video implement it.
type QualityTarget interface {
	ApplyPreset(preset av.QualityPreset) error
}

// ICEServer describes one STUN or TURN server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// PeerConfig holds configuration for peer transport implementations.
type PeerConfig struct {
	// ICEServers lists STUN/TURN servers; empty means host candidates only
	ICEServers []ICEServer

	// GatherTimeout bounds how long offer/answer creation waits
	GatherTimeout time.Duration

	// EnableStats turns on stats-based network sampling
	EnableStats bool
}

var (
	// ErrInvalidICEServer indicates an ICE server entry with no usable URL.
	ErrInvalidICEServer = errors.New("invalid ICE server")

	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

// Validate checks the configuration values.
func (c *PeerConfig) Validate() error {
	if c.GatherTimeout <= 0 {
		return fmt.Errorf("%w: gather timeout %v", ErrInvalidTimeout, c.GatherTimeout)
	}
	for i, server := range c.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("%w: entry %d has no urls", ErrInvalidICEServer, i)
		}
		for _, url := range server.URLs {
			if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
				return fmt.Errorf("%w: %q is not a stun/turn url", ErrInvalidICEServer, url)
			}
		}
	}
	return nil
}
