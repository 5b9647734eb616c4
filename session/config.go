package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/remoteassist/interfaces"
)

const (
	// DefaultHeartbeatInterval is the period between outbound heartbeats.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultHeartbeatTimeout is how long an Active session may go without inbound traffic.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultLivenessCheckInterval is how often liveness is evaluated.
	DefaultLivenessCheckInterval = time.Second

	// DefaultNegotiationTimeout bounds the time from creation to Active.
	DefaultNegotiationTimeout = 45 * time.Second

	// DefaultSendTimeout bounds a single signaling send.
	DefaultSendTimeout = 5 * time.Second

	// controlChannelLabel names the data channel the initiator opens before its offer.
	controlChannelLabel = "control"
)

// PeerFactory creates a fresh peer transport for each session.
type PeerFactory func(ctx context.Context) (interfaces.PeerTransport, error)

// Config holds session manager settings.
type Config struct {
	// LocalDeviceID identifies this device in connection requests
	LocalDeviceID string

	// DeviceName is shown to the remote user in connection requests
	DeviceName string

	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	LivenessCheckInterval time.Duration

	// NegotiationTimeout fails a session that is not Active in time; zero disables it
	NegotiationTimeout time.Duration

	SendTimeout time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     DefaultHeartbeatInterval,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		LivenessCheckInterval: DefaultLivenessCheckInterval,
		NegotiationTimeout:    DefaultNegotiationTimeout,
		SendTimeout:           DefaultSendTimeout,
	}
}

// ErrInvalidConfig indicates session timings that cannot work together.
var ErrInvalidConfig = errors.New("invalid session configuration")

// Validate checks the timings.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 || c.LivenessCheckInterval <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat, liveness and send timings must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout %v must exceed interval %v", ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.NegotiationTimeout < 0 {
		return fmt.Errorf("%w: negative negotiation timeout", ErrInvalidConfig)
	}
	return nil
}
