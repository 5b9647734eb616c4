package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/remoteassist/config"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/peer"
	"github.com/opd-ai/remoteassist/session"
	"github.com/opd-ai/remoteassist/transport"
	"github.com/sirupsen/logrus"
)

// memoryBuffer is the inbound capacity of each end of a memory link.
const memoryBuffer = 64

// ErrNilConfig is returned when a factory is given no configuration.
var ErrNilConfig = errors.New("config cannot be nil")

// TransportFactory creates signaling transports and peer factories based on
// configuration. It is safe for concurrent use.
type TransportFactory struct {
	mu     sync.RWMutex
	config *config.Config

	// pending is the unclaimed end of the last memory link
	pending *transport.MemoryTransport
}

// NewTransportFactory validates cfg and keeps a copy of it.
func NewTransportFactory(cfg *config.Config) (*TransportFactory, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transport factory: %w", err)
	}

	f := &TransportFactory{config: cfg.Clone()}
	logConfigurationInfo(f.config)
	return f, nil
}

func logConfigurationInfo(cfg *config.Config) {
	logrus.WithFields(logrus.Fields{
		"function":       "NewTransportFactory",
		"signaling_mode": cfg.Signaling.Mode,
		"signaling_url":  cfg.Signaling.URL,
		"ice_servers":    len(cfg.ICE.Servers),
		"enable_stats":   cfg.ICE.EnableStats,
	}).Info("Created transport factory with configuration")
}

// CreateSignaling creates an unconnected signaling transport for the
// configured mode. In memory mode every second call returns the other end
// of the link created by the call before it.
func (f *TransportFactory) CreateSignaling() (interfaces.SignalingTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.config.Signaling.Mode {
	case config.SignalingMemory:
		if f.pending != nil {
			end := f.pending
			f.pending = nil
			logrus.WithFields(logrus.Fields{
				"function": "CreateSignaling",
				"type":     "memory",
				"end":      "second",
			}).Info("Creating memory signaling transport")
			return end, nil
		}
		a, b := transport.NewMemoryPair(memoryBuffer)
		f.pending = b
		logrus.WithFields(logrus.Fields{
			"function": "CreateSignaling",
			"type":     "memory",
			"end":      "first",
		}).Info("Creating memory signaling transport")
		return a, nil

	case config.SignalingWebSocket:
		logrus.WithFields(logrus.Fields{
			"function": "CreateSignaling",
			"type":     "websocket",
			"url":      f.config.Signaling.URL,
		}).Info("Creating websocket signaling transport")
		return transport.NewWebSocketTransport(f.config.WebSocketOptions()), nil

	default:
		return nil, fmt.Errorf("%w: unknown signaling mode %q", config.ErrInvalid, f.config.Signaling.Mode)
	}
}

// CreateMemoryPair returns both ends of a fresh memory link regardless of mode.
func (f *TransportFactory) CreateMemoryPair() (*transport.MemoryTransport, *transport.MemoryTransport) {
	return transport.NewMemoryPair(memoryBuffer)
}

// PeerFactory returns a session.PeerFactory that creates a pion-backed
// peer connection from the ICE section current at call time.
func (f *TransportFactory) PeerFactory() session.PeerFactory {
	return func(ctx context.Context) (interfaces.PeerTransport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f.mu.RLock()
		cfg := f.config.PeerConfig()
		f.mu.RUnlock()

		conn, err := peer.New(cfg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PeerFactory",
				"error":    err.Error(),
			}).Error("Failed to create peer connection")
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return conn, nil
	}
}

// SwitchToMemory switches signaling to in-process memory links.
func (f *TransportFactory) SwitchToMemory() {
	f.switchMode(config.SignalingMemory)
}

// SwitchToWebSocket switches signaling to the relay websocket client.
func (f *TransportFactory) SwitchToWebSocket() {
	f.switchMode(config.SignalingWebSocket)
}

func (f *TransportFactory) switchMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "switchMode",
		"previous": f.config.Signaling.Mode,
		"current":  mode,
	}).Info("Switching factory signaling mode")

	f.config.Signaling.Mode = mode
	f.pending = nil
}

// IsUsingMemory reports whether the factory creates memory links.
func (f *TransportFactory) IsUsingMemory() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config.Signaling.Mode == config.SignalingMemory
}

// GetCurrentConfig returns a copy of the current configuration.
func (f *TransportFactory) GetCurrentConfig() *config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config.Clone()
}

// UpdateConfig validates and installs cfg. Transports already created are
// unaffected; peer connections created afterwards use the new ICE section.
func (f *TransportFactory) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("update transport factory: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UpdateConfig",
		"old_mode": f.config.Signaling.Mode,
		"new_mode": cfg.Signaling.Mode,
		"old_url":  f.config.Signaling.URL,
		"new_url":  cfg.Signaling.URL,
	}).Info("Updating factory configuration")

	if cfg.Signaling.Mode != f.config.Signaling.Mode {
		f.pending = nil
	}
	f.config = cfg.Clone()
	return nil
}
