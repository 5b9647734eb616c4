package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultGatherTimeout bounds offer and answer creation.
	DefaultGatherTimeout = 10 * time.Second

	eventBuffer = 32
)

// Connection is a pion-backed PeerTransport. It also implements
// av.SampleSource and interfaces.QualityTarget.
type Connection struct {
	pc     *webrtc.PeerConnection
	config interfaces.PeerConfig

	// mu guards the event channels against close while an emitter is sending
	mu         sync.RWMutex
	closed     bool
	done       chan struct{}
	closeOnce  sync.Once
	states     chan interfaces.ConnectionState
	candidates chan interfaces.ICECandidate

	presetMu sync.Mutex
	preset   av.QualityPreset
	onPreset func(av.QualityPreset) error

	channelsMu sync.Mutex
	channels   []*dataChannel
}

// New creates a peer connection with cfg.
func New(cfg interfaces.PeerConfig) (*Connection, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: toICEServers(cfg.ICEServers)})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "peer.New",
			"error":    err.Error(),
		}).Error("Failed to create peer connection")
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &Connection{
		pc:         pc,
		config:     cfg,
		done:       make(chan struct{}),
		states:     make(chan interfaces.ConnectionState, eventBuffer),
		candidates: make(chan interfaces.ICECandidate, eventBuffer),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.emitCandidate(fromCandidateInit(candidate.ToJSON()))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.OnConnectionStateChange",
			"state":    state.String(),
		}).Debug("Peer connection state changed")
		c.emitState(fromPeerConnectionState(state))
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.OnDataChannel",
			"label":    dc.Label(),
		}).Debug("Remote opened data channel")
		c.track(&dataChannel{dc: dc})
	})

	logrus.WithFields(logrus.Fields{
		"function":    "peer.New",
		"ice_servers": len(cfg.ICEServers),
		"stats":       cfg.EnableStats,
	}).Debug("Peer connection created")
	return c, nil
}

func toICEServers(servers []interfaces.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

func fromCandidateInit(init webrtc.ICECandidateInit) interfaces.ICECandidate {
	c := interfaces.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}

func toCandidateInit(c interfaces.ICECandidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	index := c.SDPMLineIndex
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &index}
}

func fromPeerConnectionState(state webrtc.PeerConnectionState) interfaces.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return interfaces.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return interfaces.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return interfaces.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return interfaces.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return interfaces.ConnectionClosed
	default:
		return interfaces.ConnectionNew
	}
}

func toSDPType(t interfaces.SDPType) (webrtc.SDPType, error) {
	switch t {
	case interfaces.SDPTypeOffer:
		return webrtc.SDPTypeOffer, nil
	case interfaces.SDPTypeAnswer:
		return webrtc.SDPTypeAnswer, nil
	default:
		return webrtc.SDPType(0), fmt.Errorf("unsupported description type %q", t)
	}
}

func fromDescription(desc webrtc.SessionDescription) interfaces.SessionDescription {
	t := interfaces.SDPTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		t = interfaces.SDPTypeAnswer
	}
	return interfaces.SessionDescription{Type: t, SDP: desc.SDP}
}

// emitState delivers a state change unless the connection is closing.
func (c *Connection) emitState(state interfaces.ConnectionState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.states <- state:
	case <-c.done:
	}
}

func (c *Connection) emitCandidate(candidate interfaces.ICECandidate) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.candidates <- candidate:
	case <-c.done:
	}
}

// call runs fn bounded by ctx and the gather timeout. pion calls cannot be
// interrupted, so a timed-out call finishes in the background.
func (c *Connection) call(ctx context.Context, op string, fn func() error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.GatherTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn() }()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// CreateOffer creates a local offer.
func (c *Connection) CreateOffer(ctx context.Context) (interfaces.SessionDescription, error) {
	var offer webrtc.SessionDescription
	err := c.call(ctx, "create offer", func() error {
		var err error
		offer, err = c.pc.CreateOffer(nil)
		return err
	})
	if err != nil {
		return interfaces.SessionDescription{}, err
	}
	return fromDescription(offer), nil
}

// CreateAnswer creates a local answer to the applied remote offer.
func (c *Connection) CreateAnswer(ctx context.Context) (interfaces.SessionDescription, error) {
	var answer webrtc.SessionDescription
	err := c.call(ctx, "create answer", func() error {
		var err error
		answer, err = c.pc.CreateAnswer(nil)
		return err
	})
	if err != nil {
		return interfaces.SessionDescription{}, err
	}
	return fromDescription(answer), nil
}

// SetLocalDescription applies desc and starts candidate gathering.
func (c *Connection) SetLocalDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	t, err := toSDPType(desc.Type)
	if err != nil {
		return err
	}
	return c.call(ctx, "set local description", func() error {
		return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: t, SDP: desc.SDP})
	})
}

// SetRemoteDescription applies the remote offer or answer.
func (c *Connection) SetRemoteDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	t, err := toSDPType(desc.Type)
	if err != nil {
		return err
	}
	return c.call(ctx, "set remote description", func() error {
		return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: desc.SDP})
	})
}

// AddICECandidate applies a remote candidate.
func (c *Connection) AddICECandidate(ctx context.Context, candidate interfaces.ICECandidate) error {
	return c.call(ctx, "add ICE candidate", func() error {
		return c.pc.AddICECandidate(toCandidateInit(candidate))
	})
}

// CreateDataChannel opens an ordered data channel.
func (c *Connection) CreateDataChannel(label string) (interfaces.DataChannel, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	ch := &dataChannel{dc: dc}
	c.track(ch)
	return ch, nil
}

func (c *Connection) track(ch *dataChannel) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	c.channels = append(c.channels, ch)
}

// DataChannels returns every channel opened by either side.
func (c *Connection) DataChannels() []interfaces.DataChannel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]interfaces.DataChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// ConnectionStates streams connectivity changes. It is closed by Close.
func (c *Connection) ConnectionStates() <-chan interfaces.ConnectionState {
	return c.states
}

// LocalCandidates streams gathered local candidates. It is closed by Close.
func (c *Connection) LocalCandidates() <-chan interfaces.ICECandidate {
	return c.candidates
}

// OnPreset registers the encoder hook invoked by ApplyPreset.
func (c *Connection) OnPreset(fn func(av.QualityPreset) error) {
	c.presetMu.Lock()
	defer c.presetMu.Unlock()
	c.onPreset = fn
}

// ApplyPreset records preset as the active encoding target and passes it
// to the registered hook.
func (c *Connection) ApplyPreset(preset av.QualityPreset) error {
	c.presetMu.Lock()
	c.preset = preset
	fn := c.onPreset
	c.presetMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connection.ApplyPreset",
		"preset":   preset.Name,
		"bitrate":  preset.Bitrate,
	}).Info("Applying quality preset")

	if fn == nil {
		return nil
	}
	if err := fn(preset); err != nil {
		return fmt.Errorf("apply preset %s: %w", preset.Name, err)
	}
	return nil
}

// Preset returns the last applied preset.
func (c *Connection) Preset() (av.QualityPreset, bool) {
	c.presetMu.Lock()
	defer c.presetMu.Unlock()
	return c.preset, c.preset.Name != ""
}

// Close shuts the peer connection down and closes the event channels.
// It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		err = c.pc.Close()

		c.mu.Lock()
		c.closed = true
		close(c.states)
		close(c.candidates)
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Connection.Close",
		}).Debug("Peer connection closed")
	})
	return err
}

// dataChannel adapts a pion data channel to interfaces.DataChannel.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *dataChannel) Close() error { return d.dc.Close() }
