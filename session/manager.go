package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/internal/broadcast"
	"github.com/opd-ai/remoteassist/limits"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

const (
	// maxParkedMessages bounds the offer and candidates kept for a session not joined yet.
	maxParkedMessages = 64

	// stateStreamBuffer is the per-subscriber capacity of the transition stream.
	stateStreamBuffer = 256
)

// remoteSession is the record behind the current session. All mutable
// fields are guarded by Manager.mu.
type remoteSession struct {
	id             string
	remoteDeviceID string
	role           Role
	state          State
	failure        FailureReason
	createdAt      time.Time
	lastSeen       time.Time

	// Owned handles, released exactly once
	peer        interfaces.PeerTransport
	dataChannel interfaces.DataChannel
	releaseOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Negotiation bookkeeping
	announced      bool
	localSent      bool
	outbound       []interfaces.ICECandidate
	remoteDescSet  bool
	appliedOffer   string
	pendingRemote  []interfaces.ICECandidate
	seenCandidates map[string]struct{}
	connectedEarly bool

	// Liveness
	heartbeatSeq     uint64
	lastRemoteSeq    uint64
	seenHeartbeat    bool
	hbDone           chan struct{}
	negotiationTimer *time.Timer
}

func (s *remoteSession) info() Info {
	return Info{
		SessionID:      s.id,
		RemoteDeviceID: s.remoteDeviceID,
		Role:           s.role,
		State:          s.state,
		Failure:        s.failure,
		CreatedAt:      s.createdAt,
		LastSeen:       s.lastSeen,
	}
}

// Manager drives the lifecycle of at most one remote-assistance session.
//
// The manager is the only writer of session state. Inbound signaling and
// peer-transport events are processed by a single dispatch goroutine in
// arrival order; callers observe transitions through Subscribe.
type Manager struct {
	signaling interfaces.SignalingTransport
	newPeer   PeerFactory
	config    Config

	mu           sync.Mutex
	current      *remoteSession
	last         *Info
	running      bool
	ctx          context.Context
	cancel       context.CancelFunc
	dispatchDone chan struct{}
	timeProvider TimeProvider

	// Messages that arrived for a session id before it was joined
	parkedID string
	parked   []signaling.Message

	onConnectionRequest func(signaling.ConnectionRequest)
	onQuality           func(signaling.QualityAdjustment)

	events chan event
	states *broadcast.Bus[StateChange]
	wg     sync.WaitGroup
}

// NewManager creates a session manager. Start must be called before any
// session can be created or joined.
func NewManager(sig interfaces.SignalingTransport, newPeer PeerFactory, config Config) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating session manager")

	if sig == nil {
		return nil, errors.New("signaling transport cannot be nil")
	}
	if newPeer == nil {
		return nil, errors.New("peer factory cannot be nil")
	}
	if err := config.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewManager",
			"error":    err.Error(),
		}).Error("Session configuration rejected")
		return nil, err
	}

	m := &Manager{
		signaling:    sig,
		newPeer:      newPeer,
		config:       config,
		timeProvider: DefaultTimeProvider{},
		events:       make(chan event, 64),
		states:       broadcast.New[StateChange]("session", stateStreamBuffer),
	}

	logrus.WithFields(logrus.Fields{
		"function":            "NewManager",
		"local_device_id":     config.LocalDeviceID,
		"heartbeat_interval":  config.HeartbeatInterval,
		"heartbeat_timeout":   config.HeartbeatTimeout,
		"negotiation_timeout": config.NegotiationTimeout,
	}).Debug("Session manager configured")

	return m, nil
}

// SetTimeProvider replaces the clock used for last-seen bookkeeping.
// Pass nil to restore the default.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	m.timeProvider = tp
}

func (m *Manager) now() time.Time {
	return m.timeProvider.Now()
}

// Start launches the inbound dispatch goroutine. It returns once the
// manager is ready; the goroutine runs until Stop or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.dispatchDone = make(chan struct{})
	m.running = true
	go m.dispatchLoop(m.ctx, m.dispatchDone)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Start",
	}).Info("Session manager started")
	return nil
}

// Stop ends any live session, stops dispatch and waits for every
// goroutine the manager started.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	s := m.current
	m.mu.Unlock()

	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
		_ = m.teardown(ctx, s, teardownOptions{notify: true, waitHeartbeat: true})
		cancel()
	}

	m.cancel()
	<-m.dispatchDone
	m.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Stop",
	}).Info("Session manager stopped")
}

// Subscribe returns a stream of session transitions and a cancel function.
// Each subscriber has its own buffer of stateStreamBuffer transitions, enough
// for dozens of complete lifecycles. Publishing never blocks the manager, so a
// subscriber that stops reading until its buffer fills misses later
// transitions; each miss is logged with a warning.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	return m.states.Subscribe()
}

// Current returns a snapshot of the live session, if any.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Info{}, false
	}
	return m.current.info(), true
}

// Last returns the snapshot of the most recently finished session.
func (m *Manager) Last() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Info{}, false
	}
	return *m.last, true
}

// OnConnectionRequest registers the callback for inbound connection
// requests arriving while no session is live.
func (m *Manager) OnConnectionRequest(fn func(signaling.ConnectionRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectionRequest = fn
}

// OnQualityAdjustment registers the callback for quality announcements
// from the remote side. They never change session state.
func (m *Manager) OnQualityAdjustment(fn func(signaling.QualityAdjustment)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuality = fn
}

// reserve installs a new session record in StateIdle, rejecting the call
// when another session is live.
func (m *Manager) reserve(id, remoteDeviceID string, role Role) (*remoteSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, ErrNotRunning
	}
	if m.current != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.reserve",
			"session_id": m.current.id,
			"state":      m.current.state.String(),
		}).Warn("Rejecting new session while another is live")
		return nil, fmt.Errorf("%w: session %s is %s", ErrAlreadyActive, m.current.id, m.current.state)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	now := m.now()
	s := &remoteSession{
		id:             id,
		remoteDeviceID: remoteDeviceID,
		role:           role,
		state:          StateIdle,
		createdAt:      now,
		lastSeen:       now,
		ctx:            ctx,
		cancel:         cancel,
		seenCandidates: make(map[string]struct{}),
	}
	m.current = s

	if m.config.NegotiationTimeout > 0 {
		s.negotiationTimer = time.AfterFunc(m.config.NegotiationTimeout, func() {
			m.negotiationExpired(s)
		})
	}
	return s, nil
}

// CreateSession starts a session as initiator: it opens the control data
// channel, creates and applies a local offer and sends it. Transport
// failures fail the session and are returned wrapped in ErrNegotiationFailed.
func (m *Manager) CreateSession(ctx context.Context, remoteDeviceID string) (string, error) {
	return m.CreateSessionWithID(ctx, uuid.NewString(), remoteDeviceID)
}

// CreateSessionWithID is CreateSession with a caller-chosen session id, such
// as one assigned by a signaling relay.
func (m *Manager) CreateSessionWithID(ctx context.Context, sessionID, remoteDeviceID string) (string, error) {
	if sessionID == "" || len(sessionID) > limits.MaxIdentifierLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if err := limits.ValidateField("remoteDeviceId", remoteDeviceID, limits.MaxIdentifierLength); err != nil {
		return "", err
	}

	s, err := m.reserve(sessionID, remoteDeviceID, RoleInitiator)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":         "Manager.CreateSession",
		"session_id":       s.id,
		"remote_device_id": remoteDeviceID,
	}).Info("Creating session")

	if err := m.negotiateOffer(ctx, s); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.CreateSession",
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("Session negotiation failed")

		teardownCtx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
		defer cancel()
		_ = m.teardown(teardownCtx, s, teardownOptions{reason: FailureNegotiationFailed, notify: true, waitHeartbeat: true})
		return "", err
	}
	return s.id, nil
}

func (m *Manager) negotiateOffer(ctx context.Context, s *remoteSession) error {
	callCtx, cancel := m.callContext(ctx, s)
	defer cancel()

	peer, err := m.newPeer(callCtx)
	if err != nil {
		return fmt.Errorf("%w: create peer transport: %w", ErrNegotiationFailed, err)
	}
	if !m.attachPeer(s, peer) {
		_ = peer.Close()
		return fmt.Errorf("%w: session %s ended during negotiation", ErrNegotiationFailed, s.id)
	}

	dc, err := peer.CreateDataChannel(controlChannelLabel)
	if err != nil {
		return fmt.Errorf("%w: create data channel: %w", ErrNegotiationFailed, err)
	}
	m.mu.Lock()
	s.dataChannel = dc
	m.mu.Unlock()

	if m.config.LocalDeviceID != "" {
		req := signaling.ConnectionRequest{
			Header:       signaling.NewHeader(s.id),
			FromDeviceID: m.config.LocalDeviceID,
			ToDeviceID:   s.remoteDeviceID,
			DeviceName:   m.config.DeviceName,
		}
		if err := m.send(callCtx, req); err != nil {
			return fmt.Errorf("%w: send connection request: %w", ErrNegotiationFailed, err)
		}
		m.markAnnounced(s)
	}

	offer, err := peer.CreateOffer(callCtx)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrNegotiationFailed, err)
	}
	if err := peer.SetLocalDescription(callCtx, offer); err != nil {
		return fmt.Errorf("%w: set local description: %w", ErrNegotiationFailed, err)
	}
	if !m.isLive(s) {
		return fmt.Errorf("%w: session %s ended during negotiation", ErrNegotiationFailed, s.id)
	}

	if err := m.send(callCtx, signaling.Offer{Header: signaling.NewHeader(s.id), SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: send offer: %w", ErrNegotiationFailed, err)
	}

	m.mu.Lock()
	s.announced = true
	if m.current != s || !s.state.live() {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s ended during negotiation", ErrNegotiationFailed, s.id)
	}
	err = m.transitionLocked(s, StateConnecting, FailureNone)
	if err == nil && s.remoteDescSet {
		// The answer overtook the local transition.
		err = m.transitionLocked(s, StateNegotiating, FailureNone)
	}
	pending := m.releaseOutboundLocked(s)
	m.mu.Unlock()

	m.sendCandidates(s, pending)
	return err
}

// JoinSession prepares a responder session that waits for the remote offer.
// An offer already received for sessionID is replayed.
func (m *Manager) JoinSession(ctx context.Context, sessionID string) error {
	return m.join(ctx, sessionID, "")
}

func (m *Manager) join(ctx context.Context, sessionID, remoteDeviceID string) error {
	if sessionID == "" || len(sessionID) > limits.MaxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	s, err := m.reserve(sessionID, remoteDeviceID, RoleResponder)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.JoinSession",
		"session_id": sessionID,
	}).Info("Joining session")

	callCtx, cancel := m.callContext(ctx, s)
	defer cancel()

	peer, err := m.newPeer(callCtx)
	if err == nil && !m.attachPeer(s, peer) {
		_ = peer.Close()
		err = fmt.Errorf("session %s ended while joining", sessionID)
	}
	if err != nil {
		teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), m.config.SendTimeout)
		defer cancelTeardown()
		_ = m.teardown(teardownCtx, s, teardownOptions{reason: FailureNegotiationFailed, waitHeartbeat: true})
		return fmt.Errorf("%w: create peer transport: %w", ErrNegotiationFailed, err)
	}

	m.mu.Lock()
	if err := m.transitionLocked(s, StateConnecting, FailureNone); err != nil {
		m.mu.Unlock()
		return err
	}
	var replay []signaling.Message
	if m.parkedID == sessionID {
		replay = m.parked
	}
	m.parkedID, m.parked = "", nil
	m.mu.Unlock()

	for _, msg := range replay {
		m.enqueue(s, event{kind: eventReplay, session: s, msg: msg})
	}
	return nil
}

// AcceptConnection joins the requested session and tells the initiator.
func (m *Manager) AcceptConnection(ctx context.Context, req signaling.ConnectionRequest) error {
	if err := m.join(ctx, req.SessionID, req.FromDeviceID); err != nil {
		return err
	}
	resp := signaling.ConnectionResponse{Header: signaling.NewHeader(req.SessionID), Accepted: true}
	if err := m.send(ctx, resp); err != nil {
		return fmt.Errorf("send connection response: %w", err)
	}

	m.mu.Lock()
	if m.current != nil && m.current.id == req.SessionID {
		m.current.announced = true
	}
	m.mu.Unlock()
	return nil
}

// RejectConnection declines a connection request and discards anything
// parked for it.
func (m *Manager) RejectConnection(ctx context.Context, req signaling.ConnectionRequest, reason string) error {
	m.mu.Lock()
	if m.parkedID == req.SessionID {
		m.parkedID, m.parked = "", nil
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.RejectConnection",
		"session_id": req.SessionID,
		"from":       req.FromDeviceID,
		"reason":     reason,
	}).Info("Rejecting connection request")

	resp := signaling.ConnectionResponse{Header: signaling.NewHeader(req.SessionID), Accepted: false, Reason: reason}
	return m.send(ctx, resp)
}

// EndSession ends the live session with reason user_initiated. It is a
// no-op when no session is live. The session ends even when the
// SessionEnd notification cannot be delivered; that error is returned.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return m.teardown(ctx, s, teardownOptions{notify: true, waitHeartbeat: true})
}

// PauseSession moves an Active session to Paused. Heartbeats continue.
func (m *Manager) PauseSession() error {
	return m.setPaused(true)
}

// ResumeSession moves a Paused session back to Active.
func (m *Manager) ResumeSession() error {
	return m.setPaused(false)
}

func (m *Manager) setPaused(paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoSession
	}
	if paused {
		return m.transitionLocked(m.current, StatePaused, FailureNone)
	}
	return m.transitionLocked(m.current, StateActive, FailureNone)
}

// SendQualityAdjustment announces a preset change to the remote side.
func (m *Manager) SendQualityAdjustment(ctx context.Context, preset av.QualityPreset, reason string) error {
	m.mu.Lock()
	s := m.current
	if s == nil || (s.state != StateActive && s.state != StatePaused) {
		m.mu.Unlock()
		return ErrNoSession
	}
	id := s.id
	m.mu.Unlock()

	return m.send(ctx, signaling.NewQualityAdjustment(signaling.NewHeader(id), preset, reason))
}

// ApplyQuality forwards preset to the session's peer transport when it
// can re-encode. Transports without that capability ignore it.
func (m *Manager) ApplyQuality(preset av.QualityPreset) error {
	m.mu.Lock()
	s := m.current
	var peer interfaces.PeerTransport
	if s != nil {
		peer = s.peer
	}
	m.mu.Unlock()

	if peer == nil {
		return ErrNoSession
	}
	target, ok := peer.(interfaces.QualityTarget)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.ApplyQuality",
			"preset":   preset.Name,
		}).Debug("Peer transport does not accept quality presets")
		return nil
	}
	return target.ApplyPreset(preset)
}

// Peer returns the live session's peer transport, if one is attached.
func (m *Manager) Peer() (interfaces.PeerTransport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.peer == nil {
		return nil, false
	}
	return m.current.peer, true
}

// attachPeer stores the peer on s and starts its watchers. It reports
// false when s is no longer live.
func (m *Manager) attachPeer(s *remoteSession, peer interfaces.PeerTransport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != s || !s.state.live() {
		return false
	}
	s.peer = peer

	m.wg.Add(2)
	go m.watchConnectionStates(s, peer.ConnectionStates())
	go m.watchLocalCandidates(s, peer.LocalCandidates())
	return true
}

func (m *Manager) markAnnounced(s *remoteSession) {
	m.mu.Lock()
	s.announced = true
	m.mu.Unlock()
}

func (m *Manager) isLive(s *remoteSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s && s.state.live()
}

// callContext derives a context for transport calls made on behalf of s
// that is also cancelled when s is torn down.
func (m *Manager) callContext(ctx context.Context, s *remoteSession) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) send(ctx context.Context, msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()

	if err := m.signaling.Send(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.send",
			"type":       msg.Type(),
			"session_id": msg.Envelope().SessionID,
			"error":      err.Error(),
		}).Warn("Failed to send signaling message")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.send",
		"type":       msg.Type(),
		"session_id": msg.Envelope().SessionID,
	}).Debug("Sent signaling message")
	return nil
}

// transitionLocked applies and publishes a transition. Must be called with m.mu held.
func (m *Manager) transitionLocked(s *remoteSession, to State, reason FailureReason) error {
	from := s.state
	if !canTransition(from, to) {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.transitionLocked",
			"session_id": s.id,
			"from":       from.String(),
			"to":         to.String(),
		}).Warn("Invalid session state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.state = to
	if to == StateFailed {
		s.failure = reason
	}
	change := StateChange{SessionID: s.id, Previous: from, State: to, Failure: s.failure, At: m.now()}
	m.states.Publish(change)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.transitionLocked",
		"session_id": s.id,
		"role":       s.role.String(),
		"from":       from.String(),
		"to":         to.String(),
		"failure":    s.failure.String(),
	}).Info("Session state changed")

	switch {
	case to == StateActive && from == StateNegotiating:
		m.activateLocked(s)
	case to == StateNegotiating && s.connectedEarly:
		return m.transitionLocked(s, StateActive, FailureNone)
	}
	return nil
}

// teardownOptions selects how a session is finished.
type teardownOptions struct {
	// reason is FailureNone for a clean end
	reason FailureReason

	// notify sends SessionEnd when the remote side knows about the session
	notify bool

	// waitHeartbeat is false when teardown runs on the heartbeat goroutine
	waitHeartbeat bool
}

// teardown finishes s. Only the first call for a session has any effect.
// Order: Ending, SessionEnd, cancel, wait for heartbeat, release handles,
// then Ended or Failed.
func (m *Manager) teardown(ctx context.Context, s *remoteSession, opts teardownOptions) error {
	m.mu.Lock()
	if m.current != s || !s.state.live() {
		m.mu.Unlock()
		return nil
	}
	_ = m.transitionLocked(s, StateEnding, FailureNone)
	notify := opts.notify && s.announced
	hbDone := s.hbDone
	m.mu.Unlock()

	var sendErr error
	if notify {
		end := signaling.SessionEnd{Header: signaling.NewHeader(s.id), Reason: opts.reason.endReason()}
		if err := m.send(ctx, end); err != nil {
			sendErr = fmt.Errorf("send session end: %w", err)
		}
	}

	s.cancel()
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
	}
	if hbDone != nil && opts.waitHeartbeat {
		<-hbDone
	}
	m.release(s)

	m.mu.Lock()
	final := StateEnded
	if opts.reason != FailureNone {
		final = StateFailed
	}
	_ = m.transitionLocked(s, final, opts.reason)
	info := s.info()
	m.last = &info
	m.current = nil
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.teardown",
		"session_id": s.id,
		"state":      final.String(),
		"reason":     opts.reason.String(),
	}).Info("Session finished")

	return sendErr
}

// release closes the data channel and the peer transport exactly once.
func (m *Manager) release(s *remoteSession) {
	s.releaseOnce.Do(func() {
		m.mu.Lock()
		dc, peer := s.dataChannel, s.peer
		m.mu.Unlock()

		if dc != nil {
			if err := dc.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "Manager.release",
					"session_id": s.id,
					"error":      err.Error(),
				}).Warn("Failed to close data channel")
			}
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "Manager.release",
					"session_id": s.id,
					"error":      err.Error(),
				}).Warn("Failed to close peer transport")
			}
		}
	})
}
