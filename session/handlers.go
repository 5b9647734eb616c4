package session

import (
	"context"
	"fmt"

	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

type eventKind int

const (
	eventReplay eventKind = iota
	eventConnectionState
)

// event is work queued to the dispatch goroutine from elsewhere.
type event struct {
	kind    eventKind
	session *remoteSession
	msg     signaling.Message
	state   interfaces.ConnectionState
}

// enqueue hands ev to the dispatch goroutine unless s has been torn down.
func (m *Manager) enqueue(s *remoteSession, ev event) {
	select {
	case m.events <- ev:
	case <-s.ctx.Done():
	}
}

// dispatchLoop is the single consumer of inbound signaling and peer events.
func (m *Manager) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	messages := m.signaling.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		case msg, ok := <-messages:
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "Manager.dispatchLoop",
				}).Warn("Signaling stream closed")
				messages = nil
				continue
			}
			m.handleMessage(ctx, msg)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventReplay:
		if m.isLive(ev.session) {
			m.handleMessage(ctx, ev.msg)
		}
	case eventConnectionState:
		m.handleConnectionState(ctx, ev.session, ev.state)
	}
}

// handleMessage routes one inbound message. Messages for a session other
// than the live one are dropped.
func (m *Manager) handleMessage(ctx context.Context, msg signaling.Message) {
	h := msg.Envelope()

	m.mu.Lock()
	s := m.current
	if s == nil || s.id != h.SessionID || !s.state.live() {
		m.mu.Unlock()
		m.handleUnmatched(ctx, s, msg)
		return
	}
	s.lastSeen = m.now()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleMessage",
		"type":       msg.Type(),
		"session_id": h.SessionID,
	}).Debug("Handling signaling message")

	switch v := msg.(type) {
	case signaling.ConnectionRequest:
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleMessage",
			"session_id": h.SessionID,
		}).Debug("Ignoring duplicate connection request for live session")
	case signaling.ConnectionResponse:
		m.handleConnectionResponse(ctx, s, v)
	case signaling.Offer:
		m.handleOffer(ctx, s, v)
	case signaling.Answer:
		m.handleAnswer(ctx, s, v)
	case signaling.IceCandidate:
		m.handleIceCandidate(s, v)
	case signaling.SessionEnd:
		m.handleSessionEnd(ctx, s, v)
	case signaling.Heartbeat:
		m.handleHeartbeat(s, v)
	case signaling.QualityAdjustment:
		m.handleQualityAdjustment(v)
	}
}

// handleUnmatched deals with messages that have no live session: a
// connection request is offered to the caller, an offer or candidate is
// parked until the session is joined, anything else is dropped.
func (m *Manager) handleUnmatched(ctx context.Context, live *remoteSession, msg signaling.Message) {
	h := msg.Envelope()

	switch v := msg.(type) {
	case signaling.ConnectionRequest:
		if live != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.handleUnmatched",
				"session_id": h.SessionID,
				"from":       v.FromDeviceID,
			}).Info("Declining connection request while busy")
			_ = m.send(ctx, signaling.ConnectionResponse{Header: signaling.NewHeader(h.SessionID), Reason: "busy"})
			return
		}
		m.mu.Lock()
		fn := m.onConnectionRequest
		m.mu.Unlock()
		if fn == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Manager.handleUnmatched",
				"session_id": h.SessionID,
			}).Warn("No connection request handler registered, dropping request")
			return
		}
		fn(v)
		return
	case signaling.Offer, signaling.IceCandidate:
		if live == nil && m.park(msg) {
			return
		}
	}

	m.mu.Lock()
	duplicate := m.last != nil && m.last.SessionID == h.SessionID
	m.mu.Unlock()

	fields := logrus.Fields{
		"function":   "Manager.handleUnmatched",
		"type":       msg.Type(),
		"session_id": h.SessionID,
	}
	if duplicate {
		logrus.WithFields(fields).Debug("Ignoring message for finished session")
		return
	}
	logrus.WithFields(fields).Warn("Dropping message for unknown session")
}

// park keeps msg for a later JoinSession. Only one session id is parked
// at a time; a different id replaces it.
func (m *Manager) park(msg signaling.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := msg.Envelope().SessionID
	if m.last != nil && m.last.SessionID == id {
		return false
	}
	if m.parkedID != id {
		m.parkedID, m.parked = id, nil
	}
	if len(m.parked) >= maxParkedMessages {
		m.parked = m.parked[1:]
	}
	m.parked = append(m.parked, msg)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.park",
		"type":       msg.Type(),
		"session_id": id,
		"parked":     len(m.parked),
	}).Debug("Parked message for session not joined yet")
	return true
}

func (m *Manager) handleConnectionResponse(ctx context.Context, s *remoteSession, resp signaling.ConnectionResponse) {
	if s.role != RoleInitiator {
		return
	}
	if resp.Accepted {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleConnectionResponse",
			"session_id": s.id,
		}).Info("Remote device accepted connection")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleConnectionResponse",
		"session_id": s.id,
		"reason":     resp.Reason,
	}).Warn("Remote device rejected connection")
	_ = m.teardown(ctx, s, teardownOptions{reason: FailureRejected, waitHeartbeat: true})
}

func (m *Manager) handleOffer(ctx context.Context, s *remoteSession, offer signaling.Offer) {
	m.mu.Lock()
	role, state, applied, peer := s.role, s.state, s.appliedOffer, s.peer
	m.mu.Unlock()

	fields := logrus.Fields{
		"function":   "Manager.handleOffer",
		"session_id": s.id,
	}
	if role != RoleResponder {
		logrus.WithFields(fields).Warn("Initiator ignoring inbound offer")
		return
	}
	if applied != "" {
		if applied != offer.SDP {
			logrus.WithFields(fields).Warn("Ignoring renegotiation offer")
		} else {
			logrus.WithFields(fields).Debug("Ignoring duplicate offer")
		}
		return
	}
	if state != StateConnecting || peer == nil {
		logrus.WithFields(fields).Warn("Offer arrived in unexpected state")
		return
	}

	callCtx, cancel := m.callContext(ctx, s)
	defer cancel()

	err := m.answerOffer(callCtx, s, peer, offer)
	if err != nil {
		logrus.WithFields(fields).WithField("error", err.Error()).Error("Failed to answer offer")
		_ = m.teardown(ctx, s, teardownOptions{reason: FailureNegotiationFailed, notify: true, waitHeartbeat: true})
	}
}

func (m *Manager) answerOffer(ctx context.Context, s *remoteSession, peer interfaces.PeerTransport, offer signaling.Offer) error {
	if err := peer.SetRemoteDescription(ctx, interfaces.SessionDescription{Type: interfaces.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: set remote description: %w", ErrNegotiationFailed, err)
	}
	if !m.markRemoteDescription(s, offer.SDP) {
		return nil
	}
	m.flushRemoteCandidates(ctx, s, peer)

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", ErrNegotiationFailed, err)
	}
	if err := peer.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("%w: set local description: %w", ErrNegotiationFailed, err)
	}
	if !m.isLive(s) {
		return nil
	}
	if err := m.send(ctx, signaling.Answer{Header: signaling.NewHeader(s.id), SDP: answer.SDP}); err != nil {
		return fmt.Errorf("%w: send answer: %w", ErrNegotiationFailed, err)
	}

	m.mu.Lock()
	if m.current != s || !s.state.live() {
		m.mu.Unlock()
		return nil
	}
	s.announced = true
	err = m.transitionLocked(s, StateNegotiating, FailureNone)
	pending := m.releaseOutboundLocked(s)
	m.mu.Unlock()

	m.sendCandidates(s, pending)
	return err
}

func (m *Manager) handleAnswer(ctx context.Context, s *remoteSession, answer signaling.Answer) {
	m.mu.Lock()
	role, done, peer := s.role, s.remoteDescSet, s.peer
	m.mu.Unlock()

	fields := logrus.Fields{
		"function":   "Manager.handleAnswer",
		"session_id": s.id,
	}
	if role != RoleInitiator || peer == nil {
		logrus.WithFields(fields).Warn("Ignoring unexpected answer")
		return
	}
	if done {
		logrus.WithFields(fields).Debug("Ignoring duplicate answer")
		return
	}

	callCtx, cancel := m.callContext(ctx, s)
	defer cancel()

	if err := peer.SetRemoteDescription(callCtx, interfaces.SessionDescription{Type: interfaces.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		logrus.WithFields(fields).WithField("error", err.Error()).Error("Failed to apply answer")
		_ = m.teardown(ctx, s, teardownOptions{reason: FailureNegotiationFailed, notify: true, waitHeartbeat: true})
		return
	}
	if !m.markRemoteDescription(s, "") {
		return
	}
	m.flushRemoteCandidates(callCtx, s, peer)

	m.mu.Lock()
	if m.current == s && s.state == StateConnecting {
		_ = m.transitionLocked(s, StateNegotiating, FailureNone)
	}
	m.mu.Unlock()
}

// markRemoteDescription records that the remote description is applied.
// It reports false when s is no longer live, so the result is discarded.
func (m *Manager) markRemoteDescription(s *remoteSession, offerSDP string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s || !s.state.live() {
		return false
	}
	s.remoteDescSet = true
	if offerSDP != "" {
		s.appliedOffer = offerSDP
	}
	return true
}

func candidateKey(c interfaces.ICECandidate) string {
	return fmt.Sprintf("%s|%d|%s", c.SDPMid, c.SDPMLineIndex, c.Candidate)
}

func (m *Manager) handleIceCandidate(s *remoteSession, msg signaling.IceCandidate) {
	candidate := interfaces.ICECandidate{Candidate: msg.Candidate, SDPMid: msg.SDPMid, SDPMLineIndex: msg.SDPMLineIndex}
	key := candidateKey(candidate)

	m.mu.Lock()
	if _, seen := s.seenCandidates[key]; seen {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.handleIceCandidate",
			"session_id": s.id,
		}).Debug("Ignoring duplicate ICE candidate")
		return
	}
	s.seenCandidates[key] = struct{}{}
	if !s.remoteDescSet || s.peer == nil {
		s.pendingRemote = append(s.pendingRemote, candidate)
		m.mu.Unlock()
		return
	}
	peer := s.peer
	m.mu.Unlock()

	m.addCandidate(s, peer, candidate)
}

// flushRemoteCandidates applies candidates that arrived before the remote description.
func (m *Manager) flushRemoteCandidates(ctx context.Context, s *remoteSession, peer interfaces.PeerTransport) {
	m.mu.Lock()
	pending := s.pendingRemote
	s.pendingRemote = nil
	m.mu.Unlock()

	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		m.addCandidate(s, peer, c)
	}
}

func (m *Manager) addCandidate(s *remoteSession, peer interfaces.PeerTransport, c interfaces.ICECandidate) {
	if err := peer.AddICECandidate(s.ctx, c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.addCandidate",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Failed to add remote ICE candidate")
	}
}

func (m *Manager) handleSessionEnd(ctx context.Context, s *remoteSession, end signaling.SessionEnd) {
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleSessionEnd",
		"session_id": s.id,
		"reason":     end.Reason,
	}).Info("Remote side ended session")
	_ = m.teardown(ctx, s, teardownOptions{waitHeartbeat: true})
}

func (m *Manager) handleHeartbeat(s *remoteSession, hb signaling.Heartbeat) {
	m.mu.Lock()
	duplicate := s.seenHeartbeat && hb.Sequence <= s.lastRemoteSeq
	if !duplicate {
		s.lastRemoteSeq = hb.Sequence
		s.seenHeartbeat = true
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleHeartbeat",
		"session_id": s.id,
		"sequence":   hb.Sequence,
		"duplicate":  duplicate,
	}).Trace("Heartbeat received")
}

func (m *Manager) handleQualityAdjustment(qa signaling.QualityAdjustment) {
	m.mu.Lock()
	fn := m.onQuality
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleQualityAdjustment",
		"session_id": qa.SessionID,
		"width":      qa.Width,
		"height":     qa.Height,
		"bitrate":    qa.Bitrate,
		"reason":     qa.Reason,
	}).Info("Remote quality adjustment")

	if fn != nil {
		fn(qa)
	}
}

// handleConnectionState applies the peer transport's connectivity signal.
func (m *Manager) handleConnectionState(ctx context.Context, s *remoteSession, state interfaces.ConnectionState) {
	m.mu.Lock()
	if m.current != s || !s.state.live() {
		m.mu.Unlock()
		return
	}

	fields := logrus.Fields{
		"function":         "Manager.handleConnectionState",
		"session_id":       s.id,
		"connection_state": state.String(),
		"session_state":    s.state.String(),
	}

	switch state {
	case interfaces.ConnectionConnected:
		switch s.state {
		case StateNegotiating:
			_ = m.transitionLocked(s, StateActive, FailureNone)
		case StateIdle, StateConnecting:
			s.connectedEarly = true
		}
		m.mu.Unlock()
	case interfaces.ConnectionFailed, interfaces.ConnectionClosed:
		m.mu.Unlock()
		logrus.WithFields(fields).Warn("Peer transport lost")
		_ = m.teardown(ctx, s, teardownOptions{reason: FailureConnectionLost, notify: true, waitHeartbeat: true})
	case interfaces.ConnectionDisconnected:
		m.mu.Unlock()
		logrus.WithFields(fields).Warn("Peer transport disconnected, waiting for recovery")
	default:
		m.mu.Unlock()
		logrus.WithFields(fields).Debug("Peer transport state changed")
	}
}
