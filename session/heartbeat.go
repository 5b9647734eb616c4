package session

import (
	"context"
	"time"

	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

// activateLocked starts liveness tracking for a session that just became
// Active. Must be called with m.mu held.
func (m *Manager) activateLocked(s *remoteSession) {
	s.lastSeen = m.now()
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
	}
	if s.hbDone != nil {
		return
	}

	s.hbDone = make(chan struct{})
	go m.heartbeatLoop(s, s.hbDone)
}

// heartbeatLoop sends Heartbeat messages and checks liveness until the
// session context is cancelled.
func (m *Manager) heartbeatLoop(s *remoteSession, done chan struct{}) {
	defer close(done)

	send := time.NewTicker(m.config.HeartbeatInterval)
	defer send.Stop()
	check := time.NewTicker(m.config.LivenessCheckInterval)
	defer check.Stop()

	m.sendHeartbeat(s)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-send.C:
			m.sendHeartbeat(s)
		case <-check.C:
			if m.checkLiveness(s, false) {
				return
			}
		}
	}
}

func (m *Manager) sendHeartbeat(s *remoteSession) {
	m.mu.Lock()
	if m.current != s || !s.state.live() {
		m.mu.Unlock()
		return
	}
	seq := s.heartbeatSeq
	s.heartbeatSeq++
	m.mu.Unlock()

	_ = m.send(s.ctx, signaling.Heartbeat{Header: signaling.NewHeader(s.id), Sequence: seq})
}

// checkLiveness fails s with FailureTimeout when no inbound traffic was
// seen within HeartbeatTimeout. It reports whether the session was failed.
func (m *Manager) checkLiveness(s *remoteSession, waitHeartbeat bool) bool {
	m.mu.Lock()
	if m.current != s || (s.state != StateActive && s.state != StatePaused) {
		m.mu.Unlock()
		return false
	}
	idle := m.timeProvider.Since(s.lastSeen)
	m.mu.Unlock()

	if idle < m.config.HeartbeatTimeout {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.checkLiveness",
		"session_id": s.id,
		"idle":       idle,
		"timeout":    m.config.HeartbeatTimeout,
	}).Warn("Session liveness lost")

	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()
	_ = m.teardown(ctx, s, teardownOptions{reason: FailureTimeout, notify: true, waitHeartbeat: waitHeartbeat})
	return true
}

// negotiationExpired fails s if it has not reached Active in time.
func (m *Manager) negotiationExpired(s *remoteSession) {
	m.mu.Lock()
	state := s.state
	pending := m.current == s && (state == StateIdle || state == StateConnecting || state == StateNegotiating)
	m.mu.Unlock()
	if !pending {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.negotiationExpired",
		"session_id": s.id,
		"state":      state.String(),
		"timeout":    m.config.NegotiationTimeout,
	}).Warn("Negotiation deadline exceeded")

	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()
	_ = m.teardown(ctx, s, teardownOptions{reason: FailureNegotiationTimeout, notify: true, waitHeartbeat: true})
}

// watchConnectionStates forwards the peer's connectivity signal to dispatch.
func (m *Manager) watchConnectionStates(s *remoteSession, states <-chan interfaces.ConnectionState) {
	defer m.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			m.enqueue(s, event{kind: eventConnectionState, session: s, state: state})
		}
	}
}

// watchLocalCandidates sends gathered local candidates to the remote side
// once the local description has been delivered.
func (m *Manager) watchLocalCandidates(s *remoteSession, candidates <-chan interfaces.ICECandidate) {
	defer m.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c, ok := <-candidates:
			if !ok {
				return
			}
			m.mu.Lock()
			if !s.localSent {
				s.outbound = append(s.outbound, c)
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			m.sendCandidates(s, []interfaces.ICECandidate{c})
		}
	}
}

// releaseOutboundLocked marks the local description as sent and returns
// the candidates held back until then. Must be called with m.mu held.
func (m *Manager) releaseOutboundLocked(s *remoteSession) []interfaces.ICECandidate {
	s.localSent = true
	pending := s.outbound
	s.outbound = nil
	return pending
}

func (m *Manager) sendCandidates(s *remoteSession, candidates []interfaces.ICECandidate) {
	for _, c := range candidates {
		if s.ctx.Err() != nil {
			return
		}
		msg := signaling.IceCandidate{
			Header:        signaling.NewHeader(s.id),
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}
		_ = m.send(s.ctx, msg)
	}
}
