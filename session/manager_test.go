package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/opd-ai/remoteassist/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testConfig(deviceID string) Config {
	cfg := DefaultConfig()
	cfg.LocalDeviceID = deviceID
	cfg.DeviceName = "Test " + deviceID
	cfg.LivenessCheckInterval = time.Hour
	cfg.NegotiationTimeout = 0
	cfg.SendTimeout = time.Second
	return cfg
}

// peerSource hands out a fresh mockPeer per session.
type peerSource struct {
	mu      sync.Mutex
	prepare func(*mockPeer)
	peers   []*mockPeer
}

func (ps *peerSource) factory(ctx context.Context) (interfaces.PeerTransport, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := newMockPeer()
	if ps.prepare != nil {
		ps.prepare(p)
	}
	ps.peers = append(ps.peers, p)
	return p, nil
}

func (ps *peerSource) last() *mockPeer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.peers) == 0 {
		return nil
	}
	return ps.peers[len(ps.peers)-1]
}

func (ps *peerSource) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.peers)
}

type harness struct {
	m      *Manager
	local  *transport.MemoryTransport
	remote *transport.MemoryTransport
	peers  *peerSource
	clock  *mockClock
	states <-chan StateChange
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	local, remote := transport.NewMemoryPair(64)
	h := &harness{local: local, remote: remote, peers: &peerSource{}, clock: newMockClock()}

	m, err := NewManager(local, h.peers.factory, cfg)
	require.NoError(t, err)
	m.SetTimeProvider(h.clock)
	h.m = m

	states, cancel := m.Subscribe()
	h.states = states
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return h
}

func (h *harness) session() *remoteSession {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.current
}

func waitForState(t *testing.T, states <-chan StateChange, want State) StateChange {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case change := <-states:
			if change.State == want {
				return change
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
			return StateChange{}
		}
	}
}

func assertNoStateChange(t *testing.T, states <-chan StateChange) {
	t.Helper()
	select {
	case change := <-states:
		t.Fatalf("unexpected state change %s", change)
	case <-time.After(50 * time.Millisecond):
	}
}

// expectMessage reads the next non-heartbeat message and checks its type.
func expectMessage(t *testing.T, tr *transport.MemoryTransport, typ signaling.Type) signaling.Message {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg, ok := <-tr.Messages():
			require.True(t, ok, "transport closed while waiting for %s", typ)
			if msg.Type() == signaling.TypeHeartbeat && typ != signaling.TypeHeartbeat {
				continue
			}
			require.Equal(t, typ, msg.Type())
			return msg
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func expectNoMessage(t *testing.T, tr *transport.MemoryTransport, typ signaling.Type) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case msg := <-tr.Messages():
			if msg != nil && msg.Type() == typ {
				t.Fatalf("unexpected %s message", typ)
			}
		case <-deadline:
			return
		}
	}
}

func (h *harness) sendRemote(t *testing.T, msg signaling.Message) {
	t.Helper()
	require.NoError(t, h.remote.Send(context.Background(), msg))
}

// activeResponder drives a joined session to Active and returns its peer.
func (h *harness) activeResponder(t *testing.T, id string) *mockPeer {
	t.Helper()
	require.NoError(t, h.m.JoinSession(context.Background(), id))
	waitForState(t, h.states, StateConnecting)

	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader(id), SDP: "v=0 remote-offer"})
	expectMessage(t, h.remote, signaling.TypeAnswer)
	waitForState(t, h.states, StateNegotiating)

	peer := h.peers.last()
	peer.emit(interfaces.ConnectionConnected)
	waitForState(t, h.states, StateActive)
	return peer
}

func TestNewManagerValidation(t *testing.T) {
	local, _ := transport.NewMemoryPair(1)
	ps := &peerSource{}

	_, err := NewManager(nil, ps.factory, DefaultConfig())
	assert.Error(t, err)

	_, err = NewManager(local, nil, DefaultConfig())
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.HeartbeatTimeout = bad.HeartbeatInterval
	_, err = NewManager(local, ps.factory, bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOperationsRequireStart(t *testing.T) {
	local, _ := transport.NewMemoryPair(1)
	ps := &peerSource{}
	m, err := NewManager(local, ps.factory, testConfig("device-a"))
	require.NoError(t, err)

	_, err = m.CreateSession(context.Background(), "device-b")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.JoinSession(context.Background(), "s1"), ErrNotRunning)
	assert.Zero(t, ps.count())
	assert.NoError(t, m.EndSession(context.Background()), "EndSession without a session is a no-op")
}

func TestCreateSessionSendsRequestAndOffer(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	req := expectMessage(t, h.remote, signaling.TypeConnectionRequest).(signaling.ConnectionRequest)
	assert.Equal(t, id, req.SessionID)
	assert.Equal(t, "device-a", req.FromDeviceID)
	assert.Equal(t, "device-b", req.ToDeviceID)
	assert.Equal(t, "Test device-a", req.DeviceName)

	offer := expectMessage(t, h.remote, signaling.TypeOffer).(signaling.Offer)
	assert.Equal(t, id, offer.SessionID)
	assert.Equal(t, "v=0 offer-1", offer.SDP)

	change := waitForState(t, h.states, StateConnecting)
	assert.Equal(t, StateIdle, change.Previous)

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, RoleInitiator, info.Role)
	assert.Equal(t, "device-b", info.RemoteDeviceID)
	assert.Equal(t, StateConnecting, info.State)

	peer := h.peers.last()
	local, _, _, _ := peer.snapshot()
	require.Len(t, local, 1)
	assert.Equal(t, interfaces.SDPTypeOffer, local[0].Type)
	require.Len(t, peer.channels, 1)
	assert.Equal(t, "control", peer.channels[0].Label())
}

func TestCreateSessionWithID(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	_, err := h.m.CreateSessionWithID(context.Background(), "", "device-b")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	id, err := h.m.CreateSessionWithID(context.Background(), "relay-room-1", "device-b")
	require.NoError(t, err)
	assert.Equal(t, "relay-room-1", id)

	req := expectMessage(t, h.remote, signaling.TypeConnectionRequest).(signaling.ConnectionRequest)
	assert.Equal(t, "relay-room-1", req.SessionID)
	offer := expectMessage(t, h.remote, signaling.TypeOffer).(signaling.Offer)
	assert.Equal(t, "relay-room-1", offer.SessionID)
}

func TestCreateSessionTwiceReturnsAlreadyActive(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))
	ctx := context.Background()

	id, err := h.m.CreateSession(ctx, "device-b")
	require.NoError(t, err)
	waitForState(t, h.states, StateConnecting)

	_, err = h.m.CreateSession(ctx, "device-c")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.ErrorIs(t, h.m.JoinSession(ctx, "other"), ErrAlreadyActive)

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, id, info.SessionID)
	assert.Equal(t, StateConnecting, info.State)
	assert.Equal(t, 1, h.peers.count(), "rejected calls must not create a transport")
	assertNoStateChange(t, h.states)

	require.NoError(t, h.m.EndSession(ctx))
	_, err = h.m.CreateSession(ctx, "device-c")
	assert.NoError(t, err, "a new session is allowed once the previous one ended")
}

func TestStateStreamHoldsManyLifecyclesUnread(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))
	ch, cancel := h.m.Subscribe()
	defer cancel()
	assert.Equal(t, stateStreamBuffer, cap(ch))

	ctx := context.Background()
	const rounds = 10
	for i := 0; i < rounds; i++ {
		_, err := h.m.CreateSession(ctx, "device-b")
		require.NoError(t, err)
		waitForState(t, h.states, StateConnecting)
		require.NoError(t, h.m.EndSession(ctx))
		waitForState(t, h.states, StateEnded)
	}

	var ended int
	for len(ch) > 0 {
		if change := <-ch; change.State == StateEnded {
			ended++
		}
	}
	assert.Equal(t, rounds, ended, "an idle subscriber must not miss transitions")
}

func TestInitiatorReachesActiveAndSendsHeartbeats(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	// A configured local device announces itself before the offer.
	req := expectMessage(t, h.remote, signaling.TypeConnectionRequest).(signaling.ConnectionRequest)
	assert.Equal(t, id, req.SessionID)
	offer := expectMessage(t, h.remote, signaling.TypeOffer).(signaling.Offer)
	assert.Equal(t, id, offer.SessionID)
	waitForState(t, h.states, StateConnecting)

	h.sendRemote(t, signaling.Answer{Header: signaling.NewHeader(id), SDP: "v=0 answer"})
	waitForState(t, h.states, StateNegotiating)

	peer := h.peers.last()
	_, remote, _, _ := peer.snapshot()
	require.Len(t, remote, 1)
	assert.Equal(t, interfaces.SDPTypeAnswer, remote[0].Type)

	peer.emit(interfaces.ConnectionConnected)
	waitForState(t, h.states, StateActive)

	hb := expectMessage(t, h.remote, signaling.TypeHeartbeat).(signaling.Heartbeat)
	assert.Equal(t, id, hb.SessionID)
	assert.Equal(t, uint64(0), hb.Sequence)
}

func TestConnectedBeforeAnswerIsHeld(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	waitForState(t, h.states, StateConnecting)

	h.peers.last().emit(interfaces.ConnectionConnected)
	assertNoStateChange(t, h.states)

	h.sendRemote(t, signaling.Answer{Header: signaling.NewHeader(id), SDP: "v=0 answer"})
	waitForState(t, h.states, StateNegotiating)
	waitForState(t, h.states, StateActive)
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	waitForState(t, h.states, StateConnecting)

	answer := signaling.Answer{Header: signaling.NewHeader(id), SDP: "v=0 answer"}
	h.sendRemote(t, answer)
	waitForState(t, h.states, StateNegotiating)
	h.sendRemote(t, answer)
	assertNoStateChange(t, h.states)

	_, remote, _, _ := h.peers.last().snapshot()
	assert.Len(t, remote, 1)
}

func TestRemoteSessionEndReleasesOnce(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	peer := h.activeResponder(t, "s1")

	end := signaling.SessionEnd{Header: signaling.NewHeader("s1"), Reason: signaling.EndUserInitiated}
	h.sendRemote(t, end)
	waitForState(t, h.states, StateEnding)
	change := waitForState(t, h.states, StateEnded)
	assert.Equal(t, FailureNone, change.Failure)

	assert.Equal(t, 1, peer.closes())
	last, ok := h.m.Last()
	require.True(t, ok)
	assert.Equal(t, StateEnded, last.State)
	_, live := h.m.Current()
	assert.False(t, live)

	h.sendRemote(t, end)
	assertNoStateChange(t, h.states)
	assert.Equal(t, 1, peer.closes(), "duplicate SessionEnd must not release again")
	assert.NoError(t, h.m.EndSession(context.Background()))
	expectNoMessage(t, h.remote, signaling.TypeSessionEnd)
}

func TestEndSessionNotifiesRemote(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))
	ctx := context.Background()

	id, err := h.m.CreateSession(ctx, "device-b")
	require.NoError(t, err)
	waitForState(t, h.states, StateConnecting)

	require.NoError(t, h.m.EndSession(ctx))
	waitForState(t, h.states, StateEnded)

	expectMessage(t, h.remote, signaling.TypeConnectionRequest)
	expectMessage(t, h.remote, signaling.TypeOffer)
	end := expectMessage(t, h.remote, signaling.TypeSessionEnd).(signaling.SessionEnd)
	assert.Equal(t, id, end.SessionID)
	assert.Equal(t, signaling.EndUserInitiated, end.Reason)

	peer := h.peers.last()
	assert.Equal(t, 1, peer.closes())
	assert.Equal(t, 1, peer.channels[0].closeCount())

	require.NoError(t, h.m.EndSession(ctx))
	assert.Equal(t, 1, peer.closes())
}

func TestEndSessionReturnsSendErrorButEnds(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	h.activeResponder(t, "s1")

	boom := errors.New("relay gone")
	h.local.SetSendError(boom)
	err := h.m.EndSession(context.Background())
	assert.ErrorIs(t, err, boom)

	last, ok := h.m.Last()
	require.True(t, ok)
	assert.Equal(t, StateEnded, last.State)
}

func TestHeartbeatTimeoutFailsSession(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	peer := h.activeResponder(t, "s1")
	s := h.session()
	require.NotNil(t, s)

	h.clock.Advance(29 * time.Second)
	assert.False(t, h.m.checkLiveness(s, true))

	h.clock.Advance(2 * time.Second)
	assert.True(t, h.m.checkLiveness(s, true))

	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureTimeout, change.Failure)
	assert.ErrorIs(t, change.Failure.Err(), ErrTimeout)

	end := expectMessage(t, h.remote, signaling.TypeSessionEnd).(signaling.SessionEnd)
	assert.Equal(t, signaling.EndTimeout, end.Reason)
	assert.Equal(t, 1, peer.closes())

	assert.False(t, h.m.checkLiveness(s, true), "a finished session is never failed twice")
}

func TestInboundTrafficKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	h.activeResponder(t, "s1")
	s := h.session()

	h.clock.Advance(20 * time.Second)
	h.sendRemote(t, signaling.Heartbeat{Header: signaling.NewHeader("s1"), Sequence: 0})
	require.Eventually(t, func() bool {
		info, ok := h.m.Current()
		return ok && info.LastSeen.Equal(h.clock.Now())
	}, waitFor, 5*time.Millisecond)

	h.clock.Advance(20 * time.Second)
	assert.False(t, h.m.checkLiveness(s, true))

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
}

func TestNegotiationFailureOnOfferError(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))
	h.peers.prepare = func(p *mockPeer) { p.offerErr = errors.New("no codecs") }

	_, err := h.m.CreateSession(context.Background(), "device-b")
	assert.ErrorIs(t, err, ErrNegotiationFailed)

	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureNegotiationFailed, change.Failure)
	assert.Equal(t, 1, h.peers.last().closes())

	expectMessage(t, h.remote, signaling.TypeConnectionRequest)
	end := expectMessage(t, h.remote, signaling.TypeSessionEnd).(signaling.SessionEnd)
	assert.Equal(t, signaling.EndNegotiationFailed, end.Reason)

	h.peers.mu.Lock()
	h.peers.prepare = nil
	h.peers.mu.Unlock()
	_, err = h.m.CreateSession(context.Background(), "device-b")
	assert.NoError(t, err)
}

func TestAnswerFailureFailsResponder(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	h.peers.prepare = func(p *mockPeer) { p.setRemoteErr = errors.New("bad sdp") }

	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 garbage"})

	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureNegotiationFailed, change.Failure)
	assert.ErrorIs(t, change.Failure.Err(), ErrNegotiationFailed)
}

func TestNegotiationTimeout(t *testing.T) {
	cfg := testConfig("device-b")
	cfg.NegotiationTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))

	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureNegotiationTimeout, change.Failure)
	assert.ErrorIs(t, change.Failure.Err(), ErrTimeout)
	assert.Equal(t, 1, h.peers.last().closes())
}

func TestNegotiationTimeoutCancelledByActive(t *testing.T) {
	cfg := testConfig("device-b")
	cfg.NegotiationTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)

	h.activeResponder(t, "s1")
	time.Sleep(300 * time.Millisecond)

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
}

func TestStaleAnswerDiscardedAfterEnd(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	gate := make(chan struct{})
	h.peers.prepare = func(p *mockPeer) { p.answerGate = gate }

	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	waitForState(t, h.states, StateConnecting)
	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 remote-offer"})

	peer := h.peers.last()
	require.Eventually(t, func() bool {
		_, remote, _, _ := peer.snapshot()
		return len(remote) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.m.EndSession(context.Background()))
	waitForState(t, h.states, StateEnded)
	close(gate)

	expectNoMessage(t, h.remote, signaling.TypeAnswer)
	assertNoStateChange(t, h.states)
	assert.Empty(t, h.local.Sent(signaling.TypeAnswer))

	last, ok := h.m.Last()
	require.True(t, ok)
	assert.Equal(t, StateEnded, last.State)
}

func TestRejectedConnectionFailsInitiator(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	waitForState(t, h.states, StateConnecting)

	h.sendRemote(t, signaling.ConnectionResponse{Header: signaling.NewHeader(id), Accepted: false, Reason: "declined"})
	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureRejected, change.Failure)
	assert.ErrorIs(t, change.Failure.Err(), ErrRejected)
	assert.Empty(t, h.local.Sent(signaling.TypeSessionEnd), "a rejected session is not ended back to the rejecter")
}

func TestPeerFailureFailsSession(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	peer := h.activeResponder(t, "s1")

	peer.emit(interfaces.ConnectionDisconnected)
	assertNoStateChange(t, h.states)

	peer.emit(interfaces.ConnectionFailed)
	change := waitForState(t, h.states, StateFailed)
	assert.Equal(t, FailureConnectionLost, change.Failure)

	end := expectMessage(t, h.remote, signaling.TypeSessionEnd).(signaling.SessionEnd)
	assert.Equal(t, signaling.EndConnectionLost, end.Reason)
	assert.Equal(t, 1, peer.closes())
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))

	assert.ErrorIs(t, h.m.PauseSession(), ErrNoSession)

	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	waitForState(t, h.states, StateConnecting)
	assert.ErrorIs(t, h.m.PauseSession(), ErrInvalidTransition)
	require.NoError(t, h.m.EndSession(context.Background()))
	waitForState(t, h.states, StateEnded)

	h.activeResponder(t, "s2")
	require.NoError(t, h.m.PauseSession())
	waitForState(t, h.states, StatePaused)
	assert.ErrorIs(t, h.m.PauseSession(), ErrInvalidTransition)

	require.NoError(t, h.m.ResumeSession())
	change := waitForState(t, h.states, StateActive)
	assert.Equal(t, StatePaused, change.Previous)
}

func TestParkedOfferReplayedOnJoin(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))

	candidate := signaling.IceCandidate{Header: signaling.NewHeader("s2"), Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"}
	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s2"), SDP: "v=0 early-offer"})
	h.sendRemote(t, candidate)

	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return h.m.parkedID == "s2" && len(h.m.parked) == 2
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.m.JoinSession(context.Background(), "s2"))
	expectMessage(t, h.remote, signaling.TypeAnswer)
	waitForState(t, h.states, StateNegotiating)

	_, remote, candidates, _ := h.peers.last().snapshot()
	require.Len(t, remote, 1)
	assert.Equal(t, "v=0 early-offer", remote[0].SDP)
	require.Eventually(t, func() bool {
		_, _, candidates, _ = h.peers.last().snapshot()
		return len(candidates) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, candidate.Candidate, candidates[0].Candidate)
}

func TestRemoteCandidatesBufferedAndDeduplicated(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	waitForState(t, h.states, StateConnecting)

	c1 := signaling.IceCandidate{Header: signaling.NewHeader("s1"), Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"}
	c2 := signaling.IceCandidate{Header: signaling.NewHeader("s1"), Candidate: "candidate:2 1 udp 1 10.0.0.2 5000 typ host", SDPMid: "0"}

	h.sendRemote(t, c1)
	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 remote-offer"})
	expectMessage(t, h.remote, signaling.TypeAnswer)
	h.sendRemote(t, c1)
	h.sendRemote(t, c2)

	peer := h.peers.last()
	require.Eventually(t, func() bool {
		_, _, candidates, _ := peer.snapshot()
		return len(candidates) == 2
	}, waitFor, 5*time.Millisecond)

	h.sendRemote(t, c2)
	time.Sleep(20 * time.Millisecond)
	_, _, candidates, _ := peer.snapshot()
	require.Len(t, candidates, 2)
	assert.Equal(t, c1.Candidate, candidates[0].Candidate, "early candidate applied first")
	assert.Equal(t, c2.Candidate, candidates[1].Candidate)
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	waitForState(t, h.states, StateConnecting)

	peer := h.peers.last()
	peer.gather(interfaces.ICECandidate{Candidate: "candidate:9 1 udp 1 192.168.1.9 6000 typ host", SDPMid: "0"})

	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 remote-offer"})
	expectMessage(t, h.remote, signaling.TypeAnswer)
	c := expectMessage(t, h.remote, signaling.TypeIceCandidate).(signaling.IceCandidate)
	assert.Equal(t, "candidate:9 1 udp 1 192.168.1.9 6000 typ host", c.Candidate)

	peer.gather(interfaces.ICECandidate{Candidate: "candidate:10 1 udp 1 192.168.1.9 6001 typ host", SDPMid: "0"})
	c = expectMessage(t, h.remote, signaling.TypeIceCandidate).(signaling.IceCandidate)
	assert.Equal(t, "candidate:10 1 udp 1 192.168.1.9 6001 typ host", c.Candidate)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	peer := h.activeResponder(t, "s1")

	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 remote-offer"})
	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s1"), SDP: "v=0 renegotiate"})
	expectNoMessage(t, h.remote, signaling.TypeAnswer)

	_, remote, _, _ := peer.snapshot()
	assert.Len(t, remote, 1)
	assert.Len(t, h.local.Sent(signaling.TypeAnswer), 1)
}

func TestAcceptConnection(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	requests := make(chan signaling.ConnectionRequest, 1)
	h.m.OnConnectionRequest(func(req signaling.ConnectionRequest) { requests <- req })

	h.sendRemote(t, signaling.ConnectionRequest{
		Header:       signaling.NewHeader("s7"),
		FromDeviceID: "device-a",
		ToDeviceID:   "device-b",
		DeviceName:   "Helpdesk",
	})

	var req signaling.ConnectionRequest
	select {
	case req = <-requests:
	case <-time.After(waitFor):
		t.Fatal("connection request callback not invoked")
	}
	assert.Equal(t, "Helpdesk", req.DeviceName)

	require.NoError(t, h.m.AcceptConnection(context.Background(), req))
	resp := expectMessage(t, h.remote, signaling.TypeConnectionResponse).(signaling.ConnectionResponse)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "s7", resp.SessionID)

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, RoleResponder, info.Role)
	assert.Equal(t, "device-a", info.RemoteDeviceID)
}

func TestConnectionRequestWhileBusyIsDeclined(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	called := make(chan struct{}, 1)
	h.m.OnConnectionRequest(func(signaling.ConnectionRequest) { called <- struct{}{} })

	require.NoError(t, h.m.JoinSession(context.Background(), "s1"))
	h.sendRemote(t, signaling.ConnectionRequest{Header: signaling.NewHeader("s9"), FromDeviceID: "device-x", ToDeviceID: "device-b"})

	resp := expectMessage(t, h.remote, signaling.TypeConnectionResponse).(signaling.ConnectionResponse)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "busy", resp.Reason)
	assert.Equal(t, "s9", resp.SessionID)
	assert.Empty(t, called)

	info, _ := h.m.Current()
	assert.Equal(t, "s1", info.SessionID)
}

func TestRejectConnection(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	req := signaling.ConnectionRequest{Header: signaling.NewHeader("s3"), FromDeviceID: "device-a", ToDeviceID: "device-b"}

	h.sendRemote(t, signaling.Offer{Header: signaling.NewHeader("s3"), SDP: "v=0 offer"})
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return h.m.parkedID == "s3"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.m.RejectConnection(context.Background(), req, "not now"))
	resp := expectMessage(t, h.remote, signaling.TypeConnectionResponse).(signaling.ConnectionResponse)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "not now", resp.Reason)

	h.m.mu.Lock()
	assert.Empty(t, h.m.parked)
	h.m.mu.Unlock()
	_, live := h.m.Current()
	assert.False(t, live)
}

func TestMessagesForOtherSessionsDropped(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	h.activeResponder(t, "s1")

	h.sendRemote(t, signaling.SessionEnd{Header: signaling.NewHeader("other"), Reason: signaling.EndUserInitiated})
	err := h.local.InjectFrame(context.Background(), []byte(`{"type":"session_end","sessionId":"s1","timestamp":1,"payload":{"reason":"bogus"}}`))
	assert.ErrorIs(t, err, signaling.ErrValidation)
	assertNoStateChange(t, h.states)

	info, ok := h.m.Current()
	require.True(t, ok)
	assert.Equal(t, StateActive, info.State)
}

func TestQualityAdjustments(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	preset, err := av.DefaultLadder().PresetByName("480p")
	require.NoError(t, err)

	assert.ErrorIs(t, h.m.SendQualityAdjustment(context.Background(), preset, "bandwidth"), ErrNoSession)
	assert.ErrorIs(t, h.m.ApplyQuality(preset), ErrNoSession)

	received := make(chan signaling.QualityAdjustment, 1)
	h.m.OnQualityAdjustment(func(qa signaling.QualityAdjustment) { received <- qa })
	peer := h.activeResponder(t, "s1")

	require.NoError(t, h.m.SendQualityAdjustment(context.Background(), preset, "bandwidth"))
	qa := expectMessage(t, h.remote, signaling.TypeQualityAdjustment).(signaling.QualityAdjustment)
	assert.Equal(t, preset.Width, qa.Width)
	assert.Equal(t, preset.Bitrate, qa.Bitrate)
	assert.Equal(t, "bandwidth", qa.Reason)

	require.NoError(t, h.m.ApplyQuality(preset))
	peer.mu.Lock()
	assert.Equal(t, []av.QualityPreset{preset}, peer.presets)
	peer.mu.Unlock()

	inbound := signaling.NewQualityAdjustment(signaling.NewHeader("s1"), preset, "remote cpu")
	h.sendRemote(t, inbound)
	select {
	case got := <-received:
		assert.Equal(t, "remote cpu", got.Reason)
	case <-time.After(waitFor):
		t.Fatal("quality adjustment callback not invoked")
	}
	assertNoStateChange(t, h.states)
}

func TestStopEndsLiveSession(t *testing.T) {
	h := newHarness(t, testConfig("device-b"))
	peer := h.activeResponder(t, "s1")

	h.m.Stop()
	h.m.Stop()

	end := expectMessage(t, h.remote, signaling.TypeSessionEnd).(signaling.SessionEnd)
	assert.Equal(t, signaling.EndUserInitiated, end.Reason)
	assert.Equal(t, 1, peer.closes())

	last, ok := h.m.Last()
	require.True(t, ok)
	assert.Equal(t, StateEnded, last.State)

	_, err := h.m.CreateSession(context.Background(), "device-a")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestInitiatorStateSequence(t *testing.T) {
	h := newHarness(t, testConfig("device-a"))

	id, err := h.m.CreateSession(context.Background(), "device-b")
	require.NoError(t, err)
	h.sendRemote(t, signaling.Answer{Header: signaling.NewHeader(id), SDP: "v=0 answer"})
	waitForState(t, h.states, StateNegotiating)
	h.peers.last().emit(interfaces.ConnectionConnected)
	waitForState(t, h.states, StateActive)
	require.NoError(t, h.m.EndSession(context.Background()))

	want := []State{StateEnding, StateEnded}
	for _, state := range want {
		select {
		case change := <-h.states:
			assert.Equal(t, id, change.SessionID)
			assert.Equal(t, state, change.State)
		case <-time.After(waitFor):
			t.Fatalf("missing transition to %s", state)
		}
	}

	last, ok := h.m.Last()
	require.True(t, ok)
	assert.Equal(t, id, last.SessionID)
	assert.Equal(t, StateEnded, last.State)
	assert.Equal(t, RoleInitiator, last.Role)
}

func TestTwoManagersNegotiate(t *testing.T) {
	trA, trB := transport.NewMemoryPair(64)
	peersA, peersB := &peerSource{}, &peerSource{}

	a, err := NewManager(trA, peersA.factory, testConfig("device-a"))
	require.NoError(t, err)
	b, err := NewManager(trB, peersB.factory, testConfig("device-b"))
	require.NoError(t, err)

	statesA, cancelA := a.Subscribe()
	defer cancelA()
	statesB, cancelB := b.Subscribe()
	defer cancelB()

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	requests := make(chan signaling.ConnectionRequest, 1)
	b.OnConnectionRequest(func(req signaling.ConnectionRequest) { requests <- req })

	id, err := a.CreateSession(ctx, "device-b")
	require.NoError(t, err)

	var req signaling.ConnectionRequest
	select {
	case req = <-requests:
	case <-time.After(waitFor):
		t.Fatal("responder never saw the connection request")
	}
	require.Equal(t, id, req.SessionID)
	require.NoError(t, b.AcceptConnection(ctx, req))

	waitForState(t, statesA, StateNegotiating)
	waitForState(t, statesB, StateNegotiating)

	peersA.last().emit(interfaces.ConnectionConnected)
	peersB.last().emit(interfaces.ConnectionConnected)
	waitForState(t, statesA, StateActive)
	waitForState(t, statesB, StateActive)

	_, remoteA, _, _ := peersA.last().snapshot()
	_, remoteB, _, _ := peersB.last().snapshot()
	require.Len(t, remoteA, 1)
	require.Len(t, remoteB, 1)
	assert.Equal(t, "v=0 answer", remoteA[0].SDP)
	assert.Equal(t, "v=0 offer-1", remoteB[0].SDP)

	require.NoError(t, a.EndSession(ctx))
	waitForState(t, statesA, StateEnded)
	waitForState(t, statesB, StateEnded)
	assert.Equal(t, 1, peersA.last().closes())
	assert.Equal(t, 1, peersB.last().closes())
}
