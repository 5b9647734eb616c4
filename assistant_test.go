package remoteassist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/config"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/session"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/opd-ai/remoteassist/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// fakePeer connects as soon as it holds both descriptions and reports a
// fixed network sample.
type fakePeer struct {
	mu        sync.Mutex
	local     bool
	remote    bool
	connected bool
	presets   []av.QualityPreset
	sample    av.NetworkSample
	sampleErr error
	closed    bool

	states     chan interfaces.ConnectionState
	candidates chan interfaces.ICECandidate
}

func newFakePeer(sample av.NetworkSample) *fakePeer {
	return &fakePeer{
		sample:     sample,
		states:     make(chan interfaces.ConnectionState, 8),
		candidates: make(chan interfaces.ICECandidate, 8),
	}
}

func (p *fakePeer) CreateOffer(ctx context.Context) (interfaces.SessionDescription, error) {
	return interfaces.SessionDescription{Type: interfaces.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (interfaces.SessionDescription, error) {
	return interfaces.SessionDescription{Type: interfaces.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = true
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = true
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) maybeConnectLocked() {
	if p.local && p.remote && !p.connected && !p.closed {
		p.connected = true
		p.states <- interfaces.ConnectionConnected
	}
}

func (p *fakePeer) AddICECandidate(ctx context.Context, c interfaces.ICECandidate) error {
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (interfaces.DataChannel, error) {
	return fakeChannel(label), nil
}

func (p *fakePeer) ConnectionStates() <-chan interfaces.ConnectionState { return p.states }

func (p *fakePeer) LocalCandidates() <-chan interfaces.ICECandidate { return p.candidates }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.states)
		close(p.candidates)
	}
	return nil
}

func (p *fakePeer) ApplyPreset(preset av.QualityPreset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presets = append(p.presets, preset)
	return nil
}

func (p *fakePeer) Sample(ctx context.Context) (av.NetworkSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample, p.sampleErr
}

func (p *fakePeer) applied() []av.QualityPreset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]av.QualityPreset(nil), p.presets...)
}

type fakeChannel string

func (c fakeChannel) Label() string          { return string(c) }
func (c fakeChannel) Send(data []byte) error { return nil }
func (c fakeChannel) Close() error           { return nil }

type peerRecorder struct {
	mu     sync.Mutex
	sample av.NetworkSample
	peers  []*fakePeer
}

func (r *peerRecorder) factory(ctx context.Context) (interfaces.PeerTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := newFakePeer(r.sample)
	r.peers = append(r.peers, p)
	return p, nil
}

func (r *peerRecorder) last() *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		return nil
	}
	return r.peers[len(r.peers)-1]
}

func testConfig(deviceID string) *config.Config {
	cfg := config.Default()
	cfg.Session.DeviceID = deviceID
	cfg.Quality.EvaluationInterval = config.Duration(50 * time.Millisecond)
	cfg.Quality.SampleInterval = config.Duration(20 * time.Millisecond)
	cfg.Quality.StabilityThreshold = 1000
	cfg.ICE.Servers = nil
	return cfg
}

type pair struct {
	a, b           *Assistant
	peersA, peersB *peerRecorder
	statesA        chan session.StateChange
	statesB        chan session.StateChange
	remoteQuality  chan signaling.QualityAdjustment
	requests       chan signaling.ConnectionRequest
}

func newPair(t *testing.T, sample av.NetworkSample, mutate func(*config.Config)) *pair {
	t.Helper()
	trA, trB := transport.NewMemoryPair(64)
	p := &pair{
		peersA:        &peerRecorder{sample: sample},
		peersB:        &peerRecorder{sample: sample},
		statesA:       make(chan session.StateChange, 64),
		statesB:       make(chan session.StateChange, 64),
		remoteQuality: make(chan signaling.QualityAdjustment, 16),
		requests:      make(chan signaling.ConnectionRequest, 1),
	}

	cfgA, cfgB := testConfig("device-a"), testConfig("device-b")
	if mutate != nil {
		mutate(cfgA)
	}

	var err error
	p.a, err = New(cfgA, trA, p.peersA.factory)
	require.NoError(t, err)
	p.b, err = New(cfgB, trB, p.peersB.factory)
	require.NoError(t, err)

	p.a.CallbackStateChange(func(c session.StateChange) { p.statesA <- c })
	p.b.CallbackStateChange(func(c session.StateChange) { p.statesB <- c })
	p.b.CallbackRemoteQuality(func(q signaling.QualityAdjustment) { p.remoteQuality <- q })
	p.b.CallbackConnectionRequest(func(req signaling.ConnectionRequest) { p.requests <- req })

	require.NoError(t, p.a.Start(context.Background()))
	require.NoError(t, p.b.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func (p *pair) connect(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := p.a.CreateSession(ctx, "device-b")
	require.NoError(t, err)

	select {
	case req := <-p.requests:
		require.NoError(t, p.b.AcceptConnection(ctx, req))
	case <-time.After(waitFor):
		t.Fatal("connection request not delivered")
	}

	waitForState(t, p.statesA, session.StateActive)
	waitForState(t, p.statesB, session.StateActive)
	return id
}

func waitForState(t *testing.T, ch <-chan session.StateChange, want session.State) session.StateChange {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case c := <-ch:
			if c.State == want {
				return c
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tr, _ := transport.NewMemoryPair(1)
	newPeer := (&peerRecorder{}).factory

	_, err := New(nil, tr, newPeer)
	assert.Error(t, err)

	bad := testConfig("x")
	bad.Quality.InitialPreset = "8k"
	_, err = New(bad, tr, newPeer)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(testConfig("x"), nil, newPeer)
	assert.Error(t, err)
}

func TestActiveSessionStartsQualityFromMeasuredBandwidth(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3200}, nil)
	id := p.connect(t)

	// 3200 kbps with 80% headroom is a 2.56 Mbps budget, enough for 720p at 2.5 Mbps.
	require.Eventually(t, func() bool { return p.a.Controller().IsRunning() }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "720p", p.peersA.last().applied()[0].Name)
	assert.Equal(t, "720p", p.a.CurrentPreset().Name)

	select {
	case q := <-p.remoteQuality:
		assert.Equal(t, id, q.SessionID)
		assert.Equal(t, 720, q.Height)
	case <-time.After(waitFor):
		t.Fatal("remote side never saw the quality adjustment")
	}
}

func TestQualityStats(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, PacketLoss: 0.001, BandwidthKbps: 3200}, func(c *config.Config) { c.Quality.DegradationThreshold = 2 })
	p.connect(t)
	require.Eventually(t, func() bool { return p.a.QualityStats().HasSample }, waitFor, 10*time.Millisecond)

	stats := p.a.QualityStats()
	assert.Equal(t, "720p", stats.Preset.Name)
	assert.Equal(t, 3200, stats.Sample.BandwidthKbps)
	assert.Zero(t, stats.Adjustments)

	p.a.ReportFrameHealth(true)
	p.a.ReportFrameHealth(true)
	p.a.ReportFrameHealth(false)
	stats = p.a.QualityStats()
	assert.Equal(t, 1, stats.StableFrames)
	assert.Equal(t, 1, stats.DegradedFrames)

	peer := p.peersA.last()
	peer.mu.Lock()
	peer.sample = av.NetworkSample{LatencyMs: 900, PacketLoss: 0.2, BandwidthKbps: 3200}
	peer.mu.Unlock()
	require.Eventually(t, func() bool { return p.a.QualityStats().Adjustments > 0 }, waitFor, 10*time.Millisecond)
	assert.Less(t, p.a.QualityStats().Preset.Bitrate, 2_500_000)
}

func TestBandwidthJustUnderPresetSelectsNextTier(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, nil)
	p.connect(t)

	// A 2.4 Mbps budget does not fit 720p, so the first preset under it is 480p.
	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "480p", p.peersA.last().applied()[0].Name)
}

func TestLowBandwidthSelectsLowerPreset(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 700}, nil)
	p.connect(t)

	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "360p", p.peersA.last().applied()[0].Name)
}

func TestConfiguredPresetWithoutSample(t *testing.T) {
	p := newPair(t, av.NetworkSample{}, func(c *config.Config) { c.Quality.InitialPreset = "480p" })
	p.connect(t)

	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "480p", p.peersA.last().applied()[0].Name, "zero bandwidth falls back to the configured preset")
}

func TestNotifyRemoteDisabled(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, func(c *config.Config) { c.Quality.NotifyRemote = false })
	p.connect(t)

	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)
	select {
	case q := <-p.remoteQuality:
		t.Fatalf("unexpected quality adjustment %+v", q)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPoorNetworkDegradesAndAnnounces(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, func(c *config.Config) { c.Quality.DegradationThreshold = 2 })
	p.connect(t)
	require.Eventually(t, func() bool { return len(p.peersA.last().applied()) > 0 }, waitFor, 10*time.Millisecond)

	peer := p.peersA.last()
	peer.mu.Lock()
	peer.sample = av.NetworkSample{LatencyMs: 900, PacketLoss: 0.2, BandwidthKbps: 3000}
	peer.mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok := p.a.QualityState().(av.Degraded)
		return ok
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		applied := peer.applied()
		return len(applied) > 1 && applied[len(applied)-1].Bitrate < applied[0].Bitrate
	}, waitFor, 10*time.Millisecond)
}

func TestEndedSessionStopsQuality(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, nil)
	p.connect(t)
	require.Eventually(t, func() bool { return p.a.Controller().IsRunning() }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.b.Controller().IsRunning() }, waitFor, 10*time.Millisecond)

	require.NoError(t, p.a.EndSession(context.Background()))
	waitForState(t, p.statesA, session.StateEnded)
	waitForState(t, p.statesB, session.StateEnded)

	require.Eventually(t, func() bool { return !p.a.Controller().IsRunning() }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !p.b.Controller().IsRunning() }, waitFor, 10*time.Millisecond)
	assert.Equal(t, av.Initial{}, p.a.QualityState())
}

func TestPauseKeepsQualityRunning(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, nil)
	p.connect(t)
	require.Eventually(t, func() bool { return p.a.Controller().IsRunning() }, waitFor, 10*time.Millisecond)

	require.NoError(t, p.a.PauseSession())
	waitForState(t, p.statesA, session.StatePaused)
	require.NoError(t, p.a.ResumeSession())
	waitForState(t, p.statesA, session.StateActive)

	assert.True(t, p.a.Controller().IsRunning())
}

func TestSetManualPreset(t *testing.T) {
	p := newPair(t, av.NetworkSample{LatencyMs: 20, BandwidthKbps: 3000}, nil)
	p.connect(t)
	require.Eventually(t, func() bool { return p.a.Controller().IsRunning() }, waitFor, 10*time.Millisecond)

	assert.Error(t, p.a.SetManualPreset("8k"))
	require.NoError(t, p.a.SetManualPreset("240p"))
	assert.False(t, p.a.Controller().IsRunning())
	assert.Equal(t, "240p", p.a.CurrentPreset().Name)
}

func TestUpdateConfig(t *testing.T) {
	tr, _ := transport.NewMemoryPair(1)
	a, err := New(testConfig("x"), tr, (&peerRecorder{}).factory)
	require.NoError(t, err)

	assert.Error(t, a.UpdateConfig(nil))

	next := testConfig("x")
	next.Quality.InitialPreset = "1080p"
	next.Quality.NotifyRemote = false
	require.NoError(t, a.UpdateConfig(next))

	a.mu.RLock()
	defer a.mu.RUnlock()
	assert.Equal(t, "1080p", a.initialPreset.Name)
	assert.False(t, a.notifyRemote)
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, _ := transport.NewMemoryPair(1)
	a, err := New(testConfig("x"), tr, (&peerRecorder{}).factory)
	require.NoError(t, err)

	require.NoError(t, a.Close(), "close before start")
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.CreateSession(context.Background(), "device-b")
	assert.ErrorIs(t, err, session.ErrNotRunning)
}
