package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/interfaces"
)

// mockPeer is a scripted PeerTransport. It never connects by itself; tests
// drive connectivity with emit.
type mockPeer struct {
	mu sync.Mutex

	offerErr     error
	answerErr    error
	setRemoteErr error
	answerGate   chan struct{}

	offers     int
	local      []interfaces.SessionDescription
	remote     []interfaces.SessionDescription
	candidates []interfaces.ICECandidate
	channels   []*mockChannel
	presets    []av.QualityPreset
	closeCount int
	closed     bool

	states     chan interfaces.ConnectionState
	localCands chan interfaces.ICECandidate
}

func newMockPeer() *mockPeer {
	return &mockPeer{
		states:     make(chan interfaces.ConnectionState, 8),
		localCands: make(chan interfaces.ICECandidate, 8),
	}
}

func (p *mockPeer) CreateOffer(ctx context.Context) (interfaces.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return interfaces.SessionDescription{}, p.offerErr
	}
	p.offers++
	return interfaces.SessionDescription{Type: interfaces.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", p.offers)}, nil
}

func (p *mockPeer) CreateAnswer(ctx context.Context) (interfaces.SessionDescription, error) {
	p.mu.Lock()
	gate, err := p.answerGate, p.answerErr
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return interfaces.SessionDescription{}, err
	}
	return interfaces.SessionDescription{Type: interfaces.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *mockPeer) SetLocalDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *mockPeer) SetRemoteDescription(ctx context.Context, desc interfaces.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.remote = append(p.remote, desc)
	return nil
}

func (p *mockPeer) AddICECandidate(ctx context.Context, c interfaces.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *mockPeer) CreateDataChannel(label string) (interfaces.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &mockChannel{label: label}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *mockPeer) ConnectionStates() <-chan interfaces.ConnectionState { return p.states }

func (p *mockPeer) LocalCandidates() <-chan interfaces.ICECandidate { return p.localCands }

func (p *mockPeer) ApplyPreset(preset av.QualityPreset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presets = append(p.presets, preset)
	return nil
}

func (p *mockPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	if !p.closed {
		p.closed = true
		close(p.states)
		close(p.localCands)
	}
	return nil
}

func (p *mockPeer) emit(state interfaces.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.states <- state
	}
}

func (p *mockPeer) gather(c interfaces.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.localCands <- c
	}
}

func (p *mockPeer) snapshot() (local, remote []interfaces.SessionDescription, candidates []interfaces.ICECandidate, closeCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interfaces.SessionDescription(nil), p.local...),
		append([]interfaces.SessionDescription(nil), p.remote...),
		append([]interfaces.ICECandidate(nil), p.candidates...),
		p.closeCount
}

func (p *mockPeer) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

type mockChannel struct {
	mu     sync.Mutex
	label  string
	closes int
}

func (c *mockChannel) Label() string { return c.label }

func (c *mockChannel) Send(data []byte) error { return nil }

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *mockChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// mockClock is a manually advanced TimeProvider.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
