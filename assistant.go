package remoteassist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/config"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/session"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

// probeTimeout bounds the network sample taken when a session turns Active.
const probeTimeout = time.Second

// Assistant ties a session manager to an adaptive quality controller.
//
// When a session becomes Active the controller starts from a preset chosen
// for the measured bandwidth, and samples from the peer transport feed it
// until the session ends. Every preset the controller settles on is applied
// to the peer transport and, optionally, announced to the remote side.
type Assistant struct {
	manager    *session.Manager
	controller *av.Controller
	ladder     *av.Ladder

	mu             sync.RWMutex
	initialPreset  av.QualityPreset
	sampleInterval time.Duration
	sendTimeout    time.Duration
	notifyRemote   bool
	running        bool
	cancel         context.CancelFunc
	unsubscribe    []func()

	// qualitySession is the session the controller currently runs for
	qualitySession string
	pumpCancel     context.CancelFunc
	pumpDone       chan struct{}
	lastApplied    string

	stateCb   func(session.StateChange)
	qualityCb func(av.QualityState)

	wg sync.WaitGroup
}

// New creates an Assistant from cfg. Start must be called before sessions
// can be created or joined.
func New(cfg *config.Config, sig interfaces.SignalingTransport, newPeer session.PeerFactory) (*Assistant, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initial, err := cfg.InitialPreset()
	if err != nil {
		return nil, err
	}

	manager, err := session.NewManager(sig, newPeer, cfg.SessionConfig())
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	ladder := av.DefaultLadder()
	a := &Assistant{
		manager:        manager,
		controller:     av.NewController(ladder, cfg.ControllerConfig()),
		ladder:         ladder,
		initialPreset:  initial,
		sampleInterval: cfg.Quality.SampleInterval.Std(),
		sendTimeout:    cfg.Session.SendTimeout.Std(),
		notifyRemote:   cfg.Quality.NotifyRemote,
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"device_id":      cfg.Session.DeviceID,
		"initial_preset": initial.Name,
		"notify_remote":  cfg.Quality.NotifyRemote,
	}).Info("Created remote assistant")
	return a, nil
}

// Start launches the session manager and the goroutines that connect it
// to the quality controller.
func (a *Assistant) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	states, cancelStates := a.manager.Subscribe()
	qualities, cancelQualities := a.controller.Subscribe()
	if err := a.manager.Start(ctx); err != nil {
		cancelStates()
		cancelQualities()
		return fmt.Errorf("start session manager: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.unsubscribe = []func(){cancelStates, cancelQualities}
	a.running = true

	a.wg.Add(2)
	go a.watchSessions(runCtx, states)
	go a.watchQuality(runCtx, qualities)

	logrus.WithFields(logrus.Fields{
		"function": "Assistant.Start",
	}).Info("Remote assistant started")
	return nil
}

// Close ends any live session and stops every goroutine. It is idempotent.
func (a *Assistant) Close() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	a.manager.Stop()
	cancel()
	for _, fn := range unsubscribe {
		fn()
	}
	a.wg.Wait()
	a.stopQuality("")

	logrus.WithFields(logrus.Fields{
		"function": "Assistant.Close",
	}).Info("Remote assistant closed")
	return nil
}

func (a *Assistant) watchSessions(ctx context.Context, states <-chan session.StateChange) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-states:
			if !ok {
				return
			}
			a.handleStateChange(change)
		}
	}
}

func (a *Assistant) handleStateChange(change session.StateChange) {
	a.mu.RLock()
	cb := a.stateCb
	a.mu.RUnlock()
	if cb != nil {
		cb(change)
	}

	switch change.State {
	case session.StateActive:
		if change.Previous != session.StatePaused {
			a.startQuality(change.SessionID)
		}
	case session.StateEnded, session.StateFailed:
		a.stopQuality(change.SessionID)
	}
}

// startQuality starts the controller for sessionID with a preset matched
// to the measured bandwidth when a measurement is available.
func (a *Assistant) startQuality(sessionID string) {
	peer, _ := a.manager.Peer()
	src, sampling := peer.(av.SampleSource)

	a.mu.RLock()
	preset := a.initialPreset
	interval := a.sampleInterval
	a.mu.RUnlock()

	if sampling {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		sample, err := src.Sample(ctx)
		cancel()
		if err == nil && sample.BandwidthKbps > 0 {
			preset = a.ladder.RecommendedPreset(sample.BandwidthKbps)
			a.controller.UpdateNetworkMetrics(sample.LatencyMs, sample.PacketLoss, sample.BandwidthKbps)
		} else if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Assistant.startQuality",
				"session_id": sessionID,
				"error":      err.Error(),
			}).Debug("No initial network sample, using configured preset")
		}
	}

	a.mu.Lock()
	a.qualitySession = sessionID
	a.lastApplied = ""
	a.mu.Unlock()

	a.controller.Start(preset)

	if sampling {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		a.mu.Lock()
		a.pumpCancel = cancel
		a.pumpDone = done
		a.mu.Unlock()
		go func() {
			defer close(done)
			av.PumpSamples(ctx, src, a.controller, interval)
		}()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Assistant.startQuality",
		"session_id": sessionID,
		"preset":     preset.Name,
		"sampling":   sampling,
	}).Info("Adaptive quality started for session")
}

// stopQuality stops the controller and sampling. An empty sessionID stops
// regardless of which session they run for.
func (a *Assistant) stopQuality(sessionID string) {
	a.mu.Lock()
	if sessionID != "" && a.qualitySession != sessionID {
		a.mu.Unlock()
		return
	}
	cancel, done := a.pumpCancel, a.pumpDone
	a.pumpCancel, a.pumpDone = nil, nil
	a.qualitySession = ""
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	a.controller.Stop()
}

func (a *Assistant) watchQuality(ctx context.Context, qualities <-chan av.QualityState) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-qualities:
			if !ok {
				return
			}
			a.handleQualityState(state)
		}
	}
}

func (a *Assistant) handleQualityState(state av.QualityState) {
	a.mu.RLock()
	cb := a.qualityCb
	a.mu.RUnlock()
	if cb != nil {
		cb(state)
	}

	switch s := state.(type) {
	case av.Stable:
		a.applyPreset(s.Preset, "network stable")
	case av.Degraded:
		a.applyPreset(s.Preset, s.Reason)
	}
}

// applyPreset pushes preset to the peer transport and announces it.
// A preset equal to the last one applied is skipped.
func (a *Assistant) applyPreset(preset av.QualityPreset, reason string) {
	a.mu.Lock()
	if a.qualitySession == "" || a.lastApplied == preset.Name {
		a.mu.Unlock()
		return
	}
	a.lastApplied = preset.Name
	notify := a.notifyRemote
	timeout := a.sendTimeout
	a.mu.Unlock()

	if err := a.manager.ApplyQuality(preset); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Assistant.applyPreset",
			"preset":   preset.Name,
			"error":    err.Error(),
		}).Warn("Failed to apply quality preset")
	}
	if !notify {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.manager.SendQualityAdjustment(ctx, preset, reason); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Assistant.applyPreset",
			"preset":   preset.Name,
			"error":    err.Error(),
		}).Warn("Failed to announce quality preset")
	}
}

// UpdateConfig applies the settings that can change while running: quality
// thresholds, the sampling interval for the next session, the initial
// preset and remote notification.
func (a *Assistant) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	initial, err := cfg.InitialPreset()
	if err != nil {
		return err
	}
	if err := a.controller.SetThresholds(cfg.Thresholds()); err != nil {
		return err
	}

	a.mu.Lock()
	a.initialPreset = initial
	a.sampleInterval = cfg.Quality.SampleInterval.Std()
	a.notifyRemote = cfg.Quality.NotifyRemote
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "Assistant.UpdateConfig",
		"initial_preset": initial.Name,
		"notify_remote":  cfg.Quality.NotifyRemote,
	}).Info("Remote assistant configuration updated")
	return nil
}

// CreateSession starts an outbound session to remoteDeviceID.
func (a *Assistant) CreateSession(ctx context.Context, remoteDeviceID string) (string, error) {
	return a.manager.CreateSession(ctx, remoteDeviceID)
}

// CreateSessionWithID starts an outbound session under a relay-assigned id.
func (a *Assistant) CreateSessionWithID(ctx context.Context, sessionID, remoteDeviceID string) (string, error) {
	return a.manager.CreateSessionWithID(ctx, sessionID, remoteDeviceID)
}

// JoinSession joins a session created by the remote side.
func (a *Assistant) JoinSession(ctx context.Context, sessionID string) error {
	return a.manager.JoinSession(ctx, sessionID)
}

// AcceptConnection accepts an inbound connection request.
func (a *Assistant) AcceptConnection(ctx context.Context, req signaling.ConnectionRequest) error {
	return a.manager.AcceptConnection(ctx, req)
}

// RejectConnection declines an inbound connection request.
func (a *Assistant) RejectConnection(ctx context.Context, req signaling.ConnectionRequest, reason string) error {
	return a.manager.RejectConnection(ctx, req, reason)
}

// EndSession ends the live session.
func (a *Assistant) EndSession(ctx context.Context) error {
	return a.manager.EndSession(ctx)
}

// PauseSession pauses the live session.
func (a *Assistant) PauseSession() error {
	return a.manager.PauseSession()
}

// ResumeSession resumes a paused session.
func (a *Assistant) ResumeSession() error {
	return a.manager.ResumeSession()
}

// ReportFrameHealth forwards a decoded-frame health report to the controller.
func (a *Assistant) ReportFrameHealth(healthy bool) {
	a.controller.ReportFrameHealth(healthy)
}

// UpdateNetworkMetrics forwards an externally measured sample to the controller.
func (a *Assistant) UpdateNetworkMetrics(latencyMs, packetLoss float64, bandwidthKbps int) {
	a.controller.UpdateNetworkMetrics(latencyMs, packetLoss, bandwidthKbps)
}

// SetManualPreset pins the controller to the named preset.
func (a *Assistant) SetManualPreset(name string) error {
	preset, err := a.ladder.PresetByName(name)
	if err != nil {
		return err
	}
	a.controller.SetManualConfig(preset)
	return nil
}

// Current returns the live session snapshot, if any.
func (a *Assistant) Current() (session.Info, bool) {
	return a.manager.Current()
}

// QualityState returns the controller's last published state.
func (a *Assistant) QualityState() av.QualityState {
	return a.controller.State()
}

// CurrentPreset returns the preset the controller currently selects.
func (a *Assistant) CurrentPreset() av.QualityPreset {
	return a.controller.CurrentPreset()
}

// QualityStats summarizes what the quality controller is working from.
type QualityStats struct {
	Preset         av.QualityPreset
	Sample         av.NetworkSample
	HasSample      bool
	StableFrames   int
	DegradedFrames int
	Adjustments    uint64
}

// QualityStats returns the controller's current preset, its latest valid
// network sample, its frame-health counters and how many ladder moves it made.
func (a *Assistant) QualityStats() QualityStats {
	sample, ok := a.controller.LatestSample()
	stable, degraded := a.controller.FrameCounters()
	return QualityStats{
		Preset:         a.controller.CurrentPreset(),
		Sample:         sample,
		HasSample:      ok,
		StableFrames:   stable,
		DegradedFrames: degraded,
		Adjustments:    a.controller.Adjustments(),
	}
}

// Manager exposes the underlying session manager.
func (a *Assistant) Manager() *session.Manager {
	return a.manager
}

// Controller exposes the underlying quality controller.
func (a *Assistant) Controller() *av.Controller {
	return a.controller
}

// CallbackStateChange registers fn for every session transition.
func (a *Assistant) CallbackStateChange(fn func(session.StateChange)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateCb = fn
}

// CallbackQualityChange registers fn for every controller state.
func (a *Assistant) CallbackQualityChange(fn func(av.QualityState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.qualityCb = fn
}

// CallbackConnectionRequest registers fn for inbound connection requests.
func (a *Assistant) CallbackConnectionRequest(fn func(signaling.ConnectionRequest)) {
	a.manager.OnConnectionRequest(fn)
}

// CallbackRemoteQuality registers fn for quality announcements from the remote side.
func (a *Assistant) CallbackRemoteQuality(fn func(signaling.QualityAdjustment)) {
	a.manager.OnQualityAdjustment(fn)
}
