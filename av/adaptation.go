// Package av provides adaptive quality control for remote-assistance video.
//
// This module walks a fixed quality ladder up and down based on measured
// network conditions, using frame-health hysteresis counters so decisions
// are not flappy.
//
// Design Philosophy:
// - One ladder step per evaluation tick, so the transport can re-converge
// - Promote slowly (stability counter must exceed a threshold)
// - Demote on FAIR only after sustained unhealthy frames, on POOR at once
// - Publish every transition on a read-only subscription
package av

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/remoteassist/internal/broadcast"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultEvaluationInterval is the period of the evaluation loop.
	DefaultEvaluationInterval = 2 * time.Second

	// DefaultStabilityThreshold is the healthy-frame count that must be exceeded before promotion.
	DefaultStabilityThreshold = 30

	// DefaultDegradationThreshold is the unhealthy-frame count that must be exceeded before a FAIR demotion.
	DefaultDegradationThreshold = 10
)

// ControllerConfig defines adaptation parameters.
type ControllerConfig struct {
	EvaluationInterval   time.Duration
	StabilityThreshold   int
	DegradationThreshold int
	Thresholds           QualityThresholds
}

// DefaultControllerConfig returns the standard adaptation parameters.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		EvaluationInterval:   DefaultEvaluationInterval,
		StabilityThreshold:   DefaultStabilityThreshold,
		DegradationThreshold: DefaultDegradationThreshold,
		Thresholds:           DefaultQualityThresholds(),
	}
}

// withDefaults fills zero-valued fields.
func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = DefaultEvaluationInterval
	}
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = DefaultStabilityThreshold
	}
	if c.DegradationThreshold <= 0 {
		c.DegradationThreshold = DefaultDegradationThreshold
	}
	if c.Thresholds == (QualityThresholds{}) {
		c.Thresholds = DefaultQualityThresholds()
	}
	return c
}

// Controller selects a quality preset from a ladder.
//
// The controller is the only writer of its QualityState and hysteresis
// counters; callers feed it samples and frame-health reports and observe
// decisions through Subscribe.
type Controller struct {
	mu     sync.Mutex
	ladder *Ladder
	config ControllerConfig

	index     int
	sample    NetworkSample
	hasSample bool

	// Hysteresis memory
	stableFrameCount   int
	degradedFrameCount int

	state       QualityState
	adjustments uint64

	// Evaluation loop lifecycle
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	states *broadcast.Bus[QualityState]
}

// NewController creates a controller in the Initial state.
// A nil ladder selects DefaultLadder; zero config fields select defaults.
func NewController(ladder *Ladder, config ControllerConfig) *Controller {
	if ladder == nil {
		ladder = DefaultLadder()
	}
	config = config.withDefaults()

	logrus.WithFields(logrus.Fields{
		"function":              "NewController",
		"ladder_len":            ladder.Len(),
		"evaluation_interval":   config.EvaluationInterval,
		"stability_threshold":   config.StabilityThreshold,
		"degradation_threshold": config.DegradationThreshold,
	}).Info("Creating adaptive quality controller")

	return &Controller{
		ladder: ladder,
		config: config,
		index:  ladder.DefaultIndex(),
		state:  Initial{},
		states: broadcast.New[QualityState]("quality", 0),
	}
}

// Ladder returns the ladder the controller walks.
func (c *Controller) Ladder() *Ladder {
	return c.ladder
}

// Subscribe returns a stream of state transitions and a cancel function.
// Publishing never blocks the evaluation loop: a subscriber whose buffer of
// broadcast.DefaultBuffer states is full misses the state and a warning is
// logged. State always reports the latest one.
func (c *Controller) Subscribe() (<-chan QualityState, func()) {
	return c.states.Subscribe()
}

// Start snaps to the ladder preset closest to initialPreset, publishes
// Stable and begins periodic evaluation. A second call while running is a no-op.
func (c *Controller) Start(initialPreset QualityPreset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.Start",
		}).Debug("Controller already running")
		return
	}

	c.setState(Adjusting{})
	c.index = c.ladder.ClosestPresetIndex(initialPreset.Bitrate)
	c.setState(Stable{Index: c.index, Preset: c.ladder.mustPresetAt(c.index)})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.evaluationLoop(ctx, c.config.EvaluationInterval, c.done)

	logrus.WithFields(logrus.Fields{
		"function":       "Controller.Start",
		"requested":      initialPreset.Name,
		"selected_index": c.index,
	}).Info("Adaptive quality controller started")
}

// Stop cancels the evaluation loop, if any, and returns to Initial. This
// includes a controller pinned by SetManualConfig. When Stop returns no
// further evaluation tick will run.
func (c *Controller) Stop() {
	halted := c.haltLoop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		// A concurrent Start won.
		return
	}
	if _, initial := c.state.(Initial); initial {
		return
	}
	c.setState(Initial{})

	logrus.WithFields(logrus.Fields{
		"function":     "Controller.Stop",
		"loop_halted":  halted,
		"adjustments":  c.adjustments,
		"ladder_index": c.index,
	}).Info("Adaptive quality controller stopped")
}

// haltLoop stops the evaluation goroutine and waits for it to exit.
// It reports whether a loop was running.
func (c *Controller) haltLoop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	cancel()
	<-done
	return true
}

// IsRunning reports whether automatic adjustment is active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// UpdateNetworkMetrics stores the latest sample for the next evaluation tick.
// Invalid samples are ignored so the current state is kept.
func (c *Controller) UpdateNetworkMetrics(latencyMs, packetLoss float64, bandwidthKbps int) {
	sample := NetworkSample{LatencyMs: latencyMs, PacketLoss: packetLoss, BandwidthKbps: bandwidthKbps}
	if err := sample.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.UpdateNetworkMetrics",
			"error":    err.Error(),
		}).Warn("Ignoring invalid network sample")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample = sample
	c.hasSample = true
}

// LatestSample returns the most recent valid sample.
func (c *Controller) LatestSample() (NetworkSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, c.hasSample
}

// ReportFrameHealth updates the hysteresis counters. A healthy frame grows
// the stable count and decays the degraded count; an unhealthy frame does
// the opposite. Neither count goes below zero.
func (c *Controller) ReportFrameHealth(isHealthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isHealthy {
		c.stableFrameCount++
		if c.degradedFrameCount > 0 {
			c.degradedFrameCount--
		}
		return
	}

	c.degradedFrameCount++
	if c.stableFrameCount > 0 {
		c.stableFrameCount--
	}
}

// FrameCounters returns the current stable and degraded frame counts.
func (c *Controller) FrameCounters() (stable, degraded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stableFrameCount, c.degradedFrameCount
}

// SetManualConfig stops automatic adjustment and pins the ladder preset
// closest to preset. Automation resumes only through Start.
func (c *Controller) SetManualConfig(preset QualityPreset) {
	c.haltLoop()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = c.ladder.ClosestPresetIndex(preset.Bitrate)
	c.setState(Stable{Index: c.index, Preset: c.ladder.mustPresetAt(c.index)})

	logrus.WithFields(logrus.Fields{
		"function":       "Controller.SetManualConfig",
		"requested":      preset.Name,
		"selected_index": c.index,
	}).Info("Manual quality override applied")
}

// Reset clears counters and the stored sample and re-snaps to the default
// preset. Run/stop status is preserved: a running controller publishes
// Stable(default), a stopped one is left in Initial.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stableFrameCount = 0
	c.degradedFrameCount = 0
	c.sample = NetworkSample{}
	c.hasSample = false
	c.index = c.ladder.DefaultIndex()

	if c.running {
		c.setState(Stable{Index: c.index, Preset: c.ladder.mustPresetAt(c.index)})
	} else if _, initial := c.state.(Initial); !initial {
		c.setState(Initial{})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Reset",
		"running":  c.running,
		"index":    c.index,
	}).Info("Adaptive quality controller reset")
}

// SetThresholds replaces the tier boundaries used by later ticks.
func (c *Controller) SetThresholds(t QualityThresholds) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("set thresholds: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Thresholds = t
	return nil
}

// State returns the last published state.
func (c *Controller) State() QualityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentIndex returns the current ladder index.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// CurrentPreset returns the preset at the current ladder index.
func (c *Controller) CurrentPreset() QualityPreset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ladder.mustPresetAt(c.index)
}

// Adjustments returns how many ladder moves the controller has made.
func (c *Controller) Adjustments() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustments
}

func (c *Controller) evaluationLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one evaluation. At most one ladder step is taken.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || !c.hasSample {
		return
	}

	quality := ClassifySample(c.sample, c.config.Thresholds)
	threshold := c.config.StabilityThreshold

	switch quality {
	case NetworkExcellent:
		if c.index > 0 && c.stableFrameCount > threshold {
			c.promote()
			c.stableFrameCount = 0
		}
	case NetworkGood:
		if c.index > 0 && c.stableFrameCount > 2*threshold {
			c.promote()
			c.stableFrameCount = threshold
		}
	case NetworkFair:
		if c.index < c.ladder.LastIndex() && c.degradedFrameCount > c.config.DegradationThreshold {
			c.demote(quality)
			c.degradedFrameCount = 0
		}
	case NetworkPoor:
		if c.index < c.ladder.LastIndex() {
			c.demote(quality)
		} else if _, already := c.state.(Degraded); !already {
			c.setState(Degraded{Index: c.index, Preset: c.ladder.mustPresetAt(c.index), Reason: degradeReason(quality)})
		}
	}
}

// promote moves one step toward index 0. Must be called with c.mu held.
func (c *Controller) promote() {
	c.index = c.ladder.clamp(c.index - 1)
	c.adjustments++
	c.setState(Stable{Index: c.index, Preset: c.ladder.mustPresetAt(c.index)})
}

// demote moves one step toward the last index. Must be called with c.mu held.
func (c *Controller) demote(quality NetworkQuality) {
	c.index = c.ladder.clamp(c.index + 1)
	c.adjustments++
	c.setState(Degraded{Index: c.index, Preset: c.ladder.mustPresetAt(c.index), Reason: degradeReason(quality)})
}

func degradeReason(quality NetworkQuality) string {
	return "quality degraded to " + quality.String()
}

// setState records and publishes a transition. Must be called with c.mu held.
func (c *Controller) setState(state QualityState) {
	previous := c.state
	c.state = state
	c.states.Publish(state)

	logrus.WithFields(logrus.Fields{
		"function":  "Controller.setState",
		"previous":  previous.String(),
		"new_state": state.String(),
		"index":     c.index,
	}).Debug("Quality state changed")
}
