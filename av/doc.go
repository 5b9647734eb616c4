// Package av implements adaptive video quality control for remote-assistance
// sessions.
//
// # Quality Ladder
//
// A Ladder is an immutable list of QualityPreset values ordered from best
// (index 0) to worst. DefaultLadder covers 1080p down to 240p:
//
//	ladder := av.DefaultLadder()
//	preset := ladder.RecommendedPreset(3500) // best preset within 80% of 3.5 Mbps
//	idx := ladder.ClosestPresetIndex(2_400_000)
//
// # Controller
//
// A Controller owns the current ladder index and two hysteresis counters.
// Every EvaluationInterval it classifies the latest NetworkSample into one of
// four tiers and moves at most one step:
//
//	ctrl := av.NewController(ladder, av.DefaultControllerConfig())
//	states, cancel := ctrl.Subscribe()
//	defer cancel()
//
//	ctrl.Start(preset)
//	ctrl.UpdateNetworkMetrics(latencyMs, loss, bandwidthKbps)
//	ctrl.ReportFrameHealth(true)
//
//	for state := range states {
//	    switch s := state.(type) {
//	    case av.Stable:
//	        encoder.Apply(s.Preset)
//	    case av.Degraded:
//	        encoder.Apply(s.Preset)
//	    case av.Adjusting, av.Initial:
//	    }
//	}
//
// Tier policy:
//
//   - EXCELLENT: promote when the stable count exceeds StabilityThreshold; reset it to zero
//   - GOOD: promote when the stable count exceeds twice the threshold; reset it to the threshold
//   - FAIR: demote when the degraded count exceeds DegradationThreshold; reset it to zero
//   - POOR: demote regardless of counters
//
// # Sampling
//
// MetricsSink and SampleSource decouple the controller from where numbers
// come from. PumpSamples connects a transport's statistics to a controller.
//
// # Thread Safety
//
// All Controller methods are safe for concurrent use. Stop and
// SetManualConfig wait for the evaluation goroutine to exit, so no tick
// fires after they return.
package av
