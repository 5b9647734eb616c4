package av

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// NetworkQuality is the four-level connection-quality tier derived from a
// network sample.
type NetworkQuality int

const (
	// NetworkExcellent indicates loss <= 1% and latency <= 150ms
	NetworkExcellent NetworkQuality = iota
	// NetworkGood indicates loss <= 2% and latency <= 300ms
	NetworkGood
	// NetworkFair indicates loss <= 5% and latency <= 500ms
	NetworkFair
	// NetworkPoor indicates loss > 5% or latency > 500ms
	NetworkPoor
)

// String returns the tier name used in degradation reasons and logs.
func (nq NetworkQuality) String() string {
	switch nq {
	case NetworkExcellent:
		return "EXCELLENT"
	case NetworkGood:
		return "GOOD"
	case NetworkFair:
		return "FAIR"
	case NetworkPoor:
		return "POOR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(nq))
	}
}

// QualityThresholds holds the tier boundaries. A sample falls into the first
// tier, checked most severe first, whose loss or latency limit it exceeds.
type QualityThresholds struct {
	PoorPacketLoss float64 // fraction, default 0.05
	PoorLatencyMs  float64 // default 500
	FairPacketLoss float64 // default 0.02
	FairLatencyMs  float64 // default 300
	GoodPacketLoss float64 // default 0.01
	GoodLatencyMs  float64 // default 150
}

// DefaultQualityThresholds returns the standard tier boundaries.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		PoorPacketLoss: 0.05,
		PoorLatencyMs:  500,
		FairPacketLoss: 0.02,
		FairLatencyMs:  300,
		GoodPacketLoss: 0.01,
		GoodLatencyMs:  150,
	}
}

// Validate checks that the boundaries are positive and ordered.
func (t QualityThresholds) Validate() error {
	if t.GoodPacketLoss <= 0 || t.GoodLatencyMs <= 0 {
		return fmt.Errorf("quality thresholds must be positive")
	}
	if !(t.GoodPacketLoss <= t.FairPacketLoss && t.FairPacketLoss <= t.PoorPacketLoss) {
		return fmt.Errorf("packet loss thresholds must be ordered good <= fair <= poor")
	}
	if !(t.GoodLatencyMs <= t.FairLatencyMs && t.FairLatencyMs <= t.PoorLatencyMs) {
		return fmt.Errorf("latency thresholds must be ordered good <= fair <= poor")
	}
	if t.PoorPacketLoss > 1 {
		return fmt.Errorf("packet loss thresholds are fractions and must not exceed 1")
	}
	return nil
}

// ClassifySample maps a sample to a tier.
func ClassifySample(s NetworkSample, t QualityThresholds) NetworkQuality {
	var quality NetworkQuality
	switch {
	case s.PacketLoss > t.PoorPacketLoss || s.LatencyMs > t.PoorLatencyMs:
		quality = NetworkPoor
	case s.PacketLoss > t.FairPacketLoss || s.LatencyMs > t.FairLatencyMs:
		quality = NetworkFair
	case s.PacketLoss > t.GoodPacketLoss || s.LatencyMs > t.GoodLatencyMs:
		quality = NetworkGood
	default:
		quality = NetworkExcellent
	}

	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.WithFields(logrus.Fields{
			"function":       "ClassifySample",
			"latency_ms":     s.LatencyMs,
			"packet_loss":    s.PacketLoss,
			"bandwidth_kbps": s.BandwidthKbps,
			"quality":        quality.String(),
		}).Trace("Network sample classified")
	}

	return quality
}
