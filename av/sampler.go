package av

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// NetworkSample is one measurement of the media path. Only the latest valid
// sample is retained by the controller.
type NetworkSample struct {
	LatencyMs     float64
	PacketLoss    float64 // fraction in [0, 1]
	BandwidthKbps int
}

// Validate rejects samples that cannot describe a real network.
func (s NetworkSample) Validate() error {
	switch {
	case math.IsNaN(s.LatencyMs) || math.IsInf(s.LatencyMs, 0) || s.LatencyMs < 0:
		return fmt.Errorf("%w: latency %v", ErrInvalidSample, s.LatencyMs)
	case math.IsNaN(s.PacketLoss) || s.PacketLoss < 0 || s.PacketLoss > 1:
		return fmt.Errorf("%w: packet loss %v outside [0,1]", ErrInvalidSample, s.PacketLoss)
	case s.BandwidthKbps < 0:
		return fmt.Errorf("%w: bandwidth %d", ErrInvalidSample, s.BandwidthKbps)
	}
	return nil
}

// MetricsSink receives network samples and per-frame health reports.
// The adaptive controller is the production implementation.
type MetricsSink interface {
	UpdateNetworkMetrics(latencyMs, packetLoss float64, bandwidthKbps int)
	ReportFrameHealth(isHealthy bool)
}

// SampleSource produces network samples on demand, typically from transport statistics.
type SampleSource interface {
	Sample(ctx context.Context) (NetworkSample, error)
}

// PumpSamples polls src every interval and forwards each sample to sink
// until ctx is cancelled. Source errors are logged and the poll is skipped.
func PumpSamples(ctx context.Context, src SampleSource, sink MetricsSink, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := src.Sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logrus.WithFields(logrus.Fields{
					"function": "PumpSamples",
					"error":    err.Error(),
				}).Warn("Failed to collect network sample")
				continue
			}
			sink.UpdateNetworkMetrics(sample.LatencyMs, sample.PacketLoss, sample.BandwidthKbps)
		}
	}
}
