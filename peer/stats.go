package peer

import (
	"context"

	"github.com/opd-ai/remoteassist/av"
	"github.com/pion/webrtc/v3"
)

// Sample reads the current statistics report and converts the selected
// candidate pair into a network sample.
func (c *Connection) Sample(ctx context.Context) (av.NetworkSample, error) {
	if !c.config.EnableStats {
		return av.NetworkSample{}, ErrStatsDisabled
	}
	select {
	case <-c.done:
		return av.NetworkSample{}, ErrClosed
	case <-ctx.Done():
		return av.NetworkSample{}, ctx.Err()
	default:
	}
	return sampleFromReport(c.pc.GetStats())
}

// sampleFromReport picks the nominated succeeded pair for latency and
// bandwidth and reports the worst loss seen on any stream.
func sampleFromReport(report webrtc.StatsReport) (av.NetworkSample, error) {
	var (
		pair    webrtc.ICECandidatePairStats
		hasPair bool
		loss    float64
		hasLoss bool
	)

	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if !hasPair || (s.Nominated && !pair.Nominated) {
				pair, hasPair = s, true
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if s.FractionLost > loss || !hasLoss {
				loss, hasLoss = s.FractionLost, true
			}
		case webrtc.InboundRTPStreamStats:
			total := float64(s.PacketsReceived) + float64(s.PacketsLost)
			if total <= 0 || s.PacketsLost < 0 {
				continue
			}
			if f := float64(s.PacketsLost) / total; f > loss || !hasLoss {
				loss, hasLoss = f, true
			}
		}
	}

	if !hasPair {
		return av.NetworkSample{}, ErrNoStats
	}
	if loss > 1 {
		loss = 1
	}

	sample := av.NetworkSample{
		LatencyMs:     pair.CurrentRoundTripTime * 1000,
		PacketLoss:    loss,
		BandwidthKbps: int(pair.AvailableOutgoingBitrate / 1000),
	}
	return sample, sample.Validate()
}
