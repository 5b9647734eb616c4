package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	remoteassist "github.com/opd-ai/remoteassist"
	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/config"
	"github.com/opd-ai/remoteassist/factory"
	"github.com/opd-ai/remoteassist/relay"
	"github.com/opd-ai/remoteassist/session"
	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const endTimeout = 5 * time.Second

// relayFlags are the flags shared by share and connect.
type relayFlags struct {
	url   string
	token string
}

func (f *relayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "relay", "", "Relay base url, e.g. https://relay.example; defaults to signaling.url")
	cmd.Flags().StringVar(&f.token, "token", "", "Device token; defaults to signaling.token")
}

// client resolves the flags against cfg and builds a relay client.
func (f *relayFlags) client(cfg *config.Config) (*relay.Client, error) {
	url, token := f.url, f.token
	if url == "" {
		url = cfg.Signaling.URL
	}
	if token == "" {
		token = cfg.Signaling.Token
	}
	if url == "" {
		return nil, errors.New("relay url is required (--relay or signaling.url)")
	}
	return relay.NewClient(url, token, nil)
}

// sessionRun is one end of an assistance session connected through the relay.
type sessionRun struct {
	opts      *rootOptions
	cfg       *config.Config
	assistant *remoteassist.Assistant
	requests  chan signaling.ConnectionRequest
	done      chan session.StateChange
}

// startSession joins the relay room for sessionID and starts an Assistant on it.
// The returned cleanup closes both.
func startSession(ctx context.Context, opts *rootOptions, client *relay.Client, sessionID, code string) (*sessionRun, func(), error) {
	cfg := opts.cfg.Clone()
	if err := ensureDeviceID(cfg); err != nil {
		return nil, nil, err
	}
	cfg.Signaling.Mode = config.SignalingWebSocket

	f, err := factory.NewTransportFactory(cfg)
	if err != nil {
		return nil, nil, err
	}
	sig, err := f.CreateSignaling()
	if err != nil {
		return nil, nil, err
	}
	if err := sig.Connect(ctx, client.SignalingURL(sessionID, code)); err != nil {
		return nil, nil, fmt.Errorf("connect to relay: %w", err)
	}

	assistant, err := remoteassist.New(cfg, sig, f.PeerFactory())
	if err != nil {
		_ = sig.Disconnect()
		return nil, nil, err
	}

	run := &sessionRun{
		opts:      opts,
		cfg:       cfg,
		assistant: assistant,
		requests:  make(chan signaling.ConnectionRequest, 1),
		done:      make(chan session.StateChange, 1),
	}
	assistant.CallbackStateChange(run.onStateChange)
	assistant.CallbackQualityChange(run.onQualityChange)
	assistant.CallbackRemoteQuality(onRemoteQuality)
	assistant.CallbackConnectionRequest(func(req signaling.ConnectionRequest) {
		select {
		case run.requests <- req:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "sessionRun.requests",
				"session_id": req.SessionID,
			}).Warn("Connection request already pending, dropping")
		}
	})

	if err := assistant.Start(ctx); err != nil {
		_ = sig.Disconnect()
		return nil, nil, err
	}

	cleanup := func() {
		_ = assistant.Close()
		_ = sig.Disconnect()
	}

	if err := opts.watchConfig(ctx, run.reload); err != nil {
		cleanup()
		return nil, nil, err
	}
	return run, cleanup, nil
}

func (r *sessionRun) onStateChange(change session.StateChange) {
	logrus.WithFields(logrus.Fields{
		"function":   "sessionRun.onStateChange",
		"session_id": change.SessionID,
		"from":       change.Previous.String(),
		"to":         change.State.String(),
	}).Info("Session state changed")

	if change.State.Terminal() {
		select {
		case r.done <- change:
		default:
		}
	}
}

func (r *sessionRun) reload(cfg *config.Config) {
	cfg.Session.DeviceID = r.cfg.Session.DeviceID
	if err := r.assistant.UpdateConfig(cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sessionRun.reload",
			"error":    err.Error(),
		}).Warn("Rejected reloaded configuration")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":       "sessionRun.reload",
		"initial_preset": cfg.Quality.InitialPreset,
	}).Info("Applied reloaded configuration")
}

// wait blocks until the session ends or the process is interrupted, in
// which case the session is ended cleanly.
func (r *sessionRun) wait(ctx context.Context) error {
	select {
	case change := <-r.done:
		if change.State == session.StateFailed {
			return fmt.Errorf("session %s failed: %s", change.SessionID, change.Failure)
		}
		return nil
	case <-ctx.Done():
	}

	endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := r.assistant.EndSession(endCtx); err != nil && !errors.Is(err, session.ErrNoSession) {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (r *sessionRun) onQualityChange(state av.QualityState) {
	stats := r.assistant.QualityStats()
	fields := logrus.Fields{
		"function":        "sessionRun.onQualityChange",
		"state":           state.String(),
		"adjustments":     stats.Adjustments,
		"stable_frames":   stats.StableFrames,
		"degraded_frames": stats.DegradedFrames,
	}
	if stats.HasSample {
		fields["latency_ms"] = stats.Sample.LatencyMs
		fields["packet_loss"] = stats.Sample.PacketLoss
		fields["bandwidth_kbps"] = stats.Sample.BandwidthKbps
	}
	logrus.WithFields(fields).Info("Quality changed")
}

func onRemoteQuality(adj signaling.QualityAdjustment) {
	logrus.WithFields(logrus.Fields{
		"function":   "onRemoteQuality",
		"session_id": adj.SessionID,
		"resolution": fmt.Sprintf("%dx%d", adj.Width, adj.Height),
		"frame_rate": adj.FrameRate,
		"bitrate":    adj.Bitrate,
		"reason":     adj.Reason,
	}).Info("Remote side adjusted quality")
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
