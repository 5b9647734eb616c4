package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/remoteassist/av"
	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/opd-ai/remoteassist/relay"
	"github.com/opd-ai/remoteassist/session"
	"github.com/opd-ai/remoteassist/transport"
	"github.com/sirupsen/logrus"
)

// Signaling modes.
const (
	SignalingWebSocket = "websocket"
	SignalingMemory    = "memory"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that encodes as a Go duration string ("10s").
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("duration must be a string or number, got %s", string(data))
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SessionConfig configures the session manager.
type SessionConfig struct {
	DeviceID              string   `json:"deviceId"`
	DeviceName            string   `json:"deviceName"`
	HeartbeatInterval     Duration `json:"heartbeatInterval"`
	HeartbeatTimeout      Duration `json:"heartbeatTimeout"`
	LivenessCheckInterval Duration `json:"livenessCheckInterval"`
	NegotiationTimeout    Duration `json:"negotiationTimeout"`
	SendTimeout           Duration `json:"sendTimeout"`
}

// ThresholdsConfig holds the network tier boundaries.
type ThresholdsConfig struct {
	PoorPacketLoss float64 `json:"poorPacketLoss"`
	PoorLatencyMs  float64 `json:"poorLatencyMs"`
	FairPacketLoss float64 `json:"fairPacketLoss"`
	FairLatencyMs  float64 `json:"fairLatencyMs"`
	GoodPacketLoss float64 `json:"goodPacketLoss"`
	GoodLatencyMs  float64 `json:"goodLatencyMs"`
}

// QualityConfig configures the adaptive quality controller.
type QualityConfig struct {
	// InitialPreset names the ladder preset used before any sample is known
	InitialPreset        string           `json:"initialPreset"`
	EvaluationInterval   Duration         `json:"evaluationInterval"`
	SampleInterval       Duration         `json:"sampleInterval"`
	StabilityThreshold   int              `json:"stabilityThreshold"`
	DegradationThreshold int              `json:"degradationThreshold"`
	Thresholds           ThresholdsConfig `json:"thresholds"`

	// NotifyRemote sends a quality_adjustment message on every preset change
	NotifyRemote bool `json:"notifyRemote"`
}

// SignalingConfig selects and configures the signaling transport.
type SignalingConfig struct {
	Mode      string   `json:"mode"`
	URL       string   `json:"url"`
	Token     string   `json:"token"`
	WriteWait Duration `json:"writeWait"`
	PongWait  Duration `json:"pongWait"`
}

// ICEConfig configures the peer transport.
type ICEConfig struct {
	Servers       []interfaces.ICEServer `json:"servers"`
	GatherTimeout Duration               `json:"gatherTimeout"`
	EnableStats   bool                   `json:"enableStats"`
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	Addr           string   `json:"addr"`
	JWTSecret      string   `json:"jwtSecret"`
	SessionTTL     Duration `json:"sessionTtl"`
	BcryptCost     int      `json:"bcryptCost"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// RedisAddr selects the Redis registry when set
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the complete application configuration.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Quality   QualityConfig   `json:"quality"`
	Signaling SignalingConfig `json:"signaling"`
	ICE       ICEConfig       `json:"ice"`
	Relay     RelayConfig     `json:"relay"`
	Log       LogConfig       `json:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	sess := session.DefaultConfig()
	ctrl := av.DefaultControllerConfig()

	return &Config{
		Session: SessionConfig{
			HeartbeatInterval:     Duration(sess.HeartbeatInterval),
			HeartbeatTimeout:      Duration(sess.HeartbeatTimeout),
			LivenessCheckInterval: Duration(sess.LivenessCheckInterval),
			NegotiationTimeout:    Duration(sess.NegotiationTimeout),
			SendTimeout:           Duration(sess.SendTimeout),
		},
		Quality: QualityConfig{
			InitialPreset:        defaultPresetName(),
			EvaluationInterval:   Duration(ctrl.EvaluationInterval),
			SampleInterval:       Duration(ctrl.EvaluationInterval),
			StabilityThreshold:   ctrl.StabilityThreshold,
			DegradationThreshold: ctrl.DegradationThreshold,
			Thresholds:           fromThresholds(ctrl.Thresholds),
			NotifyRemote:         true,
		},
		Signaling: SignalingConfig{
			Mode:      SignalingWebSocket,
			WriteWait: Duration(transport.DefaultWriteWait),
			PongWait:  Duration(transport.DefaultPongWait),
		},
		ICE: ICEConfig{
			Servers:       []interfaces.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			GatherTimeout: Duration(10 * time.Second),
			EnableStats:   true,
		},
		Relay: RelayConfig{
			Addr:       ":8443",
			SessionTTL: Duration(relay.DefaultSessionTTL),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a JSON file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "config.Load",
			"path":     path,
		}).Info("Configuration file not found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "config.Load",
		"path":     path,
	}).Debug("Loaded configuration file")
	return cfg, nil
}

// Validate checks the values that the components would otherwise reject later.
func (c *Config) Validate() error {
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: session: %w", ErrInvalid, err)
	}
	if _, err := av.DefaultLadder().PresetByName(c.Quality.InitialPreset); err != nil {
		return fmt.Errorf("%w: quality.initialPreset: %w", ErrInvalid, err)
	}
	if c.Quality.EvaluationInterval <= 0 || c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("%w: quality intervals must be positive", ErrInvalid)
	}
	if c.Quality.StabilityThreshold <= 0 || c.Quality.DegradationThreshold <= 0 {
		return fmt.Errorf("%w: quality thresholds must be positive", ErrInvalid)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: quality.thresholds: %w", ErrInvalid, err)
	}

	switch c.Signaling.Mode {
	case SignalingWebSocket, SignalingMemory:
	default:
		return fmt.Errorf("%w: unknown signaling mode %q", ErrInvalid, c.Signaling.Mode)
	}

	peer := c.PeerConfig()
	if err := peer.Validate(); err != nil {
		return fmt.Errorf("%w: ice: %w", ErrInvalid, err)
	}

	if c.Relay.SessionTTL < 0 {
		return fmt.Errorf("%w: negative relay session ttl", ErrInvalid)
	}
	if c.Relay.RedisDB < 0 {
		return fmt.Errorf("%w: negative redis db", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SessionConfig converts the session section for session.NewManager.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		LocalDeviceID:         c.Session.DeviceID,
		DeviceName:            c.Session.DeviceName,
		HeartbeatInterval:     c.Session.HeartbeatInterval.Std(),
		HeartbeatTimeout:      c.Session.HeartbeatTimeout.Std(),
		LivenessCheckInterval: c.Session.LivenessCheckInterval.Std(),
		NegotiationTimeout:    c.Session.NegotiationTimeout.Std(),
		SendTimeout:           c.Session.SendTimeout.Std(),
	}
}

// ControllerConfig converts the quality section for av.NewController.
func (c *Config) ControllerConfig() av.ControllerConfig {
	return av.ControllerConfig{
		EvaluationInterval:   c.Quality.EvaluationInterval.Std(),
		StabilityThreshold:   c.Quality.StabilityThreshold,
		DegradationThreshold: c.Quality.DegradationThreshold,
		Thresholds:           c.Thresholds(),
	}
}

// InitialPreset resolves Quality.InitialPreset against the default ladder.
func (c *Config) InitialPreset() (av.QualityPreset, error) {
	return av.DefaultLadder().PresetByName(c.Quality.InitialPreset)
}

// PeerConfig converts the ICE section for peer.New.
func (c *Config) PeerConfig() interfaces.PeerConfig {
	servers := make([]interfaces.ICEServer, len(c.ICE.Servers))
	copy(servers, c.ICE.Servers)
	return interfaces.PeerConfig{
		ICEServers:    servers,
		GatherTimeout: c.ICE.GatherTimeout.Std(),
		EnableStats:   c.ICE.EnableStats,
	}
}

// WebSocketOptions converts the signaling section for transport.NewWebSocketTransport.
func (c *Config) WebSocketOptions() transport.WebSocketOptions {
	return transport.WebSocketOptions{
		Token:     c.Signaling.Token,
		WriteWait: c.Signaling.WriteWait.Std(),
		PongWait:  c.Signaling.PongWait.Std(),
	}
}

// RelayServerConfig converts the relay section for relay.NewServer.
func (c *Config) RelayServerConfig() relay.Config {
	origins := make([]string, len(c.Relay.AllowedOrigins))
	copy(origins, c.Relay.AllowedOrigins)
	return relay.Config{
		Addr:           c.Relay.Addr,
		JWTSecret:      c.Relay.JWTSecret,
		SessionTTL:     c.Relay.SessionTTL.Std(),
		BcryptCost:     c.Relay.BcryptCost,
		AllowedOrigins: origins,
	}
}

// Thresholds returns the configured network tier boundaries.
func (c *Config) Thresholds() av.QualityThresholds {
	t := c.Quality.Thresholds
	return av.QualityThresholds{
		PoorPacketLoss: t.PoorPacketLoss,
		PoorLatencyMs:  t.PoorLatencyMs,
		FairPacketLoss: t.FairPacketLoss,
		FairLatencyMs:  t.FairLatencyMs,
		GoodPacketLoss: t.GoodPacketLoss,
		GoodLatencyMs:  t.GoodLatencyMs,
	}
}

func defaultPresetName() string {
	ladder := av.DefaultLadder()
	preset, _ := ladder.PresetAt(ladder.DefaultIndex())
	return preset.Name
}

func fromThresholds(t av.QualityThresholds) ThresholdsConfig {
	return ThresholdsConfig{
		PoorPacketLoss: t.PoorPacketLoss,
		PoorLatencyMs:  t.PoorLatencyMs,
		FairPacketLoss: t.FairPacketLoss,
		FairLatencyMs:  t.FairLatencyMs,
		GoodPacketLoss: t.GoodPacketLoss,
		GoodLatencyMs:  t.GoodLatencyMs,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.ICE.Servers = make([]interfaces.ICEServer, len(c.ICE.Servers))
	for i, s := range c.ICE.Servers {
		s.URLs = append([]string(nil), s.URLs...)
		out.ICE.Servers[i] = s
	}
	out.Relay.AllowedOrigins = append([]string(nil), c.Relay.AllowedOrigins...)
	return &out
}
