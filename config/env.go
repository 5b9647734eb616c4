package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/remoteassist/interfaces"
	"github.com/sirupsen/logrus"
)

// Environment variables read by ApplyEnv.
const (
	EnvDeviceID           = "ASSIST_DEVICE_ID"
	EnvDeviceName         = "ASSIST_DEVICE_NAME"
	EnvHeartbeatInterval  = "ASSIST_HEARTBEAT_INTERVAL"
	EnvHeartbeatTimeout   = "ASSIST_HEARTBEAT_TIMEOUT"
	EnvNegotiationTimeout = "ASSIST_NEGOTIATION_TIMEOUT"
	EnvInitialPreset      = "ASSIST_INITIAL_PRESET"
	EnvNotifyRemote       = "ASSIST_NOTIFY_REMOTE"
	EnvSignalingMode      = "ASSIST_SIGNALING_MODE"
	EnvSignalingURL       = "ASSIST_SIGNALING_URL"
	EnvToken              = "ASSIST_TOKEN"
	EnvICEServers         = "ASSIST_ICE_SERVERS"
	EnvEnableStats        = "ASSIST_ENABLE_STATS"
	EnvRelayAddr          = "ASSIST_RELAY_ADDR"
	EnvJWTSecret          = "ASSIST_JWT_SECRET"
	EnvRedisAddr          = "ASSIST_REDIS_ADDR"
	EnvRedisPassword      = "ASSIST_REDIS_PASSWORD"
	EnvRedisDB            = "ASSIST_REDIS_DB"
	EnvLogLevel           = "ASSIST_LOG_LEVEL"
	EnvLogFormat          = "ASSIST_LOG_FORMAT"
)

// ApplyEnv overrides fields from ASSIST_* environment variables.
// Values that fail to parse are logged and ignored.
func (c *Config) ApplyEnv() {
	parseStringSetting(EnvDeviceID, &c.Session.DeviceID)
	parseStringSetting(EnvDeviceName, &c.Session.DeviceName)
	parseDurationSetting(EnvHeartbeatInterval, &c.Session.HeartbeatInterval)
	parseDurationSetting(EnvHeartbeatTimeout, &c.Session.HeartbeatTimeout)
	parseDurationSetting(EnvNegotiationTimeout, &c.Session.NegotiationTimeout)

	parseStringSetting(EnvInitialPreset, &c.Quality.InitialPreset)
	parseBoolSetting(EnvNotifyRemote, &c.Quality.NotifyRemote)

	parseStringSetting(EnvSignalingMode, &c.Signaling.Mode)
	parseStringSetting(EnvSignalingURL, &c.Signaling.URL)
	parseStringSetting(EnvToken, &c.Signaling.Token)

	parseICEServersSetting(&c.ICE.Servers)
	parseBoolSetting(EnvEnableStats, &c.ICE.EnableStats)

	parseStringSetting(EnvRelayAddr, &c.Relay.Addr)
	parseStringSetting(EnvJWTSecret, &c.Relay.JWTSecret)
	parseStringSetting(EnvRedisAddr, &c.Relay.RedisAddr)
	parseStringSetting(EnvRedisPassword, &c.Relay.RedisPassword)
	parseIntSetting(EnvRedisDB, &c.Relay.RedisDB)

	parseStringSetting(EnvLogLevel, &c.Log.Level)
	parseStringSetting(EnvLogFormat, &c.Log.Format)
}

func parseStringSetting(name string, dst *string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func parseBoolSetting(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = value
}

func parseIntSetting(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = value
}

func parseDurationSetting(name string, dst *Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": dst.Std().String(),
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if value < 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     name,
			"value":       raw,
			"using_value": dst.Std().String(),
		}).Warn("Negative duration in environment variable, using default")
		return
	}
	*dst = Duration(value)
}

// parseICEServersSetting reads a comma-separated list of stun:/turn: urls.
// Each url becomes its own server entry without credentials.
func parseICEServersSetting(dst *[]interfaces.ICEServer) {
	raw := os.Getenv(EnvICEServers)
	if raw == "" {
		return
	}
	var servers []interfaces.ICEServer
	for _, url := range strings.Split(raw, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, interfaces.ICEServer{URLs: []string{url}})
	}
	*dst = servers
}
