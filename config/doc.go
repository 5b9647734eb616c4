// Package config loads application settings.
//
// Settings start from [Default], are overlaid by a JSON file with [Load] and
// then by ASSIST_* environment variables with [Config.ApplyEnv]. Durations
// are written as Go duration strings:
//
//	{
//	    "session": {"heartbeatInterval": "10s", "negotiationTimeout": "45s"},
//	    "quality": {"initialPreset": "720p", "notifyRemote": true},
//	    "signaling": {"mode": "websocket", "url": "wss://relay.example/ws/"},
//	    "log": {"level": "debug", "format": "json"}
//	}
//
// [Watch] follows a file for changes so long-running commands can pick up a
// new log level or new quality thresholds without restarting.
package config
