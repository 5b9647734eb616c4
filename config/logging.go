package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, cfg.Format)
	}
	logrus.SetLevel(level)
	return nil
}
