package main

import (
	"context"
	"fmt"

	"github.com/opd-ai/remoteassist/config"
	"github.com/pion/randutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const deviceIDRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	watch      bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "assist",
		Short: "Remote-assistance sessions over WebRTC",
		Long: `assist negotiates remote-assistance sessions between two devices.
One device shares a session through the signaling relay and the other
connects with the session id and access code the sharer hands out.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a JSON configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Overrides log.level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.watch, "watch", false, "Reload quality settings when the configuration file changes")

	cmd.AddCommand(
		newRelayCmd(opts),
		newTokenCmd(opts),
		newShareCmd(opts),
		newConnectCmd(opts),
	)
	return cmd
}

// load builds the effective configuration: file, then environment, then flags.
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := config.ConfigureLogging(cfg.Log); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// watchConfig calls fn with each valid reload of the configuration file
// until ctx is done. It is a no-op unless --watch and --config are set.
func (o *rootOptions) watchConfig(ctx context.Context, fn func(*config.Config)) error {
	if !o.watch || o.configPath == "" {
		return nil
	}
	return config.Watch(ctx, o.configPath, fn)
}

// ensureDeviceID fills in a random device id when none is configured.
func ensureDeviceID(cfg *config.Config) error {
	if cfg.Session.DeviceID != "" {
		return nil
	}
	suffix, err := randutil.GenerateCryptoRandomString(12, deviceIDRunes)
	if err != nil {
		return fmt.Errorf("generate device id: %w", err)
	}
	cfg.Session.DeviceID = "device-" + suffix
	logrus.WithFields(logrus.Fields{
		"function":  "ensureDeviceID",
		"device_id": cfg.Session.DeviceID,
	}).Info("No device id configured, generated one")
	return nil
}
