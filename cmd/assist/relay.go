package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/remoteassist/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRelayCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Runs the signaling relay",
		Long: `Runs the signaling relay that issues session ids and access codes and
forwards signaling messages between the two participants of a session.
Sessions are kept in Redis when relay.redisAddr is set, in memory otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.Relay.Addr = addr
			}
			if cfg.Relay.JWTSecret == "" {
				return errors.New("relay.jwtSecret is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var registry relay.Registry = relay.NewMemoryRegistry()
			if cfg.Relay.RedisAddr != "" {
				redisRegistry, err := relay.NewRedisRegistry(ctx, cfg.Relay.RedisAddr, cfg.Relay.RedisPassword, cfg.Relay.RedisDB)
				if err != nil {
					return err
				}
				defer redisRegistry.Close()
				registry = redisRegistry
			}

			server, err := relay.NewServer(cfg.RelayServerConfig(), registry)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"function": "relay.RunE",
				"addr":     cfg.Relay.Addr,
				"redis":    cfg.Relay.RedisAddr != "",
			}).Info("Starting signaling relay")
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides relay.addr")
	return cmd
}
