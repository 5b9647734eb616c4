package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newConnectCmd(opts *rootOptions) *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "connect <sessionId> <accessCode>",
		Short: "Connects to a shared session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, code := args[0], args[1]

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			client, err := flags.client(opts.cfg)
			if err != nil {
				return err
			}
			status, err := client.Status(ctx, sessionID)
			if err != nil {
				return err
			}

			run, cleanup, err := startSession(ctx, opts, client, sessionID, code)
			if err != nil {
				return err
			}
			defer cleanup()

			logrus.WithFields(logrus.Fields{
				"function":   "connect.RunE",
				"session_id": sessionID,
				"owner":      status.OwnerDeviceID,
			}).Info("Requesting connection")
			if _, err := run.assistant.CreateSessionWithID(ctx, sessionID, status.OwnerDeviceID); err != nil {
				return err
			}
			return run.wait(ctx)
		},
	}

	flags.register(cmd)
	return cmd
}
