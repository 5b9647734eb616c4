package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newShareCmd(opts *rootOptions) *cobra.Command {
	var (
		flags      relayFlags
		autoAccept bool
	)

	cmd := &cobra.Command{
		Use:   "share",
		Short: "Opens a session on the relay and waits for an assistant to connect",
		Long: `Registers a session with the relay and prints its id and access code.
Hand both to the assisting device, which runs "assist connect". The
incoming connection request is accepted after confirmation, or at once
with --auto-accept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			client, err := flags.client(opts.cfg)
			if err != nil {
				return err
			}
			created, err := client.CreateSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
				defer cancel()
				if err := client.DeleteSession(delCtx, created.SessionID); err != nil {
					logrus.WithFields(logrus.Fields{
						"function":   "share.RunE",
						"session_id": created.SessionID,
						"error":      err.Error(),
					}).Warn("Failed to delete relay session")
				}
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:     %s\n", created.SessionID)
			fmt.Fprintf(out, "Access code: %s\n", created.AccessCode)
			fmt.Fprintf(out, "Expires:     %s\n", created.ExpiresAt.Local().Format("15:04:05"))

			run, cleanup, err := startSession(ctx, opts, client, created.SessionID, created.AccessCode)
			if err != nil {
				return err
			}
			defer cleanup()

			confirm := bufio.NewReader(cmd.InOrStdin())
			select {
			case req := <-run.requests:
				if !autoAccept && !confirmRequest(out, confirm, req) {
					return run.assistant.RejectConnection(ctx, req, "declined by user")
				}
				if err := run.assistant.AcceptConnection(ctx, req); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
			return run.wait(ctx)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "Accept the connection request without asking")
	return cmd
}

// confirmRequest asks whether to accept req and reads a y/n answer.
func confirmRequest(out io.Writer, in *bufio.Reader, req signaling.ConnectionRequest) bool {
	name := req.DeviceName
	if name == "" {
		name = req.FromDeviceID
	}
	fmt.Fprintf(out, "%s wants to connect. Accept? [y/N] ", name)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
