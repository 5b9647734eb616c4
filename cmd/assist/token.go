package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/remoteassist/relay"
	"github.com/spf13/cobra"
)

const defaultTokenTTL = 24 * time.Hour

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		device string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issues a device token signed with the relay secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Relay.JWTSecret == "" {
				return errors.New("relay.jwtSecret is required")
			}
			if device == "" {
				device = opts.cfg.Session.DeviceID
			}
			tok, err := relay.IssueToken(opts.cfg.Relay.JWTSecret, device, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Device id the token is issued to, defaults to session.deviceId")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "Token lifetime")
	return cmd
}
