package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/codec"
	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/overlay"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <event line>",
		Short: "Decode an overlay event line into a broker message",
		Example: `  overlay-bridge decode "main showclock arm"
  overlay-bridge decode main showimage logo.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := codec.DecodeLine(strings.Join(args, " "), time.Now())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(msg); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
			if codec.IsNoise(msg.Topic) {
				fmt.Fprintln(cmd.ErrOrStderr(), "note: this topic is never forwarded to the broker")
			}
			return nil
		},
	}
}

func encodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode <topic> [json data]",
		Short: "Encode a broker message into an overlay command line",
		Example: `  overlay-bridge encode clock:arm
  overlay-bridge encode announcement:show '{"main":"Welcome"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return errors.ValidationError(fmt.Sprintf("invalid json data: %v", err))
				}
			}

			line, ok := codec.Encode(broker.NewMessage(args[0], data), overlay.EncodeMessage)
			if !ok {
				return errors.ValidationError(fmt.Sprintf("%s has no overlay command", args[0]))
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print a freshly generated instance identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := identity.New()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
