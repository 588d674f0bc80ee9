package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/transport"
)

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity, API key, and host approval on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.requireServer()
			if err != nil {
				return err
			}
			logger, err := ctx.quietLogger(cfg)
			if err != nil {
				return err
			}

			client := transport.New(cfg.Server.URL, cfg.Server.APIKey, logger)
			resp, err := client.Ping(cmd.Context())

			out := cmd.OutOrStdout()
			colorize := colorizeOutput(out)
			fmt.Fprintf(out, "Server: %s\n", cfg.Server.URL)

			if err != nil {
				printStatusLine(out, "Connection", statusError, err.Error(), colorize)
				return fmt.Errorf("server unreachable")
			}
			printStatusLine(out, "Connection", statusOK, "", colorize)

			if resp.Running() {
				printStatusLine(out, "Service", statusOK, "running", colorize)
			} else {
				printStatusLine(out, "Service", statusWarn, "not running", colorize)
			}
			if resp.Environment != "" {
				printStatusLine(out, "Environment", statusInfo, resp.Environment, colorize)
			}

			if cfg.Server.APIKey != "" {
				if resp.KeyValid() {
					message := "valid"
					if resp.KeyUser != "" {
						message = fmt.Sprintf("valid (registered to %s)", resp.KeyUser)
					}
					printStatusLine(out, "API key", statusOK, message, colorize)
				} else {
					printStatusLine(out, "API key", statusError, resp.KeyStatus, colorize)
				}
			}

			switch verdict := resp.HostApproval(); verdict {
			case transport.ApprovalApproved:
				printStatusLine(out, "Host approval", statusOK, "approved", colorize)
			case transport.ApprovalPending:
				printStatusLine(out, "Host approval", statusWarn, "pending approval on the server", colorize)
			case transport.ApprovalDenied:
				printStatusLine(out, "Host approval", statusError, "denied", colorize)
			}
			return nil
		},
	}
}
