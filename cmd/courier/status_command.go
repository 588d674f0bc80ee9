package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"courier/internal/transport"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's upload queue",
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
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch server status: %w", err)
			}

			out := cmd.OutOrStdout()
			counts := status.Counts()
			fmt.Fprintf(out, "Server: %s\n", cfg.Server.URL)
			fmt.Fprintf(out, "Busy:   %s\n\n", yesNo(status.Busy()))
			fmt.Fprintln(out, renderTable(
				[]string{"STATE", "FILES"},
				[][]string{
					{"waiting", strconv.Itoa(counts.Pending)},
					{"processing", strconv.Itoa(counts.Processing)},
					{"completed", strconv.Itoa(counts.Completed)},
					{"failed", strconv.Itoa(counts.Failed)},
				},
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}
