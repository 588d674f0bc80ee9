package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"courier/internal/report"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload everything currently in the inbox and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.requireServer()
			if err != nil {
				return err
			}
			logger, err := ctx.newLogger(cfg)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			orchestrator := ctx.newOrchestrator(cfg, logger)
			defer orchestrator.Close()

			result, err := orchestrator.Run(runCtx)
			if err != nil {
				return err
			}

			printRunSummary(cmd, result)
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d files failed to upload", result.Failed, result.Total)
			}
			return nil
		},
	}
}

func printRunSummary(cmd *cobra.Command, result *report.RunResult) {
	out := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(out, "Inbox is empty, nothing to upload.")
		return
	}

	rows := make([][]string, 0, len(result.Files))
	for _, file := range result.Files {
		size := ""
		if file.SizeBytes > 0 {
			size = humanize.IBytes(uint64(file.SizeBytes))
		}
		detail := file.Error
		if file.Outcome == report.OutcomeDuplicate {
			detail = "already on server"
		}
		rows = append(rows, []string{file.Name, string(file.Outcome), size, detail})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"FILE", "STATUS", "SIZE", "DETAIL"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(out, "\n%d uploaded, %d failed, %d skipped (run %s)\n",
		result.Successful, result.Failed, result.Skipped, result.ID)
}
