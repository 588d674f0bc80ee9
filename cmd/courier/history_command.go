package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"courier/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var runID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent upload runs recorded on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			store, err := history.Open(cfg.HistoryDBPath())
			if err != nil {
				return fmt.Errorf("open history database: %w", err)
			}
			defer store.Close()

			if runID != "" {
				return printRunFiles(cmd, store, runID)
			}
			return printRecentRuns(cmd, store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "Show per-file outcomes for one run id")
	return cmd
}

func printRecentRuns(cmd *cobra.Command, store *history.Store, limit int) error {
	runs, err := store.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("query run history: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No upload runs recorded yet.")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		note := run.Aborted
		rows = append(rows, []string{
			shortRunID(run.ID),
			humanize.Time(run.StartedAt),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String(),
			strconv.Itoa(run.Total),
			strconv.Itoa(run.Successful),
			strconv.Itoa(run.Failed),
			strconv.Itoa(run.Skipped),
			note,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"RUN", "STARTED", "DURATION", "TOTAL", "OK", "FAILED", "SKIPPED", "NOTE"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	return nil
}

func printRunFiles(cmd *cobra.Command, store *history.Store, runID string) error {
	files, err := store.RunFiles(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("query run files: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(files) == 0 {
		fmt.Fprintf(out, "No files recorded for run %s.\n", runID)
		return nil
	}

	rows := make([][]string, 0, len(files))
	for _, file := range files {
		size := ""
		if file.SizeBytes > 0 {
			size = humanize.IBytes(uint64(file.SizeBytes))
		}
		rows = append(rows, []string{file.Name, string(file.Outcome), size, strconv.Itoa(file.Attempts), file.Error})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"FILE", "STATUS", "SIZE", "ATTEMPTS", "ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
