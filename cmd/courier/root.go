package main

import (
	"github.com/spf13/cobra"

	"courier/internal/version"
)

func newRootCommand() *cobra.Command {
	flags := &commandFlags{}
	ctx := newCommandContext(flags)

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Upload files from a watched folder to a remote intake service",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.serverURL, "url", "", "Server base URL (overrides config)")
	pf.StringVar(&flags.apiKey, "key", "", "API key (overrides config)")
	pf.StringVar(&flags.folder, "folder", "", "Base folder holding inbox/processed/logs (overrides config)")
	pf.IntVar(&flags.batchSize, "batch-size", 0, "Files to send before pausing for the server queue")
	pf.IntVar(&flags.pollingInterval, "polling-interval", 0, "Seconds between busy-server polls")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newPingCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
