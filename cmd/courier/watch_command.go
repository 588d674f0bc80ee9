package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the inbox and upload new files as they arrive",
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

			err = orchestrator.Watch(runCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
