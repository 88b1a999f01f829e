package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dropscribe/internal/domain"
	"dropscribe/internal/services"
)

// newWorkerCommand is the child side of isolated runs: one request on stdin,
// JSON messages on stdout.
func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var engineName string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one transcription request over stdin and stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol, so logs only go to the file.
			logger, err := ctx.logger(false)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return services.ServeWorker(sigCtx, cfg, logger, domain.Engine(engineName), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&engineName, "engine", string(domain.EngineWhisperCPP), "Engine to serve")
	return cmd
}
