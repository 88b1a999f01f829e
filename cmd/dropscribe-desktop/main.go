package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dropscribe/internal/bootstrap"
	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/logging"
	"dropscribe/internal/services"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("run app: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "dropscribe-desktop",
		Short:         "Desktop shell for dropscribe",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.New(configPath)
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.AddCommand(newWorkerCommand(&configPath))
	return cmd
}

// newWorkerCommand serves isolated engine runs started by this binary.
func newWorkerCommand(configPath *string) *cobra.Command {
	var engineName string

	cmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg, false)
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return services.ServeWorker(sigCtx, cfg, logger, domain.Engine(engineName), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&engineName, "engine", string(domain.EngineWhisperCPP), "Engine to serve")
	return cmd
}
