package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dropscribe/internal/diagnostics"
	"dropscribe/internal/domain"
	"dropscribe/internal/logging"
)

var errDoctorFailed = errors.New("environment check failed")

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check tools, directories and the default model tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(logging.NewNop())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := isTerminal(out)

			report := svc.Diagnose()
			if fix {
				if item, ok := report.Item(diagnostics.ItemDefaultTier); ok && item.Fixable {
					if err := downloadTier(cmd, svc, svc.Config.Transcription.DefaultTier); err != nil {
						return err
					}
					report = svc.Diagnose()
				}
			}

			writeReport(out, ctx.configPath, report, colorize)
			if report.HasFailures {
				return errDoctorFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Download the default tier when it is missing")
	return cmd
}

func writeReport(out io.Writer, configPath string, report domain.DiagnosticReport, colorize bool) {
	for _, line := range renderSectionHeader("Environment", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Config", "", configPath, colorize))
	for _, item := range report.Items {
		fmt.Fprintln(out, renderStatusLine(item.Name, item.Status, item.Message, colorize))
		if item.Hint != "" && item.Status != domain.DiagnosticStatusPass {
			fmt.Fprintf(out, "%s%-*s %s\n", statusIndent, statusLabelWidth, "", item.Hint)
		}
	}
}
