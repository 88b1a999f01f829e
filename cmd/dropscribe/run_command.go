package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"
	"github.com/spf13/cobra"

	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/jobs"
)

const notifyTitle = "Dropscribe"

// Swapped by tests.
var (
	copyText = clipboard.WriteAll
	notify   = func(title, message string) error { return beeep.Notify(title, message, "") }
)

type runOptions struct {
	tier      string
	language  string
	prompt    string
	outputDir string
	copy      bool
	notify    bool
	isolate   bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <media>",
		Short: "Transcribe one audio or video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscription(cmd, ctx, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.tier, "tier", "t", "", "Model tier (defaults to transcription.default_tier)")
	flags.StringVarP(&opts.language, "language", "l", "", "Language tag such as en or zh-CN, or auto")
	flags.StringVar(&opts.prompt, "prompt", "", "Initial prompt that steers style and punctuation")
	flags.StringVarP(&opts.outputDir, "output-dir", "o", "", "Directory for the transcript file")
	flags.BoolVar(&opts.copy, "copy", false, "Copy the transcript to the clipboard")
	flags.BoolVar(&opts.notify, "notify", false, "Show a desktop notification when the job ends")
	flags.BoolVar(&opts.isolate, "isolate", false, "Run the engine in a separate worker process")
	return cmd
}

func runTranscription(cmd *cobra.Command, ctx *commandContext, media string, opts runOptions) error {
	source, err := filepath.Abs(media)
	if err != nil {
		return fmt.Errorf("resolve media path: %w", err)
	}
	outputDir := ""
	if strings.TrimSpace(opts.outputDir) != "" {
		if outputDir, err = config.ExpandPath(opts.outputDir); err != nil {
			return fmt.Errorf("resolve output directory: %w", err)
		}
	}

	errOut := cmd.ErrOrStderr()
	interactive := isTerminal(errOut)
	// Console logs would fight with the progress bar.
	logger, err := ctx.logger(!interactive)
	if err != nil {
		return err
	}
	svc, err := ctx.services(logger, func(cfg *config.Config) {
		if outputDir != "" {
			cfg.Paths.OutputDir = outputDir
		}
		if opts.isolate {
			cfg.Transcription.Isolate = true
		}
	})
	if err != nil {
		return err
	}

	renderer := newJobRenderer(errOut, interactive)
	unsubscribe := svc.Runner.Subscribe(renderer.apply)
	defer unsubscribe()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := svc.Runner.StartRequest(jobs.Request{
		SourcePath:    source,
		Tier:          opts.tier,
		Language:      opts.language,
		InitialPrompt: opts.prompt,
	}); err != nil {
		return err
	}

	interrupted := false
	select {
	case <-renderer.Done():
	case <-sigCtx.Done():
		interrupted = true
		if err := svc.Runner.Cancel(); err != nil && !errors.Is(err, jobs.ErrNoRunningJob) {
			return err
		}
	}
	if err := svc.Runner.Wait(context.Background()); err != nil {
		return err
	}

	view := renderer.View()
	switch view.Status {
	case domain.JobStatusDone:
		return reportResult(cmd, view, opts)
	case domain.JobStatusCancelled:
		return context.Canceled
	default:
		if interrupted {
			return context.Canceled
		}
		if opts.notify {
			sendNotification(cmd, "Transcription failed: "+view.Error)
		}
		return errors.New(view.Error)
	}
}

func reportResult(cmd *cobra.Command, view jobs.View, opts runOptions) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	if view.Degraded {
		fmt.Fprintln(errOut, "warning: the model cache was incomplete; rerun `dropscribe models --download` for full quality")
	}
	if view.TextPath != "" {
		fmt.Fprintf(errOut, "Transcript written to %s\n", view.TextPath)
	}
	fmt.Fprintln(out, view.Result)

	if opts.copy {
		if err := copyText(view.Result); err != nil {
			return failure.Wrap(failure.ErrConfiguration, "done", "clipboard", "copy transcript", err)
		}
		fmt.Fprintln(errOut, "Transcript copied to the clipboard")
	}
	if opts.notify {
		message := "Transcript ready"
		if view.TextPath != "" {
			message += ": " + filepath.Base(view.TextPath)
		}
		sendNotification(cmd, message)
	}
	return nil
}

func sendNotification(cmd *cobra.Command, message string) {
	if err := notify(notifyTitle, message); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "notification failed: %v\n", err)
	}
}
