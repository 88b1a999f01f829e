package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"dropscribe/internal/domain"
	"dropscribe/internal/logging"
	"dropscribe/internal/services"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var download string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model tiers and their cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(logging.NewNop())
			if err != nil {
				return err
			}
			if download != "" {
				return downloadTier(cmd, svc, download)
			}

			rows := make([][]string, 0)
			for _, tier := range svc.Tiers() {
				rows = append(rows, tierRow(tier, svc.Config.Transcription.DefaultTier))
			}
			headers := []string{"ID", "Name", "Engine", "Size", "Cached", "Notes"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			fmt.Fprintf(cmd.OutOrStdout(), "Model cache: %s\n", svc.Cache.Root())
			return nil
		},
	}

	cmd.Flags().StringVar(&download, "download", "", "Download every missing file of a tier")
	return cmd
}

func tierRow(tier domain.ModelTier, defaultTier string) []string {
	size := "-"
	cached := "n/a"
	if len(tier.Assets) > 0 {
		size = humanize.Bytes(uint64(tier.ExpectedBytes()))
		cached = yesNo(tier.Downloaded)
	}
	var notes []string
	if tier.ID == defaultTier {
		notes = append(notes, "default")
	}
	if tier.Recommended {
		notes = append(notes, "recommended")
	}
	return []string{tier.ID, tier.Name, string(tier.Engine), size, cached, strings.Join(notes, ", ")}
}

// downloadTier fetches a tier with a byte progress bar on terminals and
// sampled lines otherwise.
func downloadTier(cmd *cobra.Command, svc *services.Services, id string) error {
	tier, err := svc.Catalog.Lookup(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(tier.Assets) == 0 {
		fmt.Fprintf(out, "Tier %s has nothing to download.\n", tier.ID)
		return nil
	}

	report := downloadReporter(cmd.ErrOrStderr(), tier)
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	got, err := svc.DownloadTier(sigCtx, id, report.update)
	report.finish()
	if err != nil {
		if sigCtx.Err() != nil {
			return sigCtx.Err()
		}
		return err
	}
	if !got.Downloaded {
		fmt.Fprintf(out, "Tier %s is usable but incomplete in %s; run again to finish.\n", got.ID, got.LocalDir)
		return nil
	}
	fmt.Fprintf(out, "Tier %s cached in %s\n", got.ID, got.LocalDir)
	return nil
}

type downloadProgress struct {
	bar     *progressbar.ProgressBar
	out     io.Writer
	tier    string
	sampler *logging.ProgressSampler
}

func downloadReporter(out io.Writer, tier domain.ModelTier) *downloadProgress {
	p := &downloadProgress{out: out, tier: tier.ID}
	if isTerminal(out) {
		p.bar = progressbar.NewOptions64(tier.ExpectedBytes(),
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("downloading "+tier.ID),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		)
		return p
	}
	p.sampler = logging.NewProgressSampler(10)
	return p
}

func (p *downloadProgress) update(present, expected int64) {
	if p.bar != nil {
		_ = p.bar.Set64(present)
		return
	}
	if expected <= 0 {
		return
	}
	percent := float64(present) / float64(expected) * 100
	if p.sampler.ShouldLog(percent, "download") {
		fmt.Fprintf(p.out, "downloading %s: %.0f%% (%s of %s)\n", p.tier, percent,
			humanize.Bytes(uint64(present)), humanize.Bytes(uint64(expected)))
	}
}

func (p *downloadProgress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
