// Package services assembles the transcription stack from configuration.
// The CLI and the desktop shell share it so both run identical jobs.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dropscribe/internal/config"
	"dropscribe/internal/diagnostics"
	"dropscribe/internal/domain"
	"dropscribe/internal/engine"
	"dropscribe/internal/failure"
	"dropscribe/internal/jobs"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
	"dropscribe/internal/models"
	"dropscribe/internal/toolpath"
	"dropscribe/internal/transcribe"
)

const maxEvents = 1000

// Services holds the wired components for one configuration.
type Services struct {
	Config   *config.Config
	Logger   *slog.Logger
	Catalog  *models.Catalog
	Cache    *models.Cache
	Acquirer *models.Acquirer
	Engines  *engine.Factory
	Pipeline *transcribe.Pipeline
	Runner   *jobs.Runner
	Checker  *diagnostics.Checker
}

// Options adjusts how the stack is built.
type Options struct {
	// ConfigPath is forwarded to isolated workers so they load the same file.
	ConfigPath string
	// WorkerExecutable overrides the binary started for isolated runs.
	WorkerExecutable string
}

// Build wires catalog, cache, hub, media tools, engines, pipeline and runner.
func Build(cfg *config.Config, logger *slog.Logger, opts Options) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("services: config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	catalog := models.NewCatalog()
	if _, err := catalog.Lookup(cfg.Transcription.DefaultTier); err != nil {
		return nil, err
	}

	cache := models.NewCache(cfg.Paths.ModelDir)
	hub := models.NewHub(cfg.Download.HubURL, cfg.Download.HFToken, cfg.DownloadTimeout())
	acquirer := models.NewAcquirer(cache, hub, cfg.Download.MinViableFraction, cfg.PollInterval(), logger)

	resolver := toolpath.New(cfg.Tools.SearchDirs)
	engines := engine.NewFactory(cfg, resolver, logger)
	engines.WorkerExecutable = opts.WorkerExecutable
	if opts.ConfigPath != "" {
		engines.WorkerArgs = []string{"--config", opts.ConfigPath}
	}

	tools := &resolvingTools{cfg: cfg, resolver: resolver}
	pipeline := transcribe.NewPipeline(catalog, acquirer, tools, engines, transcribe.Options{
		Language:      cfg.Transcription.Language,
		InitialPrompt: cfg.Transcription.InitialPrompt,
		BeamSize:      cfg.Transcription.BeamSize,
		Threads:       cfg.Transcription.Threads,
		VAD:           cfg.Transcription.VAD,
	}, logger)

	runner := jobs.NewRunner(pipeline, catalog, cache, jobs.Options{
		DefaultTier:   cfg.Transcription.DefaultTier,
		OutputDir:     cfg.Paths.OutputDir,
		Isolate:       cfg.Transcription.Isolate,
		CreepInterval: cfg.CreepInterval(),
		CreepRate:     cfg.Runner.CreepRate,
		MaxEvents:     maxEvents,
	}, logger)

	return &Services{
		Config:   cfg,
		Logger:   logger,
		Catalog:  catalog,
		Cache:    cache,
		Acquirer: acquirer,
		Engines:  engines,
		Pipeline: pipeline,
		Runner:   runner,
		Checker:  diagnostics.NewChecker(catalog),
	}, nil
}

// Diagnose runs the environment checks for the current configuration.
func (s *Services) Diagnose() domain.DiagnosticReport {
	return s.Checker.Run(*s.Config)
}

// Tiers lists the catalog with cache state.
func (s *Services) Tiers() []domain.ModelTier {
	return s.Catalog.List(s.Cache)
}

// DownloadTier fetches every missing file of a tier. Tiers without local
// files return immediately.
func (s *Services) DownloadTier(ctx context.Context, id string, onProgress func(present, expected int64)) (domain.ModelTier, error) {
	tier, err := s.Catalog.Lookup(id)
	if err != nil {
		return domain.ModelTier{}, err
	}
	if len(tier.Assets) == 0 {
		return tier, nil
	}
	if _, err := s.Acquirer.Acquire(ctx, tier, onProgress); err != nil {
		return tier, err
	}
	tier.Downloaded = s.Cache.Plan(tier).Complete()
	tier.LocalDir = s.Cache.Dir(tier)
	return tier, nil
}

// resolvingTools looks ffmpeg and ffprobe up on every call so tools
// installed while the application runs are picked up.
type resolvingTools struct {
	cfg      *config.Config
	resolver *toolpath.Resolver
}

func (t *resolvingTools) toolkit() (*media.Toolkit, error) {
	ffmpeg, err := t.resolver.Resolve(t.cfg.Tools.FFmpeg, "ffmpeg")
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfiguration, "preparing", "ffmpeg",
			"ffmpeg is required; expected it in "+t.resolver.Where(), err)
	}
	// A missing ffprobe only disables measured progress; Probe reports it.
	ffprobe, err := t.resolver.Resolve(t.cfg.Tools.FFprobe, "ffprobe")
	if err != nil {
		ffprobe = "ffprobe"
	}
	return media.NewToolkit(ffmpeg, ffprobe, t.cfg.CancelGrace()), nil
}

// Ready reports a missing ffmpeg with the places it was looked for.
func (t *resolvingTools) Ready() error {
	_, err := t.toolkit()
	return err
}

func (t *resolvingTools) Probe(ctx context.Context, path string) (time.Duration, media.CommandLog, error) {
	tk, err := t.toolkit()
	if err != nil {
		return 0, media.CommandLog{}, err
	}
	return tk.Probe(ctx, path)
}

func (t *resolvingTools) Extract(ctx context.Context, in, out string, format media.Format) (media.CommandLog, error) {
	tk, err := t.toolkit()
	if err != nil {
		return media.CommandLog{}, err
	}
	return tk.Extract(ctx, in, out, format)
}
