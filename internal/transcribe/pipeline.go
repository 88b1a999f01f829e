// Package transcribe runs one media file through the transcription stages:
// preparing, downloading, loading, transcribing and export.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
	"dropscribe/internal/models"
	"dropscribe/internal/progress"
)

// Stage is one step of a run, reported through Request.OnStage.
type Stage string

const (
	StagePreparing    Stage = "preparing"
	StageDownloading  Stage = "downloading"
	StageLoading      Stage = "loading"
	StageTranscribing Stage = "transcribing"
)

// Status maps the stage to the job status it drives.
func (s Stage) Status() domain.JobStatus {
	return domain.JobStatus(s)
}

// LogEntry is one diagnostic message from a stage. Command is set for
// external tool runs.
type LogEntry struct {
	Stage   Stage
	Message string
	Command *media.CommandLog
}

// Request contains input media and execution callbacks for one run.
// Callbacks may be invoked from several goroutines.
type Request struct {
	InputPath     string
	Tier          string
	Language      string
	InitialPrompt string
	OutputDir     string
	Isolate       bool

	OnStage    func(stage Stage)
	OnProgress func(sample progress.Sample)
	OnSegment  func(seg backend.Segment)
	OnLog      func(entry LogEntry)
}

// Result contains the transcript and where it was exported.
type Result struct {
	TextPath   string
	Transcript string
	Segments   []backend.Segment
	Language   string
	Duration   time.Duration
	Engine     string
	Degraded   bool
	Logs       []media.CommandLog
}

// PipelineError is a stage-aware error with optional command context.
type PipelineError struct {
	Stage      Stage            `json:"stage"`
	Message    string           `json:"message"`
	CommandLog media.CommandLog `json:"commandLog"`
	Err        error            `json:"-"`
}

// Error formats pipeline failures for logs and UI.
func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Stage,
		e.Message,
		filepath.Base(e.CommandLog.Command),
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Tiers resolves tier IDs.
type Tiers interface {
	Lookup(id string) (domain.ModelTier, error)
}

// Acquirer makes tier assets available locally.
type Acquirer interface {
	Plan(tier domain.ModelTier) models.Plan
	Acquire(ctx context.Context, tier domain.ModelTier, onProgress func(present, expected int64)) (models.Assets, error)
}

// MediaTools probes and converts input media.
type MediaTools interface {
	Probe(ctx context.Context, path string) (time.Duration, media.CommandLog, error)
	Extract(ctx context.Context, in, out string, format media.Format) (media.CommandLog, error)
}

// readiness is implemented by media tools that can report a missing
// executable before any work starts.
type readiness interface {
	Ready() error
}

// Engines builds the backend serving a tier.
type Engines interface {
	New(kind domain.Engine, isolate bool) (backend.Backend, error)
}

// Options carries engine settings that apply to every run.
type Options struct {
	Language      string
	InitialPrompt string
	BeamSize      int
	Threads       int
	VAD           bool
	// TempDir is where per-run workspaces are created; empty means the
	// system default.
	TempDir string
}

// Pipeline orchestrates acquisition, ffmpeg extraction and the engine.
type Pipeline struct {
	tiers    Tiers
	acquirer Acquirer
	tools    MediaTools
	engines  Engines
	opts     Options
	logger   *slog.Logger

	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	stat      func(name string) (os.FileInfo, error)
	mkdirAll  func(path string, perm os.FileMode) error
	writeFile func(name string, data []byte, perm os.FileMode) error
}

// NewPipeline constructs the production pipeline with OS dependencies.
func NewPipeline(tiers Tiers, acquirer Acquirer, tools MediaTools, engines Engines, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		tiers:     tiers,
		acquirer:  acquirer,
		tools:     tools,
		engines:   engines,
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		stat:      os.Stat,
		mkdirAll:  os.MkdirAll,
		writeFile: os.WriteFile,
	}
}

// Run performs every stage for req. The temporary workspace is removed on
// all exit paths. Cancellation is returned as the context error.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	emitStage(req.OnStage, StagePreparing)
	tier, engine, duration, err := p.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	assets, err := p.acquire(ctx, req, tier)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	emitStage(req.OnStage, StageLoading)
	tempDir, err := p.mkdirTemp(p.opts.TempDir, "dropscribe-*")
	if err != nil {
		return Result{}, &PipelineError{
			Stage:   StageLoading,
			Message: "failed to create temporary workspace",
			Err:     failure.Wrap(failure.ErrConfiguration, string(StageLoading), "workspace", "", err),
		}
	}
	defer func() {
		if err := p.removeAll(tempDir); err != nil {
			p.logger.Warn("remove workspace failed", logging.String("dir", tempDir), logging.Error(err))
		}
	}()

	audioPath := filepath.Join(tempDir, "audio"+engine.Input().Extension())
	extractLog, err := p.tools.Extract(ctx, req.InputPath, audioPath, engine.Input())
	emitLog(req.OnLog, LogEntry{Stage: StageLoading, Message: "extract audio", Command: &extractLog})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &PipelineError{
			Stage:      StageLoading,
			Message:    "ffmpeg audio conversion failed",
			CommandLog: extractLog,
			Err:        err,
		}
	}

	var transcribing sync.Once
	enterTranscribing := func() {
		transcribing.Do(func() { emitStage(req.OnStage, StageTranscribing) })
	}
	engineReq := backend.Request{
		MediaPath:     audioPath,
		ModelPath:     assets.ModelPath,
		Language:      firstNonEmpty(req.Language, p.opts.Language),
		BeamSize:      p.opts.BeamSize,
		InitialPrompt: firstNonEmpty(req.InitialPrompt, p.opts.InitialPrompt),
		Threads:       p.opts.Threads,
		Duration:      duration,
		WorkDir:       tempDir,
		OnLoaded:      enterTranscribing,
		OnSegment: func(seg backend.Segment) {
			if req.OnSegment != nil {
				req.OnSegment(seg)
			}
		},
		OnProgress: func(measured, expected float64) {
			if req.OnProgress != nil {
				req.OnProgress(progress.Sample{Phase: progress.PhaseInfer, Measured: measured, Expected: expected})
			}
		},
		OnLog: func(line string) {
			emitLog(req.OnLog, LogEntry{Stage: StageTranscribing, Message: line})
		},
	}
	if p.opts.VAD {
		engineReq.VADModelPath = assets.VADModelPath
	}

	p.logger.Info("starting engine",
		logging.String(logging.FieldEngine, engine.Name()),
		logging.String(logging.FieldTier, tier.ID),
		logging.Duration("media_duration", duration),
		logging.Bool("degraded", assets.Degraded),
	)
	transcript, err := engine.Transcribe(ctx, engineReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}
	enterTranscribing()

	result := Result{
		Transcript: strings.TrimSpace(transcript.Text),
		Segments:   transcript.Segments,
		Language:   transcript.Language,
		Duration:   firstPositive(transcript.Duration, duration),
		Engine:     engine.Name(),
		Degraded:   assets.Degraded,
		Logs:       []media.CommandLog{extractLog},
	}
	if dir := strings.TrimSpace(req.OutputDir); dir != "" {
		textPath, err := p.export(dir, req.InputPath, result.Transcript)
		if err != nil {
			return Result{}, err
		}
		result.TextPath = textPath
	}
	return result, nil
}

// prepare validates input, resolves tier and engine and probes duration.
// A failed probe only costs measured progress.
func (p *Pipeline) prepare(ctx context.Context, req Request) (domain.ModelTier, backend.Backend, time.Duration, error) {
	input := strings.TrimSpace(req.InputPath)
	if input == "" {
		return domain.ModelTier{}, nil, 0, failure.Wrap(failure.ErrValidation, string(StagePreparing), "input", "input media path is required", nil)
	}
	info, err := p.stat(input)
	if err != nil {
		return domain.ModelTier{}, nil, 0, failure.Wrap(failure.ErrValidation, string(StagePreparing), "input", "cannot access input media: "+input, err)
	}
	if info.IsDir() {
		return domain.ModelTier{}, nil, 0, failure.Wrap(failure.ErrValidation, string(StagePreparing), "input", input+" is a directory", nil)
	}

	tier, err := p.tiers.Lookup(req.Tier)
	if err != nil {
		return domain.ModelTier{}, nil, 0, err
	}
	if _, err := backend.NormalizeLanguage(firstNonEmpty(req.Language, p.opts.Language)); err != nil {
		return domain.ModelTier{}, nil, 0, err
	}
	engine, err := p.engines.New(tier.Engine, req.Isolate)
	if err != nil {
		return domain.ModelTier{}, nil, 0, err
	}
	if err := engine.Check(); err != nil {
		return domain.ModelTier{}, nil, 0, err
	}
	if r, ok := p.tools.(readiness); ok {
		if err := r.Ready(); err != nil {
			return domain.ModelTier{}, nil, 0, err
		}
	}

	duration, probeLog, err := p.tools.Probe(ctx, input)
	emitLog(req.OnLog, LogEntry{Stage: StagePreparing, Message: "probe duration", Command: &probeLog})
	if err != nil {
		if ctx.Err() != nil {
			return domain.ModelTier{}, nil, 0, ctx.Err()
		}
		p.logger.Warn("duration probe failed; progress will be estimated",
			logging.String("input", input),
			logging.Error(err),
		)
		duration = 0
	}
	return tier, engine, duration, nil
}

// acquire makes the tier's files local, entering the downloading stage only
// when something is missing.
func (p *Pipeline) acquire(ctx context.Context, req Request, tier domain.ModelTier) (models.Assets, error) {
	tier = p.usedAssets(tier)
	if len(tier.Assets) == 0 {
		return models.Assets{}, nil
	}
	if !p.acquirer.Plan(tier).Complete() {
		emitStage(req.OnStage, StageDownloading)
	}
	return p.acquirer.Acquire(ctx, tier, func(present, expected int64) {
		if req.OnProgress != nil {
			req.OnProgress(progress.Sample{
				Phase:    progress.PhaseDownload,
				Measured: float64(present),
				Expected: float64(expected),
			})
		}
	})
}

// usedAssets drops the VAD asset when VAD is off so it is never planned,
// fetched or counted toward a degraded cache.
func (p *Pipeline) usedAssets(tier domain.ModelTier) domain.ModelTier {
	if p.opts.VAD {
		return tier
	}
	assets := make([]domain.ModelAsset, 0, len(tier.Assets))
	for _, asset := range tier.Assets {
		if asset.Role != domain.AssetRoleVAD {
			assets = append(assets, asset)
		}
	}
	tier.Assets = assets
	return tier
}

func (p *Pipeline) export(dir, inputPath, text string) (string, error) {
	if err := p.mkdirAll(dir, 0o755); err != nil {
		return "", failure.Wrap(failure.ErrConfiguration, "exporting", "output", "cannot create output directory: "+dir, err)
	}
	textPath := filepath.Join(dir, transcriptFileName(inputPath))
	if err := p.writeFile(textPath, []byte(text+"\n"), 0o644); err != nil {
		return "", failure.Wrap(failure.ErrConfiguration, "exporting", "output", "cannot write "+textPath, err)
	}
	return textPath, nil
}

// emitStage forwards stage updates when callback is configured.
func emitStage(cb func(stage Stage), stage Stage) {
	if cb != nil {
		cb(stage)
	}
}

// emitLog forwards log entries when callback is configured.
func emitLog(cb func(entry LogEntry), entry LogEntry) {
	if cb != nil {
		cb(entry)
	}
}

// transcriptFileName builds output text filename from input media name.
func transcriptFileName(inputPath string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "transcript"
	}
	return name + ".txt"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
