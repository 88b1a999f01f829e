package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"dropscribe/internal/config"
	"dropscribe/internal/domain"
	"dropscribe/internal/jobs"
	"dropscribe/internal/logging"
	"dropscribe/internal/services"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

const (
	// EventJob carries every runner event to the front-end.
	EventJob = "job:event"
	// EventModelDownload carries byte progress of DownloadModelTier.
	EventModelDownload = "model:download"

	shutdownTimeout = 10 * time.Second
)

// ErrSettingsBusy is returned by StartTranscription while SaveSettings is
// replacing the runner.
var ErrSettingsBusy = errors.New("settings are being applied")

var mediaDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Media files",
		Pattern:     "*.mp4;*.mov;*.mkv;*.avi;*.webm;*.mp3;*.wav;*.m4a;*.flac;*.aac;*.ogg;*.opus;*.wma",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// ModelDownloadProgress is pushed as EventModelDownload.
type ModelDownloadProgress struct {
	Tier     string `json:"tier"`
	Present  int64  `json:"present"`
	Expected int64  `json:"expected"`
}

// App wires configuration, the job runner, and UI runtime callbacks.
type App struct {
	Store       config.Store
	Diagnostics domain.DiagnosticReport
	assets      fs.FS
	logger      *slog.Logger
	svcOptions  services.Options

	// startMu orders job starts against settings swaps. It is taken before
	// mu, never after: runner events reach forward synchronously.
	startMu  sync.Mutex
	swapping bool

	mu          sync.Mutex
	cfg         config.Config
	svc         *services.Services
	runner      *jobs.Runner
	unsubscribe func()
	runtimeCtx  context.Context

	emit      func(ctx context.Context, name string, data ...any)
	notify    func(title, message string) error
	copyText  func(text string) error
	openPath  func(path string) error
	buildSvcs func(cfg *config.Config, logger *slog.Logger, opts services.Options) (*services.Services, error)
}

// New builds the application from the configuration at configPath; an empty
// path uses the default locations.
func New(configPath string) (*App, error) {
	return NewWithAssets(configPath, nil)
}

// NewWithAssets builds the application and optionally configures embedded frontend assets.
func NewWithAssets(configPath string, assets fs.FS) (*App, error) {
	cfg, resolvedPath, _, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := newApp(config.NewTOMLStore(resolvedPath), logger, services.Options{ConfigPath: resolvedPath})
	app.assets = assets
	if err := app.apply(*cfg); err != nil {
		return nil, err
	}
	return app, nil
}

func newApp(store config.Store, logger *slog.Logger, opts services.Options) *App {
	return &App{
		Store:      store,
		logger:     logging.NewComponentLogger(logger, "desktop"),
		svcOptions: opts,
		emit:       wailsruntime.EventsEmit,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		copyText:  clipboard.WriteAll,
		openPath:  openInFileManager,
		buildSvcs: services.Build,
	}
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Dropscribe",
		Width:       1180,
		Height:      780,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores Wails runtime context for push events.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtimeCtx = ctx
}

// Shutdown cancels a running job and waits for its engine to exit.
func (a *App) Shutdown(context.Context) {
	a.mu.Lock()
	runner := a.runner
	a.runtimeCtx = nil
	a.mu.Unlock()
	if runner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown did not finish cleanly", logging.Error(err))
		return
	}
	if err := runner.Reset(); err != nil {
		a.logger.Debug("job not reset on shutdown", logging.Error(err))
	}
}

// apply rebuilds the service stack for cfg and moves the event subscription
// to the new runner.
func (a *App) apply(cfg config.Config) error {
	svc, err := a.buildSvcs(&cfg, a.logger, a.svcOptions)
	if err != nil {
		return err
	}
	return a.commit(cfg, svc)
}

func (a *App) commit(cfg config.Config, svc *services.Services) error {
	report := svc.Diagnose()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner != nil && a.runner.Busy() {
		return jobs.ErrJobAlreadyRunning
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.cfg = cfg
	a.svc = svc
	a.runner = svc.Runner
	a.unsubscribe = a.runner.Subscribe(a.forward)
	a.Diagnostics = report
	return nil
}

// forward pushes runner events to the window and announces finished jobs.
func (a *App) forward(ev jobs.Event) {
	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		a.emit(ctx, EventJob, ev)
	}

	var title, message string
	switch {
	case ev.Type == jobs.EventTypeResult:
		title, message = "Transcription complete", ev.TextPath
		if message == "" {
			message = "The transcript is ready."
		}
	case ev.Type == jobs.EventTypeError:
		title, message = "Transcription failed", ev.Message
	default:
		return
	}
	go func() {
		if err := a.notify(title, message); err != nil {
			a.logger.Debug("desktop notification failed", logging.Error(err))
		}
	}()
}

func (a *App) current() (*services.Services, *jobs.Runner, config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.svc, a.runner, a.cfg
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// RefreshDiagnostics reruns dependency checks against the active settings.
func (a *App) RefreshDiagnostics() domain.DiagnosticReport {
	svc, _, _ := a.current()
	report := svc.Diagnose()
	a.mu.Lock()
	a.Diagnostics = report
	a.mu.Unlock()
	return report
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (config.Config, error) {
	cfg, err := a.Store.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load settings: %w", err)
	}
	return cfg, nil
}

// SaveSettings persists settings and rebuilds the stack. Settings cannot
// change under a running job, and no job can start until the new runner is
// in place.
func (a *App) SaveSettings(cfg config.Config) (config.Config, error) {
	if err := a.beginSwap(); err != nil {
		return config.Config{}, err
	}
	defer a.endSwap()

	// Build before saving so a rejected tier never reaches the file.
	if _, err := a.buildSvcs(&cfg, a.logger, a.svcOptions); err != nil {
		return config.Config{}, err
	}
	if err := a.Store.Save(cfg); err != nil {
		return config.Config{}, fmt.Errorf("save settings: %w", err)
	}
	saved, err := a.Store.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("reload settings: %w", err)
	}
	if err := a.apply(saved); err != nil {
		return config.Config{}, err
	}
	return saved, nil
}

func (a *App) beginSwap() error {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.swapping {
		return ErrSettingsBusy
	}
	if _, runner, _ := a.current(); runner.Busy() {
		return jobs.ErrJobAlreadyRunning
	}
	a.swapping = true
	return nil
}

func (a *App) endSwap() {
	a.startMu.Lock()
	a.swapping = false
	a.startMu.Unlock()
}

// GetModelTiers lists the tier catalog with cache state.
func (a *App) GetModelTiers() []domain.ModelTier {
	svc, _, _ := a.current()
	return svc.Tiers()
}

// DownloadModelTier fetches a tier's files, pushing byte progress as
// EventModelDownload, and refreshes diagnostics.
func (a *App) DownloadModelTier(tierID string) (domain.ModelTier, error) {
	svc, _, _ := a.current()
	tier, err := svc.DownloadTier(context.Background(), tierID, func(present, expected int64) {
		a.mu.Lock()
		ctx := a.runtimeCtx
		a.mu.Unlock()
		if ctx != nil {
			a.emit(ctx, EventModelDownload, ModelDownloadProgress{Tier: tierID, Present: present, Expected: expected})
		}
	})
	a.RefreshDiagnostics()
	if err != nil {
		return tier, fmt.Errorf("download tier %s: %w", tierID, err)
	}
	return tier, nil
}

// PickInputFile opens a native file dialog for media selection.
func (a *App) PickInputFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select media file",
		Filters: mediaDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickOutputDirectory opens a native directory picker for transcript exports.
func (a *App) PickOutputDirectory() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select output directory",
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the given path (or configured output dir) in file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		_, _, cfg := a.current()
		target = cfg.Paths.OutputDir
	}
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return a.openPath(openPath)
}

// StartTranscription starts a background job; an empty tier uses the
// configured default.
func (a *App) StartTranscription(inputPath, tierID string) (domain.Job, error) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.swapping {
		return domain.Job{}, ErrSettingsBusy
	}
	_, runner, _ := a.current()
	return runner.Start(strings.TrimSpace(inputPath), tierID)
}

// CancelTranscription cancels the currently running job, if any.
func (a *App) CancelTranscription() error {
	_, runner, _ := a.current()
	return runner.Cancel()
}

// CurrentJob returns current job metadata and status.
func (a *App) CurrentJob() domain.Job {
	_, runner, _ := a.current()
	return runner.Current()
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	_, runner, _ := a.current()
	return runner.Events(sinceSeq)
}

// CopyResult puts the finished transcript on the clipboard.
func (a *App) CopyResult() error {
	job := a.CurrentJob()
	if job.Status != domain.JobStatusDone {
		return fmt.Errorf("no finished transcript to copy")
	}
	if err := a.copyText(job.ResultText); err != nil {
		return fmt.Errorf("copy transcript: %w", err)
	}
	return nil
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}
