package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dropscribe/internal/config"
	"dropscribe/internal/diagnostics"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/jobs"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
	"dropscribe/internal/services"
	"dropscribe/internal/transcribe"
)

// fakeStore keeps settings in memory for App tests.
type fakeStore struct {
	mu    sync.Mutex
	cfg   config.Config
	saves int
}

func (s *fakeStore) Load() (config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

func (s *fakeStore) Save(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.saves++
	return nil
}

// fakePipeline allows injecting custom run behavior per test.
type fakePipeline struct {
	run func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
}

func (p *fakePipeline) Run(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	return p.run(ctx, req)
}

// recorder captures everything the App pushes to the desktop.
type recorder struct {
	mu       sync.Mutex
	emitted  []string
	events   []jobs.Event
	notified []string
	copied   []string
	opened   []string
}

func (r *recorder) emit(_ context.Context, name string, data ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, name)
	if ev, ok := data[0].(jobs.Event); ok {
		r.events = append(r.events, ev)
	}
}

func (r *recorder) notifications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notified...)
}

func testSettings(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ModelDir = filepath.Join(root, "models")
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.LogDir = ""
	cfg.Transcription.DefaultTier = "base"
	return cfg
}

// newTestApp builds an App whose runner drives run instead of the real pipeline.
func newTestApp(t *testing.T, run func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)) (*App, *recorder, *fakeStore) {
	t.Helper()
	store := &fakeStore{cfg: testSettings(t)}
	rec := &recorder{}
	app := newApp(store, logging.NewNop(), services.Options{})
	app.emit = rec.emit
	app.notify = func(title, message string) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.notified = append(rec.notified, title+": "+message)
		return nil
	}
	app.copyText = func(text string) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.copied = append(rec.copied, text)
		return nil
	}
	app.openPath = func(path string) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.opened = append(rec.opened, path)
		return nil
	}
	app.buildSvcs = func(cfg *config.Config, logger *slog.Logger, opts services.Options) (*services.Services, error) {
		svc, err := services.Build(cfg, logger, opts)
		if err != nil {
			return nil, err
		}
		svc.Runner = jobs.NewRunner(&fakePipeline{run: run}, svc.Catalog, svc.Cache, jobs.Options{
			DefaultTier:   cfg.Transcription.DefaultTier,
			OutputDir:     cfg.Paths.OutputDir,
			CreepInterval: time.Millisecond,
		}, logger)
		return svc, nil
	}
	if err := app.apply(store.cfg); err != nil {
		t.Fatalf("apply settings: %v", err)
	}
	app.Startup(context.Background())
	return app, rec, store
}

func succeed(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	req.OnStage(transcribe.StagePreparing)
	req.OnStage(transcribe.StageLoading)
	req.OnLog(transcribe.LogEntry{Stage: transcribe.StageLoading, Message: "extract audio", Command: &media.CommandLog{Command: "ffmpeg"}})
	req.OnStage(transcribe.StageTranscribing)
	return transcribe.Result{Transcript: "hello world", TextPath: filepath.Join(req.OutputDir, "clip.txt")}, nil
}

func blockUntilCancelled(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	req.OnStage(transcribe.StagePreparing)
	<-ctx.Done()
	return transcribe.Result{}, ctx.Err()
}

// TestStartTranscriptionEnforcesSingleRunningJob checks single-job guard.
func TestStartTranscriptionEnforcesSingleRunningJob(t *testing.T) {
	app, _, store := newTestApp(t, blockUntilCancelled)

	if _, err := app.StartTranscription("/tmp/input.mp4", ""); err != nil {
		t.Fatalf("start first job: %v", err)
	}
	if _, err := app.StartTranscription("/tmp/input-2.mp4", ""); !errors.Is(err, jobs.ErrJobAlreadyRunning) {
		t.Fatalf("second start error = %v, want %v", err, jobs.ErrJobAlreadyRunning)
	}
	if _, err := app.SaveSettings(store.cfg); !errors.Is(err, jobs.ErrJobAlreadyRunning) {
		t.Fatalf("save during job error = %v, want %v", err, jobs.ErrJobAlreadyRunning)
	}

	if err := app.CancelTranscription(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, app, domain.JobStatusCancelled)
	if err := app.CancelTranscription(); !errors.Is(err, jobs.ErrNoRunningJob) {
		t.Fatalf("second cancel error = %v, want %v", err, jobs.ErrNoRunningJob)
	}
}

// TestStartTranscriptionPushesEventsAndNotifies checks event flow to the window.
func TestStartTranscriptionPushesEventsAndNotifies(t *testing.T) {
	app, rec, _ := newTestApp(t, succeed)

	job, err := app.StartTranscription(" /tmp/clip.mp4 ", "")
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.Tier != "base" || job.SourcePath != "/tmp/clip.mp4" {
		t.Fatalf("job = %+v", job)
	}
	waitForStatus(t, app, domain.JobStatusDone)

	events := app.JobEvents(0)
	assertEventTypeExists(t, events, jobs.EventTypeStatus)
	assertEventTypeExists(t, events, jobs.EventTypeLog)
	assertEventTypeExists(t, events, jobs.EventTypeResult)

	rec.mu.Lock()
	pushed := len(rec.events)
	names := append([]string(nil), rec.emitted...)
	rec.mu.Unlock()
	if pushed != len(events) {
		t.Fatalf("pushed %d events, bus holds %d", pushed, len(events))
	}
	for _, name := range names {
		if name != EventJob {
			t.Fatalf("unexpected event name %q", name)
		}
	}

	waitFor(t, func() bool { return len(rec.notifications()) == 1 })
	if got := rec.notifications()[0]; !strings.HasPrefix(got, "Transcription complete") {
		t.Fatalf("notification = %q", got)
	}
}

// TestStartTranscriptionPublishesFailureEvents checks error path emissions.
func TestStartTranscriptionPublishesFailureEvents(t *testing.T) {
	app, rec, _ := newTestApp(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		return transcribe.Result{}, &transcribe.PipelineError{
			Stage:   transcribe.StageLoading,
			Message: "ffmpeg audio conversion failed",
			CommandLog: media.CommandLog{
				Command:  "ffmpeg",
				Args:     []string{"-i", "clip.mp4"},
				ExitCode: 1,
				Stderr:   "Invalid data found when processing input",
			},
			Err: failure.Wrap(failure.ErrBackendFailed, "loading", "ffmpeg", "audio conversion failed", errors.New("exit status 1")),
		}
	})

	if _, err := app.StartTranscription("/tmp/clip.mp4", ""); err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitForStatus(t, app, domain.JobStatusFailed)

	var errEvent jobs.Event
	for _, ev := range app.JobEvents(0) {
		if ev.Type == jobs.EventTypeError {
			errEvent = ev
		}
	}
	if errEvent.Command != "ffmpeg" || errEvent.ExitCode != 1 || errEvent.Category != failure.KindBackend {
		t.Fatalf("error event = %+v", errEvent)
	}

	waitFor(t, func() bool { return len(rec.notifications()) == 1 })
	if got := rec.notifications()[0]; !strings.HasPrefix(got, "Transcription failed") {
		t.Fatalf("notification = %q", got)
	}
}

func TestCopyResult(t *testing.T) {
	app, rec, _ := newTestApp(t, succeed)

	if err := app.CopyResult(); err == nil {
		t.Fatal("expected error before any job finished")
	}
	if _, err := app.StartTranscription("/tmp/clip.mp4", ""); err != nil {
		t.Fatalf("start job: %v", err)
	}
	waitForStatus(t, app, domain.JobStatusDone)

	if err := app.CopyResult(); err != nil {
		t.Fatalf("CopyResult() error = %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.copied) != 1 || rec.copied[0] != "hello world" {
		t.Fatalf("copied = %q", rec.copied)
	}
}

func TestSaveSettingsRebuildsRunner(t *testing.T) {
	app, rec, store := newTestApp(t, succeed)

	cfg, err := app.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	cfg.Transcription.DefaultTier = "small"
	saved, err := app.SaveSettings(cfg)
	if err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	if saved.Transcription.DefaultTier != "small" || store.saves != 1 {
		t.Fatalf("saved = %+v after %d saves", saved.Transcription, store.saves)
	}

	job, err := app.StartTranscription("/tmp/clip.mp4", "")
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.Tier != "small" {
		t.Fatalf("job tier = %q, want new default", job.Tier)
	}
	waitForStatus(t, app, domain.JobStatusDone)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		if ev.JobID != job.ID {
			t.Fatalf("event from an old runner leaked: %+v", ev)
		}
	}
}

func TestSaveSettingsBlocksStartUntilRunnerSwapped(t *testing.T) {
	app, rec, _ := newTestApp(t, blockUntilCancelled)

	build := app.buildSvcs
	var startErrs []error
	app.buildSvcs = func(cfg *config.Config, logger *slog.Logger, opts services.Options) (*services.Services, error) {
		_, err := app.StartTranscription("/tmp/clip.mp4", "")
		startErrs = append(startErrs, err)
		return build(cfg, logger, opts)
	}
	cfg, _ := app.GetSettings()
	if _, err := app.SaveSettings(cfg); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	if len(startErrs) == 0 {
		t.Fatal("settings were applied without building services")
	}
	for _, err := range startErrs {
		if !errors.Is(err, ErrSettingsBusy) {
			t.Fatalf("start during save error = %v, want %v", err, ErrSettingsBusy)
		}
	}
	if got := app.CurrentJob().Status; got != domain.JobStatusIdle {
		t.Fatalf("status after save = %s, want idle", got)
	}

	app.buildSvcs = build
	job, err := app.StartTranscription("/tmp/clip.mp4", "")
	if err != nil {
		t.Fatalf("start after save: %v", err)
	}
	if err := app.CancelTranscription(); err != nil {
		t.Fatalf("cancel after save: %v", err)
	}
	waitForStatus(t, app, domain.JobStatusCancelled)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	cancelled := false
	for _, ev := range rec.events {
		if ev.JobID == job.ID && ev.Status == domain.JobStatusCancelled {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatalf("cancellation of %s never reached the window: %+v", job.ID, rec.events)
	}
}

func TestApplyKeepsRunnerWhileJobRuns(t *testing.T) {
	app, _, store := newTestApp(t, blockUntilCancelled)
	_, before, _ := app.current()
	if _, err := app.StartTranscription("/tmp/clip.mp4", ""); err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := app.apply(store.cfg); !errors.Is(err, jobs.ErrJobAlreadyRunning) {
		t.Fatalf("apply during job error = %v, want %v", err, jobs.ErrJobAlreadyRunning)
	}
	if _, after, _ := app.current(); after != before {
		t.Fatal("runner was replaced under a running job")
	}
	if err := app.CancelTranscription(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, app, domain.JobStatusCancelled)
}

func TestSaveSettingsRejectsUnknownTier(t *testing.T) {
	app, _, store := newTestApp(t, succeed)
	cfg, _ := app.GetSettings()
	cfg.Transcription.DefaultTier = "enormous"

	if _, err := app.SaveSettings(cfg); !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("SaveSettings() error = %v, want validation error", err)
	}
	if store.saves != 0 {
		t.Fatal("rejected settings were saved")
	}
}

func TestGetModelTiersListsCatalog(t *testing.T) {
	app, _, _ := newTestApp(t, succeed)

	tiers := app.GetModelTiers()
	var recommended []string
	for _, tier := range tiers {
		if tier.Recommended {
			recommended = append(recommended, tier.ID)
		}
		if tier.Downloaded && len(tier.Assets) > 0 {
			t.Fatalf("tier %s reported as downloaded in an empty cache", tier.ID)
		}
	}
	if len(recommended) != 1 || recommended[0] != "medium" {
		t.Fatalf("recommended = %v", recommended)
	}
}

func TestFixDiagnosticCreatesOutputDir(t *testing.T) {
	app, _, store := newTestApp(t, succeed)
	if err := os.RemoveAll(store.cfg.Paths.OutputDir); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report, err := app.FixDiagnostic(diagnostics.ItemOutputDir)
	if err != nil {
		t.Fatalf("FixDiagnostic() error = %v", err)
	}
	if _, err := os.Stat(store.cfg.Paths.OutputDir); err != nil {
		t.Fatalf("output dir missing: %v", err)
	}
	if item, ok := report.Item(diagnostics.ItemOutputDir); !ok || item.Status != domain.DiagnosticStatusPass {
		t.Fatalf("item = %+v", item)
	}

	if _, err := app.FixDiagnostic("bogus"); err == nil {
		t.Fatal("expected error for unknown item")
	}
	if _, err := app.FixDiagnostic(diagnostics.ItemFFmpeg); err == nil || !strings.Contains(err.Error(), "ffmpeg") {
		t.Fatalf("tool fix error = %v, want install hint", err)
	}
}

func TestInstallHintFallsBackToLinux(t *testing.T) {
	hint := installHint(ffmpegInstallCommands, "freebsd")
	if !strings.Contains(hint, "apt-get") {
		t.Fatalf("hint = %q", hint)
	}
	if hint := installHint(ffmpegInstallCommands, "darwin"); hint != "brew install ffmpeg (brew)" {
		t.Fatalf("darwin hint = %q", hint)
	}
}

func TestOpenOutputFolderOpensParentOfFile(t *testing.T) {
	app, rec, _ := newTestApp(t, succeed)
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := app.OpenOutputFolder(file); err != nil {
		t.Fatalf("OpenOutputFolder() error = %v", err)
	}
	if err := app.OpenOutputFolder(filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatal("expected error for a missing path")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) != 1 || rec.opened[0] != dir {
		t.Fatalf("opened = %v, want %s", rec.opened, dir)
	}
}

func TestShutdownCancelsRunningJob(t *testing.T) {
	app, _, _ := newTestApp(t, blockUntilCancelled)
	if _, err := app.StartTranscription("/tmp/clip.mp4", ""); err != nil {
		t.Fatalf("start job: %v", err)
	}
	app.Shutdown(context.Background())
	if got := app.CurrentJob().Status; got != domain.JobStatusIdle {
		t.Fatalf("status = %s, want idle after reset", got)
	}
	cancelled := false
	for _, ev := range app.JobEvents(0) {
		if ev.Type == jobs.EventTypeStatus && ev.Status == domain.JobStatusCancelled {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatal("shutdown did not cancel the running job")
	}
}

// waitForStatus polls until job reaches desired status, then waits for the
// job goroutine so every event has been published.
func waitForStatus(t *testing.T, app *App, want domain.JobStatus) {
	t.Helper()
	waitFor(t, func() bool { return app.CurrentJob().Status == want })
	_, runner, _ := app.current()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Wait(ctx); err != nil {
		t.Fatalf("wait for job: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// assertEventTypeExists verifies at least one event of given type exists.
func assertEventTypeExists(t *testing.T, events []jobs.Event, want jobs.EventType) {
	t.Helper()
	for _, event := range events {
		if event.Type == want {
			return
		}
	}
	t.Fatalf("event type %s not found", want)
}
