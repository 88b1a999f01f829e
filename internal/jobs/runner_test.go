package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
	"dropscribe/internal/models"
	"dropscribe/internal/progress"
	"dropscribe/internal/transcribe"
)

// fakePipeline delegates to an injected run function.
type fakePipeline struct {
	run func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
}

func (f *fakePipeline) Run(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	return f.run(ctx, req)
}

type fakeCache struct {
	mu        sync.Mutex
	discarded []string
	err       error
}

func (f *fakeCache) Discard(tier domain.ModelTier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.discarded = append(f.discarded, tier.ID)
	return nil
}

// eventLog records events delivered to a subscriber.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newTestRunner(t *testing.T, run func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)) (*Runner, *eventLog, *fakeCache) {
	t.Helper()
	cache := &fakeCache{}
	tiers := models.NewCatalogWith([]domain.ModelTier{{
		ID:     "base",
		Engine: domain.EngineWhisperCPP,
		Assets: []domain.ModelAsset{{Role: domain.AssetRoleModel, File: "ggml-base.bin", Size: 10, Required: true}},
	}, {
		ID:     "cloud",
		Engine: domain.EngineOpenAI,
	}})
	r := NewRunner(&fakePipeline{run: run}, tiers, cache, Options{
		DefaultTier:   "base",
		CreepInterval: time.Millisecond,
	}, logging.NewNop())
	log := &eventLog{}
	r.Subscribe(log.sink)
	return r, log, cache
}

func waitJob(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

// stages walks the pipeline callbacks through a full successful run.
func stages(req transcribe.Request) {
	req.OnStage(transcribe.StagePreparing)
	req.OnStage(transcribe.StageDownloading)
	req.OnProgress(progress.Sample{Phase: progress.PhaseDownload, Measured: 5, Expected: 10})
	req.OnProgress(progress.Sample{Phase: progress.PhaseDownload, Measured: 10, Expected: 10})
	req.OnStage(transcribe.StageLoading)
	req.OnLog(transcribe.LogEntry{Stage: transcribe.StageLoading, Message: "extract audio", Command: &media.CommandLog{Command: "ffmpeg", Args: []string{"-i", "a.mp4"}}})
	req.OnStage(transcribe.StageTranscribing)
	req.OnSegment(backend.Segment{End: time.Second, Text: "hello"})
	req.OnProgress(progress.Sample{Phase: progress.PhaseInfer, Measured: 1, Expected: 2})
	req.OnSegment(backend.Segment{Start: time.Second, End: 2 * time.Second, Text: "world"})
	req.OnProgress(progress.Sample{Phase: progress.PhaseInfer, Measured: 2, Expected: 2})
}

func assertOrdered(t *testing.T, events []Event) {
	t.Helper()
	terminals := 0
	last := 0.0
	for i, ev := range events {
		if i > 0 && ev.Seq <= events[i-1].Seq {
			t.Fatalf("events out of order: %+v", events)
		}
		if terminals > 0 {
			t.Fatalf("event after terminal: %+v", ev)
		}
		if ev.IsTerminal() {
			terminals++
		}
		if ev.Type == EventTypeProgress {
			if ev.Progress <= last {
				t.Fatalf("progress went from %v to %v", last, ev.Progress)
			}
			last = ev.Progress
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
}

func TestRunnerSuccess(t *testing.T) {
	r, log, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		if req.Tier != "base" || req.InputPath != "/media/a.mp4" {
			t.Errorf("pipeline request = %+v", req)
		}
		stages(req)
		return transcribe.Result{Transcript: "hello\nworld", TextPath: "/out/a.txt"}, nil
	})

	job, err := r.Start("/media/a.mp4", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.Status != domain.JobStatusQueued || job.Tier != "base" || job.ID == "" {
		t.Fatalf("started job = %+v", job)
	}
	waitJob(t, r)

	events := log.snapshot()
	assertOrdered(t, events)

	var statuses []domain.JobStatus
	progressValues := map[float64]bool{}
	segments := 0
	for _, ev := range events {
		if ev.JobID != job.ID {
			t.Fatalf("event for wrong job: %+v", ev)
		}
		switch ev.Type {
		case EventTypeStatus:
			statuses = append(statuses, ev.Status)
		case EventTypeProgress:
			progressValues[ev.Progress] = true
		case EventTypeSegment:
			segments++
		}
	}
	wantStatuses := []domain.JobStatus{
		domain.JobStatusQueued, domain.JobStatusPreparing, domain.JobStatusDownloading,
		domain.JobStatusLoading, domain.JobStatusTranscribing, domain.JobStatusDone,
	}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", statuses, wantStatuses)
	}
	for i := range wantStatuses {
		if statuses[i] != wantStatuses[i] {
			t.Fatalf("statuses = %v, want %v", statuses, wantStatuses)
		}
	}
	for _, want := range []float64{39, 40, 50, 98, 100} {
		if !progressValues[want] {
			t.Fatalf("progress %v missing from %v", want, progressValues)
		}
	}
	if segments != 2 {
		t.Fatalf("segments = %d, want 2", segments)
	}

	last := events[len(events)-1]
	if last.Type != EventTypeResult || last.Text != "hello\nworld" || last.TextPath != "/out/a.txt" {
		t.Fatalf("last event = %+v", last)
	}
	if prev := events[len(events)-3]; prev.Type != EventTypeProgress || prev.Progress != 100 {
		t.Fatalf("progress 100 should precede the result: %+v", prev)
	}

	current := r.Current()
	if current.Status != domain.JobStatusDone || current.ResultText != "hello\nworld" || current.Progress != 100 {
		t.Fatalf("current = %+v", current)
	}

	var v View
	for _, ev := range r.Events(0) {
		v.Apply(ev)
	}
	if v.LiveText != "hello\nworld" || v.Result != "hello\nworld" || !v.Terminal() {
		t.Fatalf("view = %+v", v)
	}
}

func TestRunnerCrashDiscardsCache(t *testing.T) {
	r, log, cache := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		req.OnStage(transcribe.StageLoading)
		return transcribe.Result{}, failure.ProcessError("whisper-cli", failure.ClassifyExit(-1073741819, 0), "")
	})
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitJob(t, r)

	events := log.snapshot()
	assertOrdered(t, events)
	last := events[len(events)-1]
	if last.Type != EventTypeError || last.Category != failure.KindCrash {
		t.Fatalf("last event = %+v", last)
	}
	if !strings.Contains(last.Message, "access violation") || !strings.Contains(last.Message, "cached model was removed") {
		t.Fatalf("message = %q", last.Message)
	}
	if len(cache.discarded) != 1 || cache.discarded[0] != "base" {
		t.Fatalf("discarded = %v", cache.discarded)
	}
	if got := r.Current(); got.Status != domain.JobStatusFailed || got.Error != last.Message {
		t.Fatalf("current = %+v", got)
	}
}

func TestRunnerCrashMessageFollowsDiscard(t *testing.T) {
	crash := func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		return transcribe.Result{}, failure.ProcessError("whisper-cli", failure.ClassifyExit(-1073741819, 0), "")
	}
	tests := []struct {
		name     string
		tier     string
		cacheErr error
	}{
		{name: "tier without assets", tier: "cloud"},
		{name: "discard fails", tier: "base", cacheErr: errors.New("permission denied")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, log, cache := newTestRunner(t, crash)
			cache.err = tt.cacheErr
			if _, err := r.Start("/media/a.mp4", tt.tier); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			waitJob(t, r)

			events := log.snapshot()
			last := events[len(events)-1]
			if last.Type != EventTypeError || last.Category != failure.KindCrash {
				t.Fatalf("last event = %+v", last)
			}
			if !strings.Contains(last.Message, "crashed") || strings.Contains(last.Message, "removed") {
				t.Fatalf("message = %q", last.Message)
			}
			if len(cache.discarded) != 0 {
				t.Fatalf("discarded = %v", cache.discarded)
			}
		})
	}
}

func TestRunnerFailureCarriesCommand(t *testing.T) {
	r, log, cache := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		req.OnStage(transcribe.StageLoading)
		req.OnProgress(progress.Sample{Phase: progress.PhaseDownload, Measured: 1, Expected: 1})
		return transcribe.Result{}, &transcribe.PipelineError{
			Stage:      transcribe.StageLoading,
			Message:    "ffmpeg audio conversion failed",
			CommandLog: media.CommandLog{Command: "ffmpeg", ExitCode: 1, Stderr: "moov atom not found"},
			Err:        failure.Wrap(failure.ErrBackendFailed, "loading", "ffmpeg", "audio conversion failed", nil),
		}
	})
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitJob(t, r)

	events := log.snapshot()
	assertOrdered(t, events)
	last := events[len(events)-1]
	if last.Category != failure.KindBackend || last.Command != "ffmpeg" || last.ExitCode != 1 || last.Stderr != "moov atom not found" {
		t.Fatalf("error event = %+v", last)
	}
	if !strings.HasPrefix(last.Message, "Transcription failed: ") {
		t.Fatalf("message = %q", last.Message)
	}
	if len(cache.discarded) != 0 {
		t.Fatal("cache discarded for a non-crash failure")
	}
}

func TestRunnerCancel(t *testing.T) {
	late := make(chan struct{})
	r, log, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		req.OnStage(transcribe.StageLoading)
		req.OnStage(transcribe.StageTranscribing)
		<-ctx.Done()
		// A winding-down engine may still report.
		req.OnSegment(backend.Segment{Text: "late"})
		req.OnProgress(progress.Sample{Phase: progress.PhaseInfer, Measured: 9, Expected: 10})
		close(late)
		return transcribe.Result{}, ctx.Err()
	})
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForStatus(t, r, domain.JobStatusTranscribing)

	if err := r.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := r.Current().Status; got != domain.JobStatusCancelled {
		t.Fatalf("status after Cancel = %s", got)
	}
	afterCancel := len(log.snapshot())
	<-late
	waitJob(t, r)

	events := log.snapshot()
	if len(events) != afterCancel {
		t.Fatalf("events published after cancel: %+v", events[afterCancel:])
	}
	assertOrdered(t, events)
	if last := events[len(events)-1]; last.Status != domain.JobStatusCancelled {
		t.Fatalf("last event = %+v", last)
	}
	if err := r.Cancel(); !errors.Is(err, ErrNoRunningJob) {
		t.Fatalf("second Cancel() error = %v", err)
	}
}

func TestRunnerBusyAndReset(t *testing.T) {
	r, _, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		<-ctx.Done()
		return transcribe.Result{}, ctx.Err()
	})
	if r.Busy() {
		t.Fatal("new runner reports busy")
	}
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !r.Busy() {
		t.Fatal("runner not busy after Start")
	}
	if err := r.Reset(); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("Reset() of running job error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if r.Busy() {
		t.Fatal("runner busy after Shutdown")
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := r.Current(); got.Status != domain.JobStatusIdle || got.ID != "" {
		t.Fatalf("current after reset = %+v", got)
	}
	if len(r.Events(0)) == 0 {
		t.Fatal("reset dropped the event history")
	}
}

func TestRunnerRejectsSecondStart(t *testing.T) {
	release := make(chan struct{})
	r, _, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		<-release
		return transcribe.Result{}, failure.Wrap(failure.ErrValidation, "preparing", "input", "missing", nil)
	})
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := r.Start("/media/b.mp4", "base"); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("second Start() error = %v", err)
	}
	close(release)
	waitJob(t, r)
	if got := r.Current(); got.Status != domain.JobStatusFailed || !strings.HasPrefix(got.Error, "Invalid input: ") {
		t.Fatalf("current = %+v", got)
	}
	if _, err := r.Start("/media/b.mp4", "base"); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	waitJob(t, r)
}

// TestRunnerCreepStaysBelowTerminal checks that a phase without measured
// progress creeps but never reaches its terminal value.
func TestRunnerCreepStaysBelowTerminal(t *testing.T) {
	release := make(chan struct{})
	r, log, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		req.OnStage(transcribe.StagePreparing)
		req.OnStage(transcribe.StageLoading)
		<-release
		req.OnStage(transcribe.StageTranscribing)
		return transcribe.Result{Transcript: "ok"}, nil
	})
	if _, err := r.Start("/media/a.mp4", "base"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Current().Progress < 45 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := r.Current().Progress; got < 45 || got > 48 {
		t.Fatalf("creeping progress = %v, want within [45, 48]", got)
	}
	close(release)
	waitJob(t, r)

	for _, ev := range log.snapshot() {
		if ev.Type == EventTypeProgress && ev.Progress == 49 {
			t.Fatal("load terminal shown before the phase completed")
		}
	}
	if got := r.Current().Progress; got != 100 {
		t.Fatalf("final progress = %v", got)
	}
}

// TestRunnerStaleJobCannotTouchSuccessor starts a new job while the
// cancelled one is still unwinding.
func TestRunnerStaleJobCannotTouchSuccessor(t *testing.T) {
	var calls int
	var mu sync.Mutex
	oldCancelled := make(chan struct{})
	releaseOld := make(chan struct{})
	oldDone := make(chan struct{})
	r, log, _ := newTestRunner(t, func(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			defer close(oldDone)
			req.OnStage(transcribe.StagePreparing)
			<-ctx.Done()
			close(oldCancelled)
			<-releaseOld
			req.OnStage(transcribe.StageLoading)
			return transcribe.Result{Transcript: "stale"}, nil
		}
		req.OnStage(transcribe.StagePreparing)
		return transcribe.Result{}, failure.Wrap(failure.ErrConfiguration, "preparing", "whisper-cli", "not found", nil)
	})

	old, err := r.Start("/media/old.mp4", "base")
	if err != nil {
		t.Fatalf("Start(old) error = %v", err)
	}
	waitForStatus(t, r, domain.JobStatusPreparing)
	if err := r.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	<-oldCancelled

	next, err := r.Start("/media/new.mp4", "base")
	if err != nil {
		t.Fatalf("Start(new) error = %v", err)
	}
	waitJob(t, r)
	close(releaseOld)
	<-oldDone
	time.Sleep(20 * time.Millisecond)

	if got := r.Current(); got.ID != next.ID || got.Status != domain.JobStatusFailed {
		t.Fatalf("current = %+v", got)
	}
	for _, ev := range log.snapshot() {
		if ev.JobID == old.ID && (ev.Type == EventTypeResult || ev.Status == domain.JobStatusLoading) {
			t.Fatalf("stale job published %+v", ev)
		}
	}
}

func waitForStatus(t *testing.T, r *Runner, status domain.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Current().Status == status {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status %s not reached, current %+v", status, r.Current())
}
