package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dropscribe/internal/backend"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/progress"
	"dropscribe/internal/transcribe"
)

const (
	defaultCreepInterval = 400 * time.Millisecond
	maxStderrInEvent     = 4096
)

// Pipeline runs one transcription.
type Pipeline interface {
	Run(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
}

// Discarder removes a tier's cached files after an engine crash.
type Discarder interface {
	Discard(tier domain.ModelTier) error
}

// Options configures a Runner.
type Options struct {
	DefaultTier   string
	OutputDir     string
	Isolate       bool
	CreepInterval time.Duration
	CreepRate     float64
	MaxEvents     int
}

// Request names the media and tier for one job. Empty Language and
// InitialPrompt fall back to the pipeline's configured defaults.
type Request struct {
	SourcePath    string
	Tier          string
	Language      string
	InitialPrompt string
}

// Runner executes one transcription job at a time in the background and
// publishes its events.
type Runner struct {
	manager  *Manager
	bus      *EventBus
	pipeline Pipeline
	tiers    transcribe.Tiers
	cache    Discarder
	opts     Options
	logger   *slog.Logger
	newID    func() string

	mu     sync.Mutex
	active *activeJob
}

type activeJob struct {
	id     string
	tier   string
	cancel context.CancelFunc
	done   chan struct{}
	em     *emitter
	logger *slog.Logger
}

// NewRunner wires a runner. cache may be nil when no engine uses local files.
func NewRunner(pipeline Pipeline, tiers transcribe.Tiers, cache Discarder, opts Options, logger *slog.Logger) *Runner {
	if opts.CreepInterval <= 0 {
		opts.CreepInterval = defaultCreepInterval
	}
	if opts.CreepRate <= 0 || opts.CreepRate >= 1 {
		opts.CreepRate = progress.DefaultCreepRate
	}
	return &Runner{
		manager:  NewManager(),
		bus:      NewEventBus(opts.MaxEvents),
		pipeline: pipeline,
		tiers:    tiers,
		cache:    cache,
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "runner"),
		newID:    uuid.NewString,
	}
}

// Start launches a job for sourcePath with the given tier; an empty tier
// uses the configured default.
func (r *Runner) Start(sourcePath, tierID string) (domain.Job, error) {
	return r.StartRequest(Request{SourcePath: sourcePath, Tier: tierID})
}

// StartRequest launches a job with per-job overrides.
func (r *Runner) StartRequest(req Request) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(req.Tier) == "" {
		req.Tier = r.opts.DefaultTier
	}
	id := r.newID()
	job, err := r.manager.Start(domain.Job{
		ID:         id,
		SourcePath: req.SourcePath,
		Tier:       req.Tier,
	})
	if err != nil {
		return job, err
	}

	ctx, cancel := context.WithCancel(logging.WithJobID(context.Background(), id))
	a := &activeJob{
		id:     id,
		tier:   req.Tier,
		cancel: cancel,
		done:   make(chan struct{}),
		em:     newEmitter(r.bus, id),
		logger: logging.WithContext(ctx, r.logger).With(logging.String(logging.FieldTier, req.Tier)),
	}
	r.active = a
	a.em.emit(func() []Event {
		return []Event{{Type: EventTypeStatus, Status: domain.JobStatusQueued, Message: "Queued " + req.SourcePath}}
	})
	a.logger.Info("job started", logging.String("source", req.SourcePath))

	go r.run(ctx, a, req)
	return job, nil
}

// Cancel acknowledges cancellation of the running job and stops it. No
// further events for the job are published once Cancel returns.
func (r *Runner) Cancel() error {
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a == nil {
		return ErrNoRunningJob
	}

	acknowledged := a.em.terminate(func() ([]Event, bool) {
		if err := r.manager.Cancel(a.id); err != nil {
			return nil, false
		}
		return []Event{{Type: EventTypeStatus, Status: domain.JobStatusCancelled, Message: "Job cancelled"}}, true
	})
	if !acknowledged {
		return ErrNoRunningJob
	}
	a.cancel()
	a.logger.Info("job cancelled")
	return nil
}

// Wait blocks until the current job's goroutine has exited.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels any running job and waits for it to stop.
func (r *Runner) Shutdown(ctx context.Context) error {
	if err := r.Cancel(); err != nil && !errors.Is(err, ErrNoRunningJob) {
		return err
	}
	return r.Wait(ctx)
}

// Current returns a snapshot of the current job.
func (r *Runner) Current() domain.Job {
	return r.manager.Current()
}

// Busy reports whether a job is in an active stage.
func (r *Runner) Busy() bool {
	return r.manager.IsRunning()
}

// Reset returns a finished job to idle. The event history is kept.
func (r *Runner) Reset() error {
	return r.manager.Reset()
}

// Events returns buffered events after seq.
func (r *Runner) Events(since int64) []Event {
	return r.bus.Since(since)
}

// Subscribe registers sink for future events.
func (r *Runner) Subscribe(sink Sink) func() {
	return r.bus.Subscribe(sink)
}

// update is one pipeline callback marshalled into the event loop.
type update struct {
	stage   transcribe.Stage
	sample  *progress.Sample
	segment *backend.Segment
	entry   *transcribe.LogEntry
}

type outcome struct {
	result transcribe.Result
	err    error
}

// run owns the job: it starts the pipeline and is the only writer of
// progress until the pipeline returns.
func (r *Runner) run(ctx context.Context, a *activeJob, req Request) {
	defer close(a.done)
	defer a.cancel()

	updates := make(chan update, 64)
	stopped := make(chan struct{})
	send := func(u update) {
		select {
		case updates <- u:
		case <-stopped:
		}
	}

	results := make(chan outcome, 1)
	go func() {
		res, err := r.pipeline.Run(ctx, transcribe.Request{
			InputPath:     req.SourcePath,
			Tier:          req.Tier,
			Language:      req.Language,
			InitialPrompt: req.InitialPrompt,
			OutputDir:     r.opts.OutputDir,
			Isolate:       r.opts.Isolate,
			OnStage:       func(s transcribe.Stage) { send(update{stage: s}) },
			OnProgress:    func(s progress.Sample) { send(update{sample: &s}) },
			OnSegment:     func(seg backend.Segment) { send(update{segment: &seg}) },
			OnLog:         func(e transcribe.LogEntry) { send(update{entry: &e}) },
		})
		results <- outcome{result: res, err: err}
	}()

	loop := &jobLoop{
		runner:  r,
		job:     a,
		tracker: progress.NewTracker(r.opts.CreepRate),
		sampler: logging.NewProgressSampler(10),
	}
	ticker := time.NewTicker(r.opts.CreepInterval)
	defer ticker.Stop()

	for {
		select {
		case u := <-updates:
			loop.apply(u)
		case <-ticker.C:
			v, _ := loop.tracker.Creep()
			loop.publishProgress(v)
		case out := <-results:
			close(stopped)
			for drained := false; !drained; {
				select {
				case u := <-updates:
					loop.apply(u)
				default:
					drained = true
				}
			}
			loop.finish(out)
			return
		}
	}
}

// jobLoop is the event loop state for one job.
type jobLoop struct {
	runner    *Runner
	job       *activeJob
	tracker   *progress.Tracker
	sampler   *logging.ProgressSampler
	stage     transcribe.Stage
	published int
}

func (l *jobLoop) apply(u update) {
	switch {
	case u.stage != "":
		l.enterStage(u.stage)
	case u.sample != nil:
		v, _ := l.tracker.Observe(*u.sample)
		l.publishProgress(v)
	case u.segment != nil:
		seg := *u.segment
		l.job.em.emit(func() []Event {
			return []Event{{Type: EventTypeSegment, Segment: &seg, Text: seg.Text}}
		})
	case u.entry != nil:
		l.log(*u.entry)
	}
}

func (l *jobLoop) enterStage(stage transcribe.Stage) {
	m := l.runner.manager
	ok := l.job.em.emit(func() []Event {
		if err := m.Transition(l.job.id, stage.Status()); err != nil {
			l.job.logger.Warn("stage transition rejected", logging.String(logging.FieldStage, string(stage)), logging.Error(err))
			return nil
		}
		return []Event{{Type: EventTypeStatus, Status: stage.Status(), Message: stageMessage(stage)}}
	})
	if !ok {
		return
	}
	l.stage = stage
	l.job.logger.Info("stage", logging.String(logging.FieldStage, string(stage)))

	switch stage {
	case transcribe.StageDownloading:
		l.tracker.Enter(progress.PhaseDownload)
	case transcribe.StageLoading:
		if l.tracker.Phase() == progress.PhaseDownload {
			l.tracker.Complete()
		}
		l.tracker.Enter(progress.PhaseLoad)
	case transcribe.StageTranscribing:
		l.tracker.Complete()
		l.tracker.Enter(progress.PhaseInfer)
	}
	l.publishProgress(l.tracker.Value())
}

func (l *jobLoop) publishProgress(v int) {
	if v <= l.published {
		return
	}
	l.published = v
	m := l.runner.manager
	l.job.em.emit(func() []Event {
		if err := m.Update(l.job.id, func(j *domain.Job) { j.Progress = float64(v) }); err != nil {
			return nil
		}
		return []Event{{Type: EventTypeProgress, Progress: float64(v)}}
	})
	if l.sampler.ShouldLog(float64(v), string(l.stage)) {
		l.job.logger.Info("progress", logging.Int("percent", v), logging.String(logging.FieldStage, string(l.stage)))
	}
}

func (l *jobLoop) log(entry transcribe.LogEntry) {
	if entry.Command == nil {
		l.job.logger.Debug("engine output", logging.String("line", entry.Message))
		return
	}
	cmd := *entry.Command
	l.job.logger.Debug("command finished",
		logging.String("command", cmd.Command),
		logging.Int("exit_code", cmd.ExitCode),
	)
	l.job.em.emit(func() []Event {
		return []Event{{
			Type:     EventTypeLog,
			Message:  entry.Message,
			Command:  cmd.Command,
			Args:     cmd.Args,
			ExitCode: cmd.ExitCode,
			Stderr:   clipTail(cmd.Stderr, maxStderrInEvent),
		}}
	})
}

func (l *jobLoop) finish(out outcome) {
	m := l.runner.manager
	id := l.job.id

	if out.err == nil {
		res := out.result
		l.tracker.Finish()
		l.job.em.terminate(func() ([]Event, bool) {
			if err := m.Transition(id, domain.JobStatusDone); err != nil {
				l.job.logger.Warn("completion rejected", logging.Error(err))
				return nil, false
			}
			_ = m.Update(id, func(j *domain.Job) {
				j.Progress = progress.Finished
				j.ResultText = res.Transcript
				j.TextPath = res.TextPath
				j.Degraded = res.Degraded
			})
			return []Event{
				{Type: EventTypeProgress, Progress: progress.Finished},
				{Type: EventTypeStatus, Status: domain.JobStatusDone, Message: "Transcription complete"},
				{Type: EventTypeResult, Text: res.Transcript, TextPath: res.TextPath, Degraded: res.Degraded},
			}, true
		})
		l.job.logger.Info("job finished",
			logging.String("text_path", res.TextPath),
			logging.Int("segments", len(res.Segments)),
			logging.Bool("degraded", res.Degraded),
		)
		return
	}

	if errors.Is(out.err, context.Canceled) {
		l.job.em.terminate(func() ([]Event, bool) {
			if err := m.Cancel(id); err != nil {
				return nil, false
			}
			return []Event{{Type: EventTypeStatus, Status: domain.JobStatusCancelled, Message: "Job cancelled"}}, true
		})
		return
	}

	message := failure.Describe(out.err)
	if errors.Is(out.err, failure.ErrBackendCrash) && !l.job.em.isClosed() && l.runner.discardTier(l.job) {
		message += " " + cacheDiscardedNote
	}
	errEvent := Event{Type: EventTypeError, Message: message, Category: failure.KindOf(out.err)}
	var pErr *transcribe.PipelineError
	if errors.As(out.err, &pErr) {
		errEvent.Command = pErr.CommandLog.Command
		errEvent.Args = pErr.CommandLog.Args
		errEvent.ExitCode = pErr.CommandLog.ExitCode
		errEvent.Stderr = clipTail(pErr.CommandLog.Stderr, maxStderrInEvent)
	}
	l.job.em.terminate(func() ([]Event, bool) {
		if err := m.Transition(id, domain.JobStatusFailed); err != nil {
			return nil, false
		}
		_ = m.Update(id, func(j *domain.Job) { j.Error = message })
		return []Event{
			{Type: EventTypeStatus, Status: domain.JobStatusFailed, Message: message},
			errEvent,
		}, true
	})
	l.job.logger.Error("job failed",
		logging.String("category", string(errEvent.Category)),
		logging.Error(out.err),
	)
}

const cacheDiscardedNote = "The cached model was removed; the next run downloads it again."

// discardTier removes the cache of a tier whose engine crashed, since a
// corrupt model file is the usual cause. It reports whether files were
// removed.
func (r *Runner) discardTier(a *activeJob) bool {
	if r.cache == nil || r.tiers == nil {
		return false
	}
	tier, err := r.tiers.Lookup(a.tier)
	if err != nil || len(tier.Assets) == 0 {
		return false
	}
	if err := r.cache.Discard(tier); err != nil {
		a.logger.Warn("discard cached model failed", logging.Error(err))
		return false
	}
	a.logger.Warn("discarded cached model after engine crash")
	return true
}

func stageMessage(stage transcribe.Stage) string {
	switch stage {
	case transcribe.StagePreparing:
		return "Preparing"
	case transcribe.StageDownloading:
		return "Downloading model"
	case transcribe.StageLoading:
		return "Loading model"
	case transcribe.StageTranscribing:
		return "Transcribing"
	default:
		return string(stage)
	}
}

func clipTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
