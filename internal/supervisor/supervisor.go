package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
)

const stderrTailSize = 12

// Config says how to start the worker.
type Config struct {
	// Executable defaults to the running binary.
	Executable string
	// Args selects the worker entry point, e.g. worker --engine whisper.cpp.
	Args []string
	// Env is added to the worker's environment only.
	Env map[string]string
	// CancelGrace is how long the worker may run after SIGTERM.
	CancelGrace time.Duration
}

// Backend runs inner's engine in a worker process. inner is only asked for
// its name, input format and configuration check; it never transcribes in
// this process.
type Backend struct {
	inner  backend.Backend
	cfg    Config
	logger *slog.Logger
}

// New wraps inner.
func New(inner backend.Backend, cfg Config, logger *slog.Logger) *Backend {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = time.Millisecond
	}
	return &Backend{
		inner:  inner,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "supervisor"),
	}
}

func (b *Backend) Name() string        { return b.inner.Name() }
func (b *Backend) Input() media.Format { return b.inner.Input() }

// Check validates the wrapped engine and that a worker can be started.
func (b *Backend) Check() error {
	if err := b.inner.Check(); err != nil {
		return err
	}
	if _, err := b.executable(); err != nil {
		return failure.Wrap(failure.ErrConfiguration, "preparing", "worker", "cannot locate worker executable", err)
	}
	return nil
}

func (b *Backend) executable() (string, error) {
	if exe := strings.TrimSpace(b.cfg.Executable); exe != "" {
		return exe, nil
	}
	return os.Executable()
}

// Transcribe runs one worker process for req.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Transcript, error) {
	exe, err := b.executable()
	if err != nil {
		return backend.Transcript{}, failure.Wrap(failure.ErrConfiguration, "loading", "worker", "cannot locate worker executable", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return backend.Transcript{}, failure.Wrap(failure.ErrValidation, "loading", "worker", "encode request", err)
	}

	cmd := exec.CommandContext(ctx, exe, b.cfg.Args...)
	cmd.Env = backend.MergeEnv(os.Environ(), b.cfg.Env)
	cmd.Stdin = bytes.NewReader(payload)
	backend.ConfigureProcess(cmd)
	cmd.WaitDelay = b.cfg.CancelGrace

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	b.logger.Info("starting worker",
		logging.String("engine", b.inner.Name()),
		logging.String("executable", exe),
	)

	var (
		wg      sync.WaitGroup
		outcome workerOutcome
		errTail = backend.NewTail(stderrTailSize)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outcome = readMessages(stdoutR, req)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			errTail.Add(scanner.Text())
			req.Log(scanner.Text())
		}
		_, _ = io.Copy(io.Discard, stderrR)
	}()

	var waitErr error
	if err := cmd.Start(); err != nil {
		waitErr = err
	} else {
		waitErr = cmd.Wait()
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return backend.Transcript{}, ctx.Err()
	}
	if cmd.Process == nil {
		return backend.Transcript{}, failure.Wrap(failure.ErrConfiguration, "loading", "worker", "cannot start "+exe, waitErr)
	}
	if outcome.result != nil && waitErr == nil {
		return *outcome.result, nil
	}
	if outcome.err != nil {
		return backend.Transcript{}, outcome.err
	}

	detail := "worker exited without a result"
	if exit, ok := failure.ExitFromError(waitErr); ok {
		detail = "worker ended with " + exit.String()
	}
	if tail := errTail.String(); tail != "" {
		detail += ": " + tail
	}
	b.logger.Warn("worker crashed", logging.String("detail", detail))
	return backend.Transcript{}, failure.Wrap(failure.ErrBackendCrash, "transcribing", b.inner.Name(), detail, waitErr)
}

type workerOutcome struct {
	result *backend.Transcript
	err    error
}

// readMessages dispatches worker messages to req's callbacks until EOF.
// Lines that are not protocol messages are forwarded as logs.
func readMessages(r io.Reader, req backend.Request) workerOutcome {
	var outcome workerOutcome
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			req.Log(string(line))
			continue
		}
		switch msg.Type {
		case MessageLoaded:
			req.Loaded()
		case MessageSegment:
			if msg.Segment != nil {
				req.Segment(*msg.Segment)
			}
		case MessageProgress:
			req.Progress(msg.Measured, msg.Expected)
		case MessageLog:
			req.Log(msg.Line)
		case MessageResult:
			outcome.result = msg.Transcript
		case MessageError:
			outcome.err = failure.FromKind(msg.Kind, msg.Error)
		}
	}
	_, _ = io.Copy(io.Discard, r)
	return outcome
}
