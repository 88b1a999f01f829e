// Package whispercpp runs the whisper.cpp command line program as an
// external process and turns its console output into segments and progress.
package whispercpp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
)

const (
	// Name identifies the engine in logs and the worker protocol.
	Name = "whisper.cpp"

	transcriptBase = "transcript"
	stderrTailSize = 12
)

// Config holds what the process needs besides the per-job request.
type Config struct {
	// BinaryPath is the resolved whisper-cli executable.
	BinaryPath string
	// Env is appended to the inherited environment of the child only.
	Env map[string]string
	// CancelGrace is how long the process may run after SIGTERM.
	CancelGrace time.Duration
}

// Backend runs whisper-cli.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	stat   func(string) (os.FileInfo, error)
}

// New builds the backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = time.Millisecond
	}
	return &Backend{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "whisper.cpp"),
		stat:   os.Stat,
	}
}

func (b *Backend) Name() string        { return Name }
func (b *Backend) Input() media.Format { return media.FormatWAV16kMono }

// Check verifies the binary exists.
func (b *Backend) Check() error {
	path := strings.TrimSpace(b.cfg.BinaryPath)
	if path == "" {
		return failure.Wrap(failure.ErrConfiguration, "preparing", "whisper-cli", "executable not configured or found on PATH; set tools.whisper_cli", nil)
	}
	info, err := b.stat(path)
	if err != nil || info.IsDir() {
		return failure.Wrap(failure.ErrConfiguration, "preparing", "whisper-cli", "executable not found at "+path, err)
	}
	return nil
}

// Transcribe runs one whisper-cli process over req.MediaPath.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Transcript, error) {
	if strings.TrimSpace(req.ModelPath) == "" {
		return backend.Transcript{}, failure.Wrap(failure.ErrConfiguration, "loading", "whisper-cli", "model path is required", nil)
	}
	lang, err := backend.NormalizeLanguage(req.Language)
	if err != nil {
		return backend.Transcript{}, err
	}

	outBase := filepath.Join(req.WorkDir, transcriptBase)
	args := buildArgs(req, lang, outBase)

	cmd := exec.CommandContext(ctx, b.cfg.BinaryPath, args...)
	cmd.Env = backend.MergeEnv(os.Environ(), b.cfg.Env)
	cmd.Dir = req.WorkDir
	backend.ConfigureProcess(cmd)
	cmd.WaitDelay = b.cfg.CancelGrace

	// exec copies the child's output into these pipes and Wait returns once
	// the copy ends or WaitDelay expires, so a stuck child cannot block us.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	b.logger.Info("starting whisper-cli",
		logging.String("binary", b.cfg.BinaryPath),
		logging.String("model", filepath.Base(req.ModelPath)),
		logging.Bool("vad", req.VADModelPath != ""),
	)
	req.Log(formatCommand(b.cfg.BinaryPath, args))

	var (
		wg       sync.WaitGroup
		segments []backend.Segment
		detected string
		errTail  = backend.NewTail(stderrTailSize)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		segments = readSegments(stdoutR, req)
	}()
	go func() {
		defer wg.Done()
		detected = readDiagnostics(stderrR, req, errTail)
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
		return backend.Transcript{}, failure.Wrap(failure.ErrConfiguration, "loading", "whisper-cli", "cannot start "+b.cfg.BinaryPath, waitErr)
	}
	if waitErr != nil {
		if exit, ok := failure.ExitFromError(waitErr); ok {
			b.logger.Warn("whisper-cli failed",
				logging.Int("exit_code", exit.Code),
				logging.Bool("crashed", exit.Crashed),
				logging.String("stderr_tail", errTail.String()),
			)
			return backend.Transcript{}, failure.ProcessError("whisper-cli", exit, errTail.String())
		}
		return backend.Transcript{}, failure.Wrap(failure.ErrBackendFailed, "transcribing", "whisper-cli", errTail.String(), waitErr)
	}

	content, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return backend.Transcript{}, failure.Wrap(failure.ErrBackendFailed, "transcribing", "whisper-cli",
			"exited successfully but wrote no transcript: "+errTail.String(), err)
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		text = backend.JoinSegments(segments)
	}
	if lang == "" {
		lang = detected
	}
	return backend.Transcript{
		Segments: segments,
		Duration: req.Duration,
		Language: lang,
		Text:     text,
	}, nil
}

// readSegments parses stdout until EOF, forwarding segments and the
// progress they imply.
func readSegments(r io.Reader, req backend.Request) []backend.Segment {
	var segments []backend.Segment
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		seg, ok := parseSegment(scanner.Text())
		if !ok {
			continue
		}
		segments = append(segments, seg)
		req.Segment(seg)
		if req.Duration > 0 {
			req.Progress(seg.End.Seconds(), req.Duration.Seconds())
		}
	}
	return segments
}

// readDiagnostics parses stderr until EOF. It returns the auto-detected
// language, if any.
func readDiagnostics(r io.Reader, req backend.Request, errTail *backend.Tail) string {
	var detected string
	loaded := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		errTail.Add(line)
		switch {
		case !loaded && isLoadedLine(line):
			loaded = true
			req.Loaded()
		default:
			if pct, ok := parseProgress(line); ok {
				req.Progress(float64(pct), 100)
				continue
			}
			if lang, ok := parseLanguage(line); ok {
				detected = lang
			}
		}
		req.Log(line)
	}
	return detected
}

func buildArgs(req backend.Request, lang, outBase string) []string {
	threads := req.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	beam := req.BeamSize
	if beam <= 0 {
		beam = 5
	}
	if lang == "" {
		lang = "auto"
	}

	args := []string{
		"-m", req.ModelPath,
		"-f", req.MediaPath,
		"-of", outBase,
		"-otxt",
		"-pp",
		"-bs", strconv.Itoa(beam),
		"-t", strconv.Itoa(threads),
		"-l", lang,
	}
	if prompt := strings.TrimSpace(req.InitialPrompt); prompt != "" {
		args = append(args, "--prompt", prompt)
	}
	if req.VADModelPath != "" {
		args = append(args, "--vad", "--vad-model", req.VADModelPath)
	}
	return args
}

func formatCommand(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
