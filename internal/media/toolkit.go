// Package media wraps ffmpeg and ffprobe: duration probing and audio
// extraction in the format each transcription engine expects.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dropscribe/internal/failure"
)

// Format is an audio container/codec the engines accept.
type Format string

const (
	// FormatWAV16kMono is 16 kHz mono PCM, the input whisper.cpp requires.
	FormatWAV16kMono Format = "wav"
	// FormatOpus is a compact mono Ogg/Opus stream for uploads.
	FormatOpus Format = "opus"
)

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatOpus:
		return ".ogg"
	default:
		return ".wav"
	}
}

// Toolkit runs ffmpeg and ffprobe.
type Toolkit struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	stat        func(name string) (os.FileInfo, error)
}

// NewToolkit constructs a toolkit around resolved tool paths. waitDelay
// bounds how long a cancelled tool may keep its output pipes open.
func NewToolkit(ffmpegPath, ffprobePath string, waitDelay time.Duration) *Toolkit {
	return &Toolkit{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      &execRunner{waitDelay: waitDelay},
		stat:        os.Stat,
	}
}

// NewToolkitForTests constructs a toolkit with an injectable command runner.
func NewToolkitForTests(ffmpegPath, ffprobePath string, runner commandRunner) *Toolkit {
	return &Toolkit{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
		stat:        os.Stat,
	}
}

// Probe returns the container duration reported by ffprobe.
func (t *Toolkit) Probe(ctx context.Context, path string) (time.Duration, CommandLog, error) {
	args := buildProbeArgs(path)
	result, runErr := t.runner.Run(ctx, t.ffprobePath, args...)
	log := commandLog(t.ffprobePath, args, result)
	if runErr != nil {
		return 0, log, fmt.Errorf("ffprobe %s: %w", path, runErr)
	}
	duration, err := parseDuration(result.Stdout)
	if err != nil {
		return 0, log, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return duration, log, nil
}

// Extract converts the audio track of in to out in the requested format.
func (t *Toolkit) Extract(ctx context.Context, in, out string, format Format) (CommandLog, error) {
	args := buildExtractArgs(in, out, format)
	result, runErr := t.runner.Run(ctx, t.ffmpegPath, args...)
	log := commandLog(t.ffmpegPath, args, result)
	if runErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return log, ctx.Err()
		}
		return log, failure.Wrap(failure.ErrBackendFailed, "loading", "ffmpeg", "audio conversion failed: "+lastLine(result.Stderr), runErr)
	}
	if _, err := t.stat(out); err != nil {
		return log, failure.Wrap(failure.ErrBackendFailed, "loading", "ffmpeg", "completed but output file is missing", err)
	}
	return log, nil
}

func commandLog(command string, args []string, result commandResult) CommandLog {
	return CommandLog{
		Command:  command,
		Args:     args,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}
}

// buildProbeArgs asks ffprobe for the bare container duration in seconds.
func buildProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// buildExtractArgs builds conversion args for the target format.
func buildExtractArgs(in, out string, format Format) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
	}
	switch format {
	case FormatOpus:
		args = append(args, "-ar", "16000", "-c:a", "libopus", "-b:a", "32k")
	default:
		args = append(args, "-ar", "16000", "-c:a", "pcm_s16le")
	}
	return append(args, out)
}

func parseDuration(raw string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "N/A" {
		return 0, errors.New("duration unavailable")
	}
	if i := strings.IndexByte(value, '\n'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative duration %v", seconds)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no output"
}
