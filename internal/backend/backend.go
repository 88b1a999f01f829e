// Package backend defines the contract between the pipeline and the
// transcription engines.
//
// An engine receives an already extracted audio file and the local model
// files, and reports what it observes through the Request callbacks. Callbacks
// may be invoked from goroutines owned by the engine; callers that need a
// single writer must marshal them themselves.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"

	"dropscribe/internal/failure"
	"dropscribe/internal/media"
)

// Segment is one timed span of recognized text.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Transcript is an engine's complete output.
type Transcript struct {
	Segments []Segment     `json:"segments,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Language string        `json:"language,omitempty"`
	Text     string        `json:"text"`
}

// Request describes one transcription run.
type Request struct {
	MediaPath     string        `json:"mediaPath"`
	ModelPath     string        `json:"modelPath,omitempty"`
	VADModelPath  string        `json:"vadModelPath,omitempty"`
	Language      string        `json:"language,omitempty"`
	BeamSize      int           `json:"beamSize,omitempty"`
	InitialPrompt string        `json:"initialPrompt,omitempty"`
	Threads       int           `json:"threads,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	WorkDir       string        `json:"workDir"`

	// OnLoaded fires once the model is in memory and decoding starts.
	OnLoaded func() `json:"-"`
	// OnSegment receives segments in order.
	OnSegment func(Segment) `json:"-"`
	// OnProgress reports measured decoding progress as measured/expected.
	OnProgress func(measured, expected float64) `json:"-"`
	// OnLog receives diagnostic lines from the engine.
	OnLog func(line string) `json:"-"`
}

// Backend is a transcription engine.
type Backend interface {
	Name() string
	// Input is the audio format the engine consumes.
	Input() media.Format
	// Check reports configuration problems before any work starts.
	Check() error
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Loaded calls OnLoaded when set.
func (r Request) Loaded() {
	if r.OnLoaded != nil {
		r.OnLoaded()
	}
}

// Segment forwards seg to OnSegment when set.
func (r Request) Segment(seg Segment) {
	if r.OnSegment != nil {
		r.OnSegment(seg)
	}
}

// Progress forwards a measurement to OnProgress when set.
func (r Request) Progress(measured, expected float64) {
	if r.OnProgress != nil {
		r.OnProgress(measured, expected)
	}
}

// Log forwards a diagnostic line to OnLog when set.
func (r Request) Log(line string) {
	if r.OnLog != nil {
		r.OnLog(line)
	}
}

// JoinSegments builds transcript text with one segment per line.
func JoinSegments(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

// NormalizeLanguage turns a user language hint into the ISO 639 code engines
// accept. Empty and "auto" mean detection and return "".
func NormalizeLanguage(hint string) (string, error) {
	trimmed := strings.TrimSpace(hint)
	if trimmed == "" || strings.EqualFold(trimmed, "auto") {
		return "", nil
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: unsupported language %q", failure.ErrValidation, hint)
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return "", fmt.Errorf("%w: unsupported language %q", failure.ErrValidation, hint)
	}
	return base.String(), nil
}
