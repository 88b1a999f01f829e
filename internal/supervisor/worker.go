package supervisor

import (
	"context"
	"encoding/json"
	"io"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
)

// Serve reads one request from r, runs it on engine and streams messages to
// w. It always tries to finish with exactly one result or error message and
// returns the engine's error.
func Serve(ctx context.Context, r io.Reader, w io.Writer, engine backend.Backend) error {
	out := newMessageWriter(w)

	var req backend.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		err = failure.Wrap(failure.ErrValidation, "worker", "decode request", "", err)
		_ = out.send(errorMessage(err))
		return err
	}
	if err := engine.Check(); err != nil {
		_ = out.send(errorMessage(err))
		return err
	}

	req.OnLoaded = func() {
		_ = out.send(Message{Type: MessageLoaded})
	}
	req.OnSegment = func(seg backend.Segment) {
		_ = out.send(Message{Type: MessageSegment, Segment: &seg})
	}
	req.OnProgress = func(measured, expected float64) {
		_ = out.send(Message{Type: MessageProgress, Measured: measured, Expected: expected})
	}
	req.OnLog = func(line string) {
		_ = out.send(Message{Type: MessageLog, Line: line})
	}

	transcript, err := engine.Transcribe(ctx, req)
	if err != nil {
		_ = out.send(errorMessage(err))
		return err
	}
	return out.send(Message{Type: MessageResult, Transcript: &transcript})
}

// Fail reports err as the worker's only message. Workers that cannot build
// their engine use it so the supervisor still sees a classified error.
func Fail(w io.Writer, err error) error {
	if sendErr := newMessageWriter(w).send(errorMessage(err)); sendErr != nil {
		return sendErr
	}
	return err
}
