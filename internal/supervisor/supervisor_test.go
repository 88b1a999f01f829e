package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
	"dropscribe/internal/logging"
	"dropscribe/internal/media"
)

const fakeWorkerEnv = "DROPSCRIBE_FAKE_WORKER"

// TestMain lets the test binary act as the worker process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeWorkerEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

func runFakeWorker(mode string) int {
	if mode == "silent" {
		return 0
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := Serve(ctx, os.Stdin, os.Stdout, &fakeEngine{mode: mode}); err != nil {
		return 1
	}
	return 0
}

// fakeEngine scripts engine behaviour by mode.
type fakeEngine struct {
	mode     string
	checkErr error
}

func (f *fakeEngine) Name() string        { return "fake" }
func (f *fakeEngine) Input() media.Format { return media.FormatWAV16kMono }
func (f *fakeEngine) Check() error        { return f.checkErr }

func (f *fakeEngine) Transcribe(ctx context.Context, req backend.Request) (backend.Transcript, error) {
	req.Loaded()
	switch f.mode {
	case "fail":
		return backend.Transcript{}, failure.Wrap(failure.ErrBackendFailed, "transcribing", "fake", "decoder rejected "+req.MediaPath, nil)
	case "crash":
		os.Stdout.Sync()
		os.Exit(139)
	case "hang":
		<-ctx.Done()
		return backend.Transcript{}, ctx.Err()
	}
	segs := []backend.Segment{
		{Start: 0, End: 2 * time.Second, Text: "first"},
		{Start: 2 * time.Second, End: 4 * time.Second, Text: "second"},
	}
	for _, seg := range segs {
		req.Segment(seg)
		req.Progress(seg.End.Seconds(), req.Duration.Seconds())
	}
	req.Log("decoded with beam " + strings.Repeat("*", req.BeamSize))
	return backend.Transcript{Segments: segs, Duration: req.Duration, Language: "en", Text: "first\nsecond"}, nil
}

func newWorkerBackend(t *testing.T, mode string) *Backend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker signal handling tests need unix signals")
	}
	return New(&fakeEngine{}, Config{
		Executable:  os.Args[0],
		Env:         map[string]string{fakeWorkerEnv: mode},
		CancelGrace: 2 * time.Second,
	}, logging.NewNop())
}

type recorder struct {
	mu       sync.Mutex
	loaded   int
	segments []backend.Segment
	progress [][2]float64
	logs     []string
}

func (r *recorder) request() backend.Request {
	return backend.Request{
		MediaPath: "/work/audio.wav",
		ModelPath: "/models/ggml-base.bin",
		BeamSize:  3,
		Duration:  4 * time.Second,
		WorkDir:   "/work",
		OnLoaded: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loaded++
		},
		OnSegment: func(s backend.Segment) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.segments = append(r.segments, s)
		},
		OnProgress: func(m, e float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, [2]float64{m, e})
		},
		OnLog: func(line string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, line)
		},
	}
}

func TestWorkerSuccess(t *testing.T) {
	b := newWorkerBackend(t, "ok")
	rec := &recorder{}
	got, err := b.Transcribe(context.Background(), rec.request())
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "first\nsecond" || got.Language != "en" || got.Duration != 4*time.Second {
		t.Fatalf("transcript = %+v", got)
	}
	if rec.loaded != 1 || len(rec.segments) != 2 || rec.segments[1].Start != 2*time.Second {
		t.Fatalf("loaded=%d segments=%+v", rec.loaded, rec.segments)
	}
	if len(rec.progress) != 2 || rec.progress[1] != [2]float64{4, 4} {
		t.Fatalf("progress = %v", rec.progress)
	}
	if len(rec.logs) == 0 || rec.logs[0] != "decoded with beam ***" {
		t.Fatalf("logs = %v", rec.logs)
	}
}

func TestWorkerReportedErrorKeepsKind(t *testing.T) {
	b := newWorkerBackend(t, "fail")
	_, err := b.Transcribe(context.Background(), (&recorder{}).request())
	if !errors.Is(err, failure.ErrBackendFailed) || errors.Is(err, failure.ErrBackendCrash) {
		t.Fatalf("Transcribe() error = %v, want ErrBackendFailed", err)
	}
	if !strings.Contains(err.Error(), "decoder rejected /work/audio.wav") {
		t.Fatalf("error lost its message: %v", err)
	}
}

func TestWorkerAbnormalExitIsCrash(t *testing.T) {
	for _, mode := range []string{"crash", "silent"} {
		t.Run(mode, func(t *testing.T) {
			b := newWorkerBackend(t, mode)
			_, err := b.Transcribe(context.Background(), (&recorder{}).request())
			if !errors.Is(err, failure.ErrBackendCrash) {
				t.Fatalf("Transcribe() error = %v, want ErrBackendCrash", err)
			}
		})
	}
}

func TestWorkerCancel(t *testing.T) {
	b := newWorkerBackend(t, "hang")
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	req := rec.request()
	req.OnLoaded = func() { cancel() }

	done := make(chan error, 1)
	go func() {
		_, err := b.Transcribe(ctx, req)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Transcribe() error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestCheckUsesInnerEngine(t *testing.T) {
	want := failure.Wrap(failure.ErrConfiguration, "preparing", "fake", "missing", nil)
	b := New(&fakeEngine{checkErr: want}, Config{Executable: os.Args[0]}, nil)
	if err := b.Check(); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("Check() error = %v", err)
	}
	if b.Name() != "fake" || b.Input() != media.FormatWAV16kMono {
		t.Fatalf("Name/Input not delegated: %s %s", b.Name(), b.Input())
	}
}

// TestServeInProcess drives the worker side without a process.
func TestServeInProcess(t *testing.T) {
	payload, err := json.Marshal(backend.Request{MediaPath: "a.wav", Duration: 4 * time.Second, BeamSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := Serve(context.Background(), bytes.NewReader(payload), &out, &fakeEngine{mode: "ok"}); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var types []MessageType
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		types = append(types, msg.Type)
	}
	want := []MessageType{MessageLoaded, MessageSegment, MessageProgress, MessageSegment, MessageProgress, MessageLog, MessageResult}
	if len(types) != len(want) {
		t.Fatalf("messages = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("messages = %v, want %v", types, want)
		}
	}
}

func TestServeRejectsBadRequest(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), strings.NewReader("{not json"), &out, &fakeEngine{})
	if !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("Serve() error = %v, want ErrValidation", err)
	}
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &msg); err != nil || msg.Type != MessageError || msg.Kind != failure.KindValidation {
		t.Fatalf("message = %+v (%v)", msg, err)
	}
}

func TestFailSendsClassifiedError(t *testing.T) {
	var out bytes.Buffer
	cause := failure.Wrap(failure.ErrConfiguration, "preparing", "whisper-cli", "not installed", nil)
	if err := Fail(&out, cause); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("Fail() error = %v, want the cause", err)
	}
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageError || msg.Kind != failure.KindConfiguration {
		t.Fatalf("message = %+v", msg)
	}
}
