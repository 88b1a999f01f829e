package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"dropscribe/internal/domain"
	"dropscribe/internal/jobs"
	"dropscribe/internal/logging"
)

const liveTextWidth = 48

// jobRenderer folds runner events into a jobs.View and draws them. Terminals
// get a progress bar whose description shows the status and the latest
// segment; other writers get sampled plain lines.
type jobRenderer struct {
	out io.Writer

	mu      sync.Mutex
	view    jobs.View
	bar     *progressbar.ProgressBar
	sampler *logging.ProgressSampler
	done    chan struct{}
	closed  bool
}

func newJobRenderer(out io.Writer, interactive bool) *jobRenderer {
	r := &jobRenderer{out: out, done: make(chan struct{})}
	if interactive {
		r.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(string(domain.JobStatusQueued)),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
		)
		return r
	}
	r.sampler = logging.NewProgressSampler(10)
	return r
}

// apply is a jobs.Sink.
func (r *jobRenderer) apply(ev jobs.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.view.Status
	if !r.view.Apply(ev) {
		return
	}
	if r.bar != nil {
		r.drawBar(ev)
	} else {
		r.writeLine(ev, previous)
	}
	if r.view.Terminal() && !r.closed {
		r.closed = true
		if r.bar != nil {
			_ = r.bar.Finish()
		}
		close(r.done)
	}
}

func (r *jobRenderer) drawBar(ev jobs.Event) {
	description := string(r.view.Status)
	if last := lastLine(r.view.LiveText); last != "" {
		description += "  " + clip(last, liveTextWidth)
	}
	r.bar.Describe(description)
	if ev.Type == jobs.EventTypeProgress {
		_ = r.bar.Set(int(r.view.Progress))
	}
}

func (r *jobRenderer) writeLine(ev jobs.Event, previous domain.JobStatus) {
	switch ev.Type {
	case jobs.EventTypeStatus:
		if r.view.Status != previous {
			fmt.Fprintf(r.out, "status: %s\n", r.view.Status)
		}
	case jobs.EventTypeProgress:
		if r.sampler.ShouldLog(r.view.Progress, string(r.view.Status)) {
			fmt.Fprintf(r.out, "progress: %.0f%% (%s)\n", r.view.Progress, r.view.Status)
		}
	case jobs.EventTypeSegment:
		fmt.Fprintf(r.out, "text: %s\n", strings.TrimSpace(ev.Text))
	}
}

// Done is closed after the job's terminal event.
func (r *jobRenderer) Done() <-chan struct{} { return r.done }

// View returns a copy of the folded state.
func (r *jobRenderer) View() jobs.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
