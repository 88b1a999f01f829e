package jobs

import (
	"strings"

	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
)

// View is the presentation-side state of one job, rebuilt from events.
// Apply is idempotent, so a UI can feed it both pushed events and polled
// Events(since) batches.
type View struct {
	JobID    string
	Status   domain.JobStatus
	Progress float64
	LiveText string
	Result   string
	TextPath string
	Degraded bool
	Error    string
	Category failure.Kind
	LastLog  string

	lastSeq  int64
	terminal bool
}

// Terminal reports whether the job has ended.
func (v *View) Terminal() bool { return v.terminal }

// LastSeq is the sequence number of the last applied event.
func (v *View) LastSeq() int64 { return v.lastSeq }

// Apply folds one event into the view. It reports whether the view changed.
// Duplicate or old events, events of other jobs, anything after a terminal
// event and non-increasing progress are ignored. A queued status for a new
// job starts over.
func (v *View) Apply(ev Event) bool {
	if ev.Seq <= v.lastSeq {
		return false
	}
	if ev.JobID != v.JobID {
		if ev.Type != EventTypeStatus || ev.Status != domain.JobStatusQueued {
			return false
		}
		*v = View{JobID: ev.JobID, lastSeq: v.lastSeq}
	}
	if v.terminal {
		return false
	}
	v.lastSeq = ev.Seq

	switch ev.Type {
	case EventTypeStatus:
		v.Status = ev.Status
	case EventTypeProgress:
		if ev.Progress <= v.Progress {
			return false
		}
		v.Progress = ev.Progress
	case EventTypeSegment:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return false
		}
		if v.LiveText != "" {
			v.LiveText += "\n"
		}
		v.LiveText += text
	case EventTypeLog:
		v.LastLog = ev.Message
	case EventTypeResult:
		v.Result = ev.Text
		v.TextPath = ev.TextPath
		v.Degraded = ev.Degraded
		v.Status = domain.JobStatusDone
	case EventTypeError:
		v.Error = ev.Message
		v.Category = ev.Category
		v.Status = domain.JobStatusFailed
	default:
		return false
	}
	v.terminal = ev.IsTerminal()
	return true
}
