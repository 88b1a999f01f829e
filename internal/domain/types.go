package domain

import "time"

// JobStatus tracks each lifecycle stage for a single transcription job.
type JobStatus string

const (
	JobStatusIdle         JobStatus = "idle"
	JobStatusQueued       JobStatus = "queued"
	JobStatusPreparing    JobStatus = "preparing"
	JobStatusDownloading  JobStatus = "downloading"
	JobStatusLoading      JobStatus = "loading"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusDone         JobStatus = "done"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends a job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the runner-owned record of one transcription request.
type Job struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"sourcePath"`
	Tier       string    `json:"tier"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"`
	ResultText string    `json:"resultText,omitempty"`
	Error      string    `json:"error,omitempty"`
	TextPath   string    `json:"textPath,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
