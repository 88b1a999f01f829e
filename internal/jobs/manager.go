package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"dropscribe/internal/domain"
)

// ErrJobAlreadyRunning is returned when starting a second active job.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrNoRunningJob is returned when cancel is requested for idle state.
var ErrNoRunningJob = errors.New("no running job")

// ErrStaleJob is returned for mutations naming a job that is no longer current.
var ErrStaleJob = errors.New("stale job")

// Manager tracks the single allowed active job and its transitions. Every
// mutation names the job it is for, so a job that is still winding down
// after cancellation cannot touch its successor.
type Manager struct {
	mu      sync.RWMutex
	current domain.Job
	now     func() time.Time
}

// NewManager creates a manager in idle state.
func NewManager() *Manager {
	return &Manager{
		current: domain.Job{
			Status: domain.JobStatusIdle,
		},
		now: time.Now,
	}
}

// Start installs job as the current job in queued state.
func (m *Manager) Start(job domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isRunning(m.current.Status) {
		return m.current, ErrJobAlreadyRunning
	}
	if job.ID == "" {
		return m.current, fmt.Errorf("job id is required")
	}

	job.Status = domain.JobStatusQueued
	job.Progress = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now().UTC()
	}
	m.current = job
	return m.current, nil
}

// Transition validates and applies a state transition for jobID.
func (m *Manager) Transition(jobID string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkID(jobID); err != nil {
		return err
	}
	if status == m.current.Status {
		return nil
	}
	if !isValidTransition(m.current.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", m.current.Status, status)
	}

	m.current.Status = status
	if status.IsTerminal() {
		m.current.FinishedAt = m.now().UTC()
	}
	return nil
}

// Update applies fn to the current job when it is still jobID.
func (m *Manager) Update(jobID string, fn func(job *domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkID(jobID); err != nil {
		return err
	}
	id, status := m.current.ID, m.current.Status
	fn(&m.current)
	m.current.ID, m.current.Status = id, status
	return nil
}

// Current returns a snapshot of the current job.
func (m *Manager) Current() domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reset clears a finished job and returns manager to idle.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isRunning(m.current.Status) {
		return ErrJobAlreadyRunning
	}
	m.current = domain.Job{Status: domain.JobStatusIdle}
	return nil
}

// IsRunning reports whether the current state is an active stage.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return isRunning(m.current.Status)
}

// Cancel moves jobID to cancelled state.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkID(jobID); err != nil {
		return err
	}
	if !isRunning(m.current.Status) {
		return ErrNoRunningJob
	}
	m.current.Status = domain.JobStatusCancelled
	m.current.FinishedAt = m.now().UTC()
	return nil
}

func (m *Manager) checkID(jobID string) error {
	if m.current.ID == "" {
		return ErrNoRunningJob
	}
	if jobID != m.current.ID {
		return fmt.Errorf("%w: %s (current %s)", ErrStaleJob, jobID, m.current.ID)
	}
	return nil
}

// isRunning checks if a status represents active pipeline execution.
func isRunning(status domain.JobStatus) bool {
	switch status {
	case domain.JobStatusQueued,
		domain.JobStatusPreparing,
		domain.JobStatusDownloading,
		domain.JobStatusLoading,
		domain.JobStatusTranscribing:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	if to == domain.JobStatusFailed || to == domain.JobStatusCancelled {
		return isRunning(from)
	}
	switch from {
	case domain.JobStatusQueued:
		return to == domain.JobStatusPreparing
	case domain.JobStatusPreparing:
		return to == domain.JobStatusDownloading || to == domain.JobStatusLoading
	case domain.JobStatusDownloading:
		return to == domain.JobStatusLoading
	case domain.JobStatusLoading:
		return to == domain.JobStatusTranscribing
	case domain.JobStatusTranscribing:
		return to == domain.JobStatusDone
	case domain.JobStatusIdle, domain.JobStatusDone, domain.JobStatusFailed, domain.JobStatusCancelled:
		return to == domain.JobStatusQueued || to == domain.JobStatusIdle
	default:
		return false
	}
}
