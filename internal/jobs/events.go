package jobs

import (
	"sync"
	"time"

	"dropscribe/internal/backend"
	"dropscribe/internal/domain"
	"dropscribe/internal/failure"
)

// EventType classifies messages emitted during job execution.
type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
	EventTypeSegment  EventType = "segment"
	EventTypeLog      EventType = "log"
	EventTypeResult   EventType = "result"
	EventTypeError    EventType = "error"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	JobID     string           `json:"jobId"`
	Type      EventType        `json:"type"`
	Status    domain.JobStatus `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Progress  float64          `json:"progress,omitempty"`
	Segment   *backend.Segment `json:"segment,omitempty"`
	Text      string           `json:"text,omitempty"`
	TextPath  string           `json:"textPath,omitempty"`
	Degraded  bool             `json:"degraded,omitempty"`
	Command   string           `json:"command,omitempty"`
	Args      []string         `json:"args,omitempty"`
	ExitCode  int              `json:"exitCode,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
	Category  failure.Kind     `json:"category,omitempty"`
}

// IsTerminal reports whether no further events follow for the job.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeResult, EventTypeError:
		return true
	case EventTypeStatus:
		return e.Status == domain.JobStatusCancelled
	default:
		return false
	}
}

// Sink receives published events synchronously, in publish order. A sink
// must not publish to the bus it is subscribed to.
type Sink func(Event)

// EventBus stores recent events and provides incremental reads.
type EventBus struct {
	mu        sync.RWMutex
	deliverMu sync.Mutex
	nextSeq   int64
	maxEvents int
	events    []Event
	nextSink  int
	sinks     map[int]Sink
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		sinks:     make(map[int]Sink),
	}
}

// Publish appends one event, assigns sequence and timestamp and delivers it
// to subscribers before returning.
func (b *EventBus) Publish(event Event) Event {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	sinks := make([]Sink, 0, len(b.sinks))
	for id := 0; id < b.nextSink; id++ {
		if sink, ok := b.sinks[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink(event)
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers sink for future events and returns a function that
// removes it.
func (b *EventBus) Subscribe(sink Sink) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSink
	b.nextSink++
	b.sinks[id] = sink
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.sinks, id)
	}
}
