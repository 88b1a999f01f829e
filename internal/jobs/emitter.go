package jobs

import "sync"

// emitter gates one job's events. Once a terminal batch is published,
// including a cancellation acknowledgement, every later event for the job is
// dropped.
type emitter struct {
	mu     sync.Mutex
	bus    *EventBus
	jobID  string
	closed bool
}

func newEmitter(bus *EventBus, jobID string) *emitter {
	return &emitter{bus: bus, jobID: jobID}
}

// emit publishes the events built by fn unless the job already ended. fn
// runs under the emitter lock, so state changes it makes are ordered with
// the events it returns.
func (e *emitter) emit(fn func() []Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.publish(fn())
	return true
}

// terminate is emit for the final batch. When fn reports false nothing is
// published and the emitter stays open.
func (e *emitter) terminate(fn func() ([]Event, bool)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	events, ok := fn()
	if !ok {
		return false
	}
	e.closed = true
	e.publish(events)
	return true
}

func (e *emitter) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *emitter) publish(events []Event) {
	for _, event := range events {
		event.JobID = e.jobID
		e.bus.Publish(event)
	}
}
