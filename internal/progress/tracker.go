package progress

import "math"

// Tracker is the monotonic projector owned by a job's event loop. It is not
// safe for concurrent use; the runner calls it from a single goroutine.
type Tracker struct {
	rate     float64
	phase    Phase
	value    float64
	shown    int
	measured bool
}

// NewTracker returns a tracker at zero. A non-positive rate uses DefaultCreepRate.
func NewTracker(rate float64) *Tracker {
	if rate <= 0 || rate >= 1 {
		rate = DefaultCreepRate
	}
	return &Tracker{rate: rate}
}

// Value returns the last displayed value.
func (t *Tracker) Value() int { return t.shown }

// Phase returns the active phase, empty before the first Enter.
func (t *Tracker) Phase() Phase { return t.phase }

// Enter switches to phase p. Entering a phase never lowers the value.
func (t *Tracker) Enter(p Phase) (int, bool) {
	if !p.Valid() {
		return t.shown, false
	}
	if p != t.phase {
		t.phase = p
		t.measured = false
	}
	return t.raise(float64(p.Offset()))
}

// Observe applies a measured sample. Samples for a phase other than the
// active one are ignored.
func (t *Tracker) Observe(s Sample) (int, bool) {
	if s.Phase != t.phase || !s.Phase.Valid() {
		return t.shown, false
	}
	t.measured = true
	return t.raise(float64(Measured(s)))
}

// Creep closes a fraction of the gap to the phase terminal. The displayed
// value stays at least one below the terminal until Complete is called.
// Phases that have received measured samples do not creep.
func (t *Tracker) Creep() (int, bool) {
	if !t.phase.Valid() || t.measured {
		return t.shown, false
	}
	terminal := float64(t.phase.Terminal())
	if t.value < terminal {
		t.value += t.rate * (terminal - t.value)
	}
	return t.publish()
}

// Complete snaps to the active phase's terminal value.
func (t *Tracker) Complete() (int, bool) {
	if !t.phase.Valid() {
		return t.shown, false
	}
	t.value = math.Max(t.value, float64(t.phase.Terminal()))
	return t.set(int(t.value))
}

// Finish snaps to 100.
func (t *Tracker) Finish() (int, bool) {
	t.value = Finished
	return t.set(Finished)
}

func (t *Tracker) raise(v float64) (int, bool) {
	if v > t.value {
		t.value = v
	}
	return t.publish()
}

func (t *Tracker) publish() (int, bool) {
	display := int(math.Floor(t.value))
	if !t.measured && t.phase.Valid() && display >= t.phase.Terminal() {
		display = t.phase.Terminal() - 1
	}
	return t.set(display)
}

func (t *Tracker) set(display int) (int, bool) {
	if display <= t.shown {
		return t.shown, false
	}
	t.shown = display
	return t.shown, true
}
