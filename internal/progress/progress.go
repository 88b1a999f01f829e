// Package progress projects backend signals onto a single monotonic 0-100
// scale.
//
// Each job phase owns a fixed slice of the scale. A phase that reports real
// counters (bytes downloaded, audio seconds decoded) is projected with
// Measured; a phase that reports nothing creeps toward its terminal value
// without ever reaching it, so the display keeps moving while the backend is
// silent.
package progress

import "math"

// Phase identifies one stage of the global progress scale.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseLoad     Phase = "load"
	PhaseInfer    Phase = "infer"
)

// Finished is the value reported once a job has succeeded.
const Finished = 100

// DefaultCreepRate is the fraction of the remaining gap closed per creep tick.
const DefaultCreepRate = 0.08

type bounds struct {
	offset int
	span   int
}

var phaseBounds = map[Phase]bounds{
	PhaseDownload: {offset: 0, span: 39},
	PhaseLoad:     {offset: 40, span: 9},
	PhaseInfer:    {offset: 50, span: 48},
}

// Offset returns the first value of the phase.
func (p Phase) Offset() int { return phaseBounds[p].offset }

// Terminal returns the value the phase reaches on completion.
func (p Phase) Terminal() int {
	b := phaseBounds[p]
	return b.offset + b.span
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseBounds[p]
	return ok
}

// Sample is one measurement from a monitoring source.
type Sample struct {
	Phase    Phase
	Measured float64
	Expected float64
}

// Measured projects a sample onto the global scale:
// floor(clamp(measured/expected, 0, 1) * span) + offset.
func Measured(s Sample) int {
	b, ok := phaseBounds[s.Phase]
	if !ok {
		return 0
	}
	if s.Expected <= 0 || math.IsNaN(s.Measured) || math.IsNaN(s.Expected) {
		return b.offset
	}
	ratio := s.Measured / s.Expected
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return int(math.Floor(ratio*float64(b.span))) + b.offset
}
