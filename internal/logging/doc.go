// Package logging assembles structured slog loggers and formatting helpers used
// across dropscribe.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context helpers so pipeline code can tag log lines with the job
// ID and stage. NewNop serves tests and wiring code that cannot fail.
package logging
