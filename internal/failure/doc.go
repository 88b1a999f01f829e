// Package failure defines the error taxonomy shared by the pipeline, the
// backends, and the worker protocol.
//
// Every error that can end a job is tagged with one of the sentinel markers so
// the runner can turn it into a single user-facing message without knowing
// backend-specific error types. Cancellation is deliberately not part of the
// taxonomy: callers detect it with errors.Is(err, context.Canceled).
package failure
