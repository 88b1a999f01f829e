// Package supervisor runs a transcription engine in a short-lived worker
// process.
//
// The supervisor side (Backend) starts "dropscribe worker", writes the
// request as one JSON document to the worker's stdin and reads JSON lines
// back from its stdout. The worker side (Serve) runs the real engine and
// reports through the same messages. A native crash inside the engine takes
// down only the worker; the supervisor sees an abnormal exit without a
// result and reports it as a backend crash.
package supervisor
