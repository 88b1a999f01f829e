package failure

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitInfo describes how an external process ended.
type ExitInfo struct {
	Code    int
	Signal  string
	Crashed bool
	Reason  string
}

// ntStatusFaults lists Windows NTSTATUS exit codes raised by native faults.
var ntStatusFaults = map[uint32]string{
	0xC0000005: "access violation",
	0xC000001D: "illegal instruction",
	0xC0000094: "integer divide by zero",
	0xC00000FD: "stack overflow",
	0xC0000374: "heap corruption",
	0xC0000409: "stack buffer overrun",
}

var fatalSignals = map[syscall.Signal]string{
	syscall.SIGSEGV: "segmentation fault",
	syscall.SIGBUS:  "bus error",
	syscall.SIGILL:  "illegal instruction",
	syscall.SIGFPE:  "floating point exception",
	syscall.SIGABRT: "abort",
}

// ClassifyExit decides whether an exit code or terminating signal represents
// a native crash. sig is zero when the process exited normally.
func ClassifyExit(code int, sig syscall.Signal) ExitInfo {
	info := ExitInfo{Code: code}
	if sig != 0 {
		info.Signal = sig.String()
		if reason, ok := fatalSignals[sig]; ok {
			info.Crashed = true
			info.Reason = reason
		}
		return info
	}
	if reason, ok := ntStatusFaults[uint32(code)]; ok {
		info.Crashed = true
		info.Reason = reason
		return info
	}
	// Shells report a child killed by signal N as 128+N.
	if code > 128 && code < 160 {
		if reason, ok := fatalSignals[syscall.Signal(code-128)]; ok {
			info.Crashed = true
			info.Reason = reason
		}
	}
	return info
}

// ExitFromError extracts exit details from an *exec.ExitError.
func ExitFromError(err error) (ExitInfo, bool) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitInfo{}, false
	}
	var sig syscall.Signal
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig = status.Signal()
	}
	return ClassifyExit(exitErr.ExitCode(), sig), true
}

// String renders the exit for messages, e.g. "exit code -1073741819 (access violation)".
func (e ExitInfo) String() string {
	base := fmt.Sprintf("exit code %d", e.Code)
	if e.Signal != "" {
		base = "signal " + e.Signal
	}
	if e.Reason != "" {
		return base + " (" + e.Reason + ")"
	}
	return base
}

// ProcessError tags a failed process exit with the taxonomy: native crashes
// become ErrBackendCrash, everything else ErrBackendFailed.
func ProcessError(command string, exit ExitInfo, tail string) error {
	marker := ErrBackendFailed
	if exit.Crashed {
		marker = ErrBackendCrash
	}
	msg := fmt.Sprintf("%s ended with %s", command, exit)
	if tail != "" {
		msg += ": " + tail
	}
	return fmt.Errorf("%w: %s", marker, msg)
}
