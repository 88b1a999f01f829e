//go:build !windows

package backend

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ConfigureProcess puts the child in its own process group and makes context
// cancellation send SIGTERM to the whole group. Pair it with cmd.WaitDelay
// for the kill deadline.
func ConfigureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
}
