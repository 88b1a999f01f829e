//go:build windows

package backend

import "os/exec"

// ConfigureProcess keeps the default CommandContext behaviour; Windows has
// no SIGTERM, so cancellation kills the process.
func ConfigureProcess(cmd *exec.Cmd) {}
