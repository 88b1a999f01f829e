//go:build !windows

package diagnostics

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func checkWritable(dir string) error {
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("access %s: %w", dir, err)
	}
	return nil
}
