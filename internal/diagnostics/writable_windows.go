//go:build windows

package diagnostics

import "os"

// Windows ACLs are not reflected in access(2) style checks, so probe with a file.
func checkWritable(dir string) error {
	tmpFile, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	return os.Remove(tmpPath)
}
