package tools

import (
	"fmt"
	"os"
)

// WritePidFile records the current process ID at path so init scripts
// and supervisors can signal the server. Empty path disables the file.
func WritePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}

// RemovePidFile deletes the pid file written at startup. Missing file
// is not an error.
func RemovePidFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
