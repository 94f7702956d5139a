//go:build !unix && !linux && !darwin

package lockfile

// isProcessRunning cannot be checked cheaply off unix; assume the holder is
// alive and let the flock decide.
func isProcessRunning(pid int) bool {
	return pid > 0
}
