//go:build !windows

package discovery

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid names a running process. A process we are
// not permitted to signal still exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true
	case errors.Is(err, unix.EPERM):
		return true
	case errors.Is(err, unix.ESRCH):
		return false
	default:
		return false
	}
}
