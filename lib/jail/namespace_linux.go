//go:build linux

package jail

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

// unsharePID moves the calling thread's children into a new PID namespace.
// The thread stays locked so the caller's next fork happens from it.
// EPERM and EINVAL mean the namespace is not available to us.
func unsharePID() (bool, error) {
	runtime.LockOSThread()

	err := unix.Unshare(unix.CLONE_NEWPID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EINVAL):
		runtime.UnlockOSThread()
		return false, nil
	default:
		runtime.UnlockOSThread()
		return false, err
	}
}
