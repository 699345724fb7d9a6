//go:build linux || darwin

package jail

import (
	"os"

	"golang.org/x/sys/unix"
)

func chroot(root string) error {
	return unix.Chroot(root)
}

// makeDevNull creates the 1:3 character device at path, falling back to an
// empty world-writable file when mknod is not permitted.
func makeDevNull(path string) (bool, error) {
	if err := unix.Mknod(path, unix.S_IFCHR|0o666, int(unix.Mkdev(1, 3))); err == nil {
		return true, os.Chmod(path, 0o666)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	return false, os.Chmod(path, 0o666)
}
