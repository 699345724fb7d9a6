//go:build linux || darwin

package images

import (
	"os"

	"golang.org/x/sys/unix"
)

// chmodDir sets mode on the directory at path without following a symlink
// in the final component.
func chmodDir(path string, mode os.FileMode) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	return f.Chmod(mode)
}

// hardlink links target to source itself, even when source is a symlink.
func hardlink(source, target string) error {
	if err := unix.Linkat(unix.AT_FDCWD, source, unix.AT_FDCWD, target, 0); err != nil {
		return &os.LinkError{Op: "link", Old: source, New: target, Err: err}
	}
	return nil
}
