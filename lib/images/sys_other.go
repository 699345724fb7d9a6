//go:build !linux && !darwin

package images

import (
	"fmt"
	"os"
)

func chmodDir(path string, mode os.FileMode) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", path)
	}
	return os.Chmod(path, mode)
}

func hardlink(source, target string) error {
	return os.Link(source, target)
}
