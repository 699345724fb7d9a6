// Package runner pulls an image into a private root and runs a command
// confined to it.
package runner

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/onkernel/hubrun/lib/images"
)

var (
	// ErrInvalidCommand is returned for an unusable invocation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSpawn is returned when the command cannot be found or started.
	ErrSpawn = errors.New("command spawn failed")
)

// CommandSpec is one parsed invocation. It is not modified after parsing.
type CommandSpec struct {
	Image      *images.Reference
	Executable string
	Args       []string
}

// ParseCommandSpec validates an invocation. exe must be an absolute path
// inside the image.
func ParseCommandSpec(image, exe string, args []string) (*CommandSpec, error) {
	ref, err := images.ParseReference(image)
	if err != nil {
		return nil, err
	}
	if exe == "" {
		return nil, fmt.Errorf("%w: no executable given", ErrInvalidCommand)
	}
	if !filepath.IsAbs(exe) {
		return nil, fmt.Errorf("%w: executable %q must be an absolute path", ErrInvalidCommand, exe)
	}
	return &CommandSpec{
		Image:      ref,
		Executable: filepath.Clean(exe),
		Args:       append([]string(nil), args...),
	}, nil
}
