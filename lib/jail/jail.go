// Package jail confines the current process to an extracted image root and
// a fresh PID namespace before a command is spawned inside it.
//
// The sequence is one-way and is modeled as types:
//
//	Prepare -> *Unconfined -> Confine -> *Confined
//
// A *Confined value is proof that the process root has been changed, which
// is what the command executor requires before spawning anything.
package jail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/hubrun/lib/logger"
)

var (
	// ErrSetup is returned when the root cannot be prepared or entered.
	ErrSetup = errors.New("isolation setup failed")

	// ErrAlreadyConfined is returned by a second Confine on the same value.
	ErrAlreadyConfined = errors.New("already confined")
)

// State is how far isolation got.
type State int

const (
	// RootChanged means the process root moved but no PID namespace was
	// entered yet.
	RootChanged State = iota + 1
	// NamespaceIsolated means the next spawned child is PID 1 of a new
	// PID namespace.
	NamespaceIsolated
	// NamespaceSkipped means the platform or privileges did not allow a new
	// PID namespace. Isolation is filesystem-only.
	NamespaceSkipped
)

func (s State) String() string {
	switch s {
	case RootChanged:
		return "root-changed"
	case NamespaceIsolated:
		return "namespace-isolated"
	case NamespaceSkipped:
		return "namespace-skipped"
	default:
		return "unconfined"
	}
}

const devNullPath = "dev/null"

// Unconfined is a prepared root that the process has not entered yet.
type Unconfined struct {
	root     string
	confined bool
}

// Confined is a process whose root is the image root.
type Confined struct {
	state State
}

// State reports the isolation reached.
func (c *Confined) State() State {
	return c.state
}

// Prepare copies the executable at exe into root at the same absolute path
// and provisions root/dev/null. exe must be absolute.
func Prepare(ctx context.Context, root, exe string) (*Unconfined, error) {
	log := logger.FromContext(ctx)

	if !filepath.IsAbs(exe) {
		return nil, fmt.Errorf("%w: executable %q is not an absolute path", ErrSetup, exe)
	}

	rel := strings.TrimPrefix(filepath.Clean(exe), string(filepath.Separator))
	dst, err := placeInRoot(root, rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	if err := copyExecutable(exe, dst); err != nil {
		return nil, fmt.Errorf("%w: copy executable: %w", ErrSetup, err)
	}
	log.DebugContext(ctx, "copied executable into root", "source", exe, "destination", dst)

	null, err := placeInRoot(root, devNullPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	device, err := makeDevNull(null)
	if err != nil {
		return nil, fmt.Errorf("%w: provision %s: %w", ErrSetup, devNullPath, err)
	}
	log.DebugContext(ctx, "provisioned null device", "path", null, "char_device", device)

	return &Unconfined{root: root}, nil
}

// Confine changes the process root to the prepared root and moves the
// calling thread into a new PID namespace where supported.
//
// The calling goroutine stays locked to its OS thread afterwards; children
// must be spawned from the same goroutine to land in the new namespace.
func (u *Unconfined) Confine(ctx context.Context) (*Confined, error) {
	if u.confined {
		return nil, ErrAlreadyConfined
	}
	u.confined = true

	log := logger.FromContext(ctx)

	if err := chroot(u.root); err != nil {
		return nil, fmt.Errorf("%w: chroot %s: %w", ErrSetup, u.root, err)
	}
	if err := os.Chdir("/"); err != nil {
		return nil, fmt.Errorf("%w: chdir to new root: %w", ErrSetup, err)
	}

	c := &Confined{state: RootChanged}

	isolated, err := unsharePID()
	if err != nil {
		return nil, fmt.Errorf("%w: new pid namespace: %w", ErrSetup, err)
	}
	if isolated {
		c.state = NamespaceIsolated
	} else {
		c.state = NamespaceSkipped
		log.WarnContext(ctx, "pid namespace unavailable, continuing with filesystem isolation only")
	}

	log.DebugContext(ctx, "confined", "root", u.root, "state", c.state.String())
	return c, nil
}

// Bootstrap prepares root and confines the process to it.
func Bootstrap(ctx context.Context, root, exe string) (*Confined, error) {
	u, err := Prepare(ctx, root, exe)
	if err != nil {
		return nil, err
	}
	return u.Confine(ctx)
}

// placeInRoot resolves rel's parent inside root, creates it, and clears
// whatever sits at the final component.
func placeInRoot(root, rel string) (string, error) {
	parent, err := securejoin.SecureJoin(root, filepath.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", parent, err)
	}
	dst := filepath.Join(parent, filepath.Base(rel))
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("clear %s: %w", dst, err)
	}
	return dst, nil
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o700)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, fi.Mode().Perm())
}
