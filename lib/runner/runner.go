package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/hubrun/lib/images"
	"github.com/onkernel/hubrun/lib/jail"
	"github.com/onkernel/hubrun/lib/logger"
	hubotel "github.com/onkernel/hubrun/lib/otel"
)

// launchFunc runs the confined stage against a populated root.
type launchFunc func(ctx context.Context, root string, spec *CommandSpec) (int, error)

// Runner owns one extraction root per run.
type Runner struct {
	puller  *images.Puller
	baseDir string
	metrics *hubotel.RunMetrics
	launch  launchFunc
}

// NewRunner creates a Runner. Roots are created under baseDir, or the
// system temp dir when empty. metrics may be nil.
func NewRunner(puller *images.Puller, baseDir string, metrics *hubotel.RunMetrics) *Runner {
	return &Runner{
		puller:  puller,
		baseDir: baseDir,
		metrics: metrics,
		launch:  reexec,
	}
}

// Run acquires spec.Image into a fresh root, runs the command confined to
// it and returns the command's exit code. The root is removed before Run
// returns, whatever the outcome. A non-nil error always comes with code 1.
func (r *Runner) Run(ctx context.Context, spec *CommandSpec) (code int, err error) {
	log := logger.FromContext(ctx).With("run_id", cuid2.Generate(), "image", spec.Image.String())
	ctx = logger.AddToContext(ctx, log)
	start := time.Now()

	defer func() {
		if r.metrics != nil {
			r.metrics.RecordRun(ctx, spec.Image.String(), code, time.Since(start))
		}
	}()

	if r.baseDir != "" {
		if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
			return 1, fmt.Errorf("%w: create root base dir: %w", jail.ErrSetup, err)
		}
	}
	root, err := os.MkdirTemp(r.baseDir, "hubrun-root-*")
	if err != nil {
		return 1, fmt.Errorf("%w: create extraction root: %w", jail.ErrSetup, err)
	}
	defer func() {
		if rmErr := removeRoot(root); rmErr != nil {
			log.WarnContext(ctx, "failed to remove extraction root", "root", root, "error", rmErr)
		}
	}()
	log.DebugContext(ctx, "created extraction root", "root", root)

	if _, err := r.puller.Acquire(ctx, spec.Image, root); err != nil {
		return 1, err
	}

	code, err = r.launch(ctx, root, spec)
	if err != nil {
		return 1, err
	}
	log.InfoContext(ctx, "run finished", "exit_code", code, "duration", time.Since(start))
	return code, nil
}

// removeRoot deletes an extraction root. Images can carry read-only
// directories, so a failed first pass makes every directory writable and
// tries again.
func removeRoot(root string) error {
	err := os.RemoveAll(root)
	if err == nil {
		return nil
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, 0o700)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return errors.Join(err, walkErr)
	}
	return os.RemoveAll(root)
}
