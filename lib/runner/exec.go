package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/onkernel/hubrun/lib/jail"
	"github.com/onkernel/hubrun/lib/logger"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// killGrace is how long a canceled command gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Result is a finished command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Execute runs the command inside the confined root and captures its
// output. A command killed by a signal reports exit code 1.
//
// It must be called from the goroutine that confined the process so the
// child is created in the new PID namespace.
func Execute(ctx context.Context, confined *jail.Confined, spec *CommandSpec) (*Result, error) {
	if confined == nil {
		return nil, fmt.Errorf("%w: process is not confined", ErrSpawn)
	}
	logger.FromContext(ctx).DebugContext(ctx, "spawning command",
		"executable", spec.Executable,
		"args", spec.Args,
		"isolation", confined.State().String())
	return execute(ctx, spec, os.Stdin)
}

func execute(ctx context.Context, spec *CommandSpec, stdin io.Reader) (*Result, error) {
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Dir = "/"
	cmd.Env = childEnv(os.Environ())
	cmd.Stdin = stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, spec.Executable, err)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})
	// Pipes must be drained before Wait closes them.
	copyErr := g.Wait()

	result := &Result{ExitCode: 0}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for %s: %w", spec.Executable, err)
		}
		result.ExitCode = exitCode(exitErr.ExitCode())
	}
	if copyErr != nil {
		return nil, fmt.Errorf("capture output: %w", copyErr)
	}

	result.Stdout = outBuf.Bytes()
	result.Stderr = errBuf.Bytes()
	return result, nil
}

// Relay writes captured output verbatim.
func Relay(result *Result, stdout, stderr io.Writer) error {
	if _, err := stdout.Write(result.Stdout); err != nil {
		return fmt.Errorf("relay stdout: %w", err)
	}
	if _, err := stderr.Write(result.Stderr); err != nil {
		return fmt.Errorf("relay stderr: %w", err)
	}
	return nil
}

// exitCode maps an unavailable code (signal death) to 1.
func exitCode(code int) int {
	if code < 0 {
		return 1
	}
	return code
}

// childEnv drops our own stage variables from env.
func childEnv(env []string) []string {
	return lo.Filter(env, func(kv string, _ int) bool {
		return !strings.HasPrefix(kv, envPrefix)
	})
}
