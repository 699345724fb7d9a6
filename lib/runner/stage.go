package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/onkernel/hubrun/lib/jail"
	"github.com/onkernel/hubrun/lib/logger"
)

// The init stage is this binary re-executed with these variables set. It
// confines itself and runs the command while the parent keeps ownership of
// the extraction root.
const (
	envPrefix = "HUBRUN_"
	stageEnv  = envPrefix + "STAGE"
	rootEnv   = envPrefix + "ROOT"
	imageEnv  = envPrefix + "IMAGE"

	stageInit = "init"
)

// IsInitStage reports whether this process is the init stage.
func IsInitStage() bool {
	return os.Getenv(stageEnv) == stageInit
}

// InitFromEnv recovers the root and command passed to the init stage.
// args are the stage's arguments: executable first.
func InitFromEnv(args []string) (string, *CommandSpec, error) {
	root := os.Getenv(rootEnv)
	if root == "" {
		return "", nil, fmt.Errorf("%w: %s is not set", ErrInvalidCommand, rootEnv)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: no executable given", ErrInvalidCommand)
	}
	spec, err := ParseCommandSpec(os.Getenv(imageEnv), args[0], args[1:])
	if err != nil {
		return "", nil, err
	}
	return root, spec, nil
}

// RunInit confines the process to root, runs the command and relays its
// output. It returns the process exit code. After it returns the process
// is chrooted and must exit.
func RunInit(ctx context.Context, root string, spec *CommandSpec, stdout, stderr io.Writer) int {
	log := logger.FromContext(ctx)

	confined, err := jail.Bootstrap(ctx, root, spec.Executable)
	if err != nil {
		log.ErrorContext(ctx, "isolation failed", "error", err)
		fmt.Fprintf(stderr, "hubrun: %v\n", err)
		return 1
	}

	result, err := Execute(ctx, confined, spec)
	if err != nil {
		log.ErrorContext(ctx, "command failed", "error", err)
		fmt.Fprintf(stderr, "hubrun: %v\n", err)
		return 1
	}

	if err := Relay(result, stdout, stderr); err != nil {
		log.ErrorContext(ctx, "relay failed", "error", err)
		return 1
	}

	log.DebugContext(ctx, "command exited", "exit_code", result.ExitCode)
	return result.ExitCode
}

// reexec launches the init stage for root and waits for it. The stage's
// stdio is ours, so its relayed output reaches the caller directly.
func reexec(ctx context.Context, root string, spec *CommandSpec) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 1, fmt.Errorf("%w: locate own binary: %w", ErrSpawn, err)
	}

	cmd := exec.CommandContext(ctx, self, append([]string{spec.Executable}, spec.Args...)...)
	cmd.Env = append(os.Environ(),
		stageEnv+"="+stageInit,
		rootEnv+"="+root,
		imageEnv+"="+spec.Image.String(),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Forward cancellation as SIGTERM so the stage can stop its child.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * killGrace

	logger.FromContext(ctx).DebugContext(ctx, "starting init stage", "binary", self, "root", root)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitCode(exitErr.ExitCode()), nil
		}
		return 1, fmt.Errorf("%w: init stage: %w", ErrSpawn, err)
	}
	return 0, nil
}
