package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/onkernel/hubrun/cmd/hubrun/config"
	"github.com/onkernel/hubrun/lib/logger"
	"github.com/onkernel/hubrun/lib/runner"
)

// cli is the root command.
type cli struct {
	Quiet   bool `short:"q" help:"Only log errors."`
	Verbose bool `short:"v" help:"Log pipeline progress."`
	Debug   bool `short:"d" help:"Log everything."`

	Run     runCmd     `cmd:"" help:"Pull an image and run a command confined to it."`
	Version versionCmd `cmd:"" help:"Show version information."`
}

// logLevel applies the verbosity flags over the configured level.
func (c *cli) logLevel(configured string) string {
	switch {
	case c.Debug:
		return "debug"
	case c.Verbose:
		return "info"
	case c.Quiet:
		return "error"
	default:
		return configured
	}
}

// exitCode carries a command's non-zero exit status back to main.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// runCmd is `hubrun run <image> <executable> [args...]`.
type runCmd struct {
	Image   string   `arg:"" help:"Official Docker Hub image, name[:tag]."`
	Command []string `arg:"" passthrough:"" help:"Absolute path of the executable inside the image, then its arguments."`
}

func (c *runCmd) Run(ctx context.Context, cfg *config.Config) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("%w: no executable given", runner.ErrInvalidCommand)
	}
	spec, err := runner.ParseCommandSpec(c.Image, c.Command[0], c.Command[1:])
	if err != nil {
		return err
	}

	// The init stage reads its level from the environment.
	if err := os.Setenv("LOG_LEVEL", cfg.LogLevel); err != nil {
		return err
	}

	app, cleanup, err := initializeApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer cleanup()

	slog.SetDefault(app.Logger)
	ctx = logger.AddToContext(ctx, app.Logger)

	code, err := app.Runner.Run(ctx, spec)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCode(code)
	}
	return nil
}

// versionCmd is `hubrun version`.
type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Println("hubrun", version)
	return nil
}
