package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/onkernel/hubrun/cmd/hubrun/config"
	"github.com/onkernel/hubrun/lib/logger"
	hubotel "github.com/onkernel/hubrun/lib/otel"
	"github.com/onkernel/hubrun/lib/providers"
	"github.com/onkernel/hubrun/lib/runner"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	providers.Version = version

	if runner.IsInitStage() {
		os.Exit(runInitStage())
	}
	os.Exit(runCLI())
}

func runCLI() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var root cli
	kctx := kong.Parse(&root,
		kong.Name("hubrun"),
		kong.Description("Pull an official Docker Hub image and run a command inside it, confined to the image filesystem and a fresh PID namespace."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubrun: config: %v\n", err)
		return 1
	}
	cfg.LogLevel = root.logLevel(cfg.LogLevel)
	kctx.Bind(cfg)

	err = kctx.Run()
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubrun: %v\n", err)
		return 1
	}
	return 0
}

// runInitStage is the re-executed child: it confines itself to the root the
// parent prepared and runs the command there.
func runInitStage() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubrun: config: %v\n", err)
		return 1
	}
	log := providers.ProvideLogger(cfg, hubotel.NewNoop())
	ctx = logger.AddToContext(ctx, log)

	root, spec, err := runner.InitFromEnv(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubrun: %v\n", err)
		return 1
	}
	return runner.RunInit(ctx, root, spec, os.Stdout, os.Stderr)
}
