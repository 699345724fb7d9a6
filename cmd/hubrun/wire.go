//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/hubrun/cmd/hubrun/config"
	hubotel "github.com/onkernel/hubrun/lib/otel"
	"github.com/onkernel/hubrun/lib/providers"
	"github.com/onkernel/hubrun/lib/runner"
)

// application struct to hold initialized components
type application struct {
	Ctx       context.Context
	Logger    *slog.Logger
	Config    *config.Config
	Telemetry *hubotel.Provider
	Runner    *runner.Runner
}

// initializeApp is the injector function
func initializeApp(ctx context.Context, cfg *config.Config) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideRegistryClient,
		providers.ProvidePullMetrics,
		providers.ProvidePuller,
		providers.ProvideRunMetrics,
		providers.ProvideRunner,
		wire.Struct(new(application), "*"),
	))
}
