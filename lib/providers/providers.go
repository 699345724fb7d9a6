package providers

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/onkernel/hubrun/cmd/hubrun/config"
	"github.com/onkernel/hubrun/lib/images"
	"github.com/onkernel/hubrun/lib/logger"
	hubotel "github.com/onkernel/hubrun/lib/otel"
	"github.com/onkernel/hubrun/lib/runner"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/term"
)

// Version is reported to telemetry as the service version.
var Version = "dev"

// ProvideTelemetry provides the OpenTelemetry providers
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*hubotel.Provider, func(), error) {
	provider, err := hubotel.Init(ctx, hubotel.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		ServiceName: cfg.OtelServiceName,
		Version:     Version,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return provider, cleanup, nil
}

// ProvideLogger provides a structured logger writing to stderr
func ProvideLogger(cfg *config.Config, telemetry *hubotel.Provider) *slog.Logger {
	opts := logger.Options{
		Level:  logger.ParseLevel(cfg.LogLevel, slog.LevelWarn),
		Format: logFormat(cfg.LogFormat),
	}
	if cfg.OtelEnabled {
		opts.Extra = append(opts.Extra, otelslog.NewHandler(hubotel.Scope,
			otelslog.WithLoggerProvider(telemetry.LoggerProvider),
			otelslog.WithVersion(Version),
		))
	}
	return logger.New(os.Stderr, opts)
}

// logFormat resolves "auto" to text on a terminal and JSON otherwise.
func logFormat(format string) string {
	if format != "auto" {
		return format
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "text"
	}
	return "json"
}

// ProvideRegistryClient provides the registry client with an instrumented transport
func ProvideRegistryClient(cfg *config.Config, telemetry *hubotel.Provider) *images.RegistryClient {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(telemetry.TracerProvider),
			otelhttp.WithMeterProvider(telemetry.MeterProvider),
		),
	}
	return images.NewRegistryClient(cfg.RegistryConfig(), httpClient)
}

// ProvidePullMetrics provides image pull metrics
func ProvidePullMetrics(telemetry *hubotel.Provider) (*hubotel.PullMetrics, error) {
	return hubotel.NewPullMetrics(telemetry.Meter())
}

// ProvidePuller provides the image puller
func ProvidePuller(cfg *config.Config, client *images.RegistryClient, metrics *hubotel.PullMetrics, telemetry *hubotel.Provider) *images.Puller {
	return images.NewPuller(client,
		images.ExtractOptions{HonorWhiteouts: cfg.HonorWhiteouts},
		images.WithPullMetrics(metrics),
		images.WithTracer(telemetry.Tracer()),
	)
}

// ProvideRunMetrics provides run metrics
func ProvideRunMetrics(telemetry *hubotel.Provider) (*hubotel.RunMetrics, error) {
	return hubotel.NewRunMetrics(telemetry.Meter())
}

// ProvideRunner provides the runner
func ProvideRunner(cfg *config.Config, puller *images.Puller, metrics *hubotel.RunMetrics) *runner.Runner {
	return runner.NewRunner(puller, cfg.RootBaseDir, metrics)
}
