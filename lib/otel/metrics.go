package otel

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PullMetrics holds metrics for image acquisition.
type PullMetrics struct {
	PullsTotal   metric.Int64Counter
	LayersTotal  metric.Int64Counter
	LayerBytes   metric.Int64Counter
	PullDuration metric.Float64Histogram
}

// NewPullMetrics creates metrics for image acquisition.
func NewPullMetrics(meter metric.Meter) (*PullMetrics, error) {
	pullsTotal, err := meter.Int64Counter(
		"hubrun_image_pulls_total",
		metric.WithDescription("Total number of image pulls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	layersTotal, err := meter.Int64Counter(
		"hubrun_image_layers_total",
		metric.WithDescription("Total number of layers extracted"),
	)
	if err != nil {
		return nil, err
	}

	layerBytes, err := meter.Int64Counter(
		"hubrun_image_layer_bytes_total",
		metric.WithDescription("Compressed layer bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	pullDuration, err := meter.Float64Histogram(
		"hubrun_image_pull_duration_seconds",
		metric.WithDescription("Time to authenticate, fetch and extract an image"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &PullMetrics{
		PullsTotal:   pullsTotal,
		LayersTotal:  layersTotal,
		LayerBytes:   layerBytes,
		PullDuration: pullDuration,
	}, nil
}

// RecordPull records a finished pull.
func (m *PullMetrics) RecordPull(ctx context.Context, image, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("image", image),
		attribute.String("status", status),
	)
	m.PullsTotal.Add(ctx, 1, attrs)
	m.PullDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLayer records one extracted layer.
func (m *PullMetrics) RecordLayer(ctx context.Context, mediaType string, size int64) {
	attrs := metric.WithAttributes(attribute.String("media_type", mediaType))
	m.LayersTotal.Add(ctx, 1, attrs)
	m.LayerBytes.Add(ctx, size, attrs)
}

// RunMetrics holds metrics for isolated command runs.
type RunMetrics struct {
	RunsTotal   metric.Int64Counter
	RunDuration metric.Float64Histogram
}

// NewRunMetrics creates metrics for isolated command runs.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	runsTotal, err := meter.Int64Counter(
		"hubrun_runs_total",
		metric.WithDescription("Total number of runs by exit code"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"hubrun_run_duration_seconds",
		metric.WithDescription("Wall time of a run including the image pull"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		RunsTotal:   runsTotal,
		RunDuration: runDuration,
	}, nil
}

// RecordRun records a finished run.
func (m *RunMetrics) RecordRun(ctx context.Context, image string, exitCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("image", image),
		attribute.String("exit_code", strconv.Itoa(exitCode)),
	)
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, duration.Seconds(), attrs)
}
