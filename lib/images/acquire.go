package images

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/onkernel/hubrun/lib/logger"
	hubotel "github.com/onkernel/hubrun/lib/otel"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Pull outcomes recorded in metrics.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PullResult describes a completed acquisition.
type PullResult struct {
	Reference *Reference
	Layers    int
	Bytes     int64 // compressed bytes downloaded
	Entries   int   // filesystem objects extracted
}

// Puller acquires images into a root directory: authenticate, fetch the
// manifest, then fetch and extract each layer in manifest order.
type Puller struct {
	client  *RegistryClient
	extract ExtractOptions
	metrics *hubotel.PullMetrics
	tracer  trace.Tracer
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

// WithPullMetrics records pull metrics.
func WithPullMetrics(m *hubotel.PullMetrics) PullerOption {
	return func(p *Puller) { p.metrics = m }
}

// WithTracer records spans for the pull and each layer.
func WithTracer(t trace.Tracer) PullerOption {
	return func(p *Puller) { p.tracer = t }
}

// NewPuller creates a Puller.
func NewPuller(client *RegistryClient, extract ExtractOptions, opts ...PullerOption) *Puller {
	p := &Puller{
		client:  client,
		extract: extract,
		tracer:  tracenoop.NewTracerProvider().Tracer(hubotel.Scope),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AcquireImage parses ref and populates root with the image's layers.
func (p *Puller) AcquireImage(ctx context.Context, ref string, root string) (*PullResult, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, parsed, root)
}

// Acquire populates root with the image's layers. Layers are applied
// strictly in manifest order and one at a time; each blob is released
// before the next is fetched. On failure whatever was extracted stays in
// root, which the caller owns.
func (p *Puller) Acquire(ctx context.Context, ref *Reference, root string) (result *PullResult, err error) {
	log := logger.FromContext(ctx).With("image", ref.String())
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "images.Acquire", trace.WithAttributes(
		attribute.String("image", ref.String()),
	))
	defer func() {
		status := StatusSuccess
		if err != nil {
			status = StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.metrics != nil {
			p.metrics.RecordPull(ctx, ref.String(), status, time.Since(start))
		}
	}()

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: extraction root: %w", ErrExtraction, err)
	}

	token, err := p.client.Authenticate(ctx, ref)
	if err != nil {
		return nil, err
	}

	manifest, err := p.client.FetchManifest(ctx, ref, token)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "pulling image",
		"layers", len(manifest.Layers),
		"digests", lo.Map(manifest.Layers, func(l v1.Descriptor, _ int) string {
			return l.Digest.String()
		}))

	result = &PullResult{Reference: ref}
	for i, layer := range manifest.Layers {
		size, entries, err := p.applyLayer(ctx, ref, layer, token, root)
		if err != nil {
			return nil, fmt.Errorf("layer %d/%d: %w", i+1, len(manifest.Layers), err)
		}
		result.Layers++
		result.Bytes += size
		result.Entries += entries
	}

	log.InfoContext(ctx, "image ready",
		"layers", result.Layers,
		"size", datasize.ByteSize(result.Bytes).HumanReadable(),
		"duration", time.Since(start))
	return result, nil
}

// applyLayer fetches one blob and extracts it. The blob is closed before
// returning so at most one spill file exists at a time.
func (p *Puller) applyLayer(ctx context.Context, ref *Reference, layer v1.Descriptor, token PullToken, root string) (int64, int, error) {
	ctx, span := p.tracer.Start(ctx, "images.applyLayer", trace.WithAttributes(
		attribute.String("digest", layer.Digest.String()),
		attribute.String("media_type", string(layer.MediaType)),
	))
	defer span.End()

	blob, err := p.client.FetchLayerBlob(ctx, ref, layer, token)
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}
	defer blob.Close()

	stats, err := ExtractLayer(ctx, blob, root, p.extract)
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}

	if p.metrics != nil {
		p.metrics.RecordLayer(ctx, string(layer.MediaType), blob.Size)
	}
	logger.FromContext(ctx).DebugContext(ctx, "layer extracted",
		"digest", layer.Digest.String(),
		"size", datasize.ByteSize(blob.Size).HumanReadable(),
		"entries", stats.Entries,
		"whiteouts", stats.Whiteouts,
		"skipped", stats.Skipped)
	return blob.Size, stats.Entries, nil
}
