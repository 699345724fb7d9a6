package images_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/hubrun/lib/images"
	hubotel "github.com/onkernel/hubrun/lib/otel"
	"github.com/onkernel/hubrun/lib/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func hubConfig(t *testing.T, hub *registry.Hub) images.RegistryConfig {
	return images.RegistryConfig{
		RegistryURL:   hub.URL,
		AuthURL:       hub.AuthURL(),
		AuthService:   registry.Service,
		VerifyDigests: true,
		SpillDir:      t.TempDir(),
	}
}

func TestAcquireImage(t *testing.T) {
	hub := registry.Start("pull-token")
	t.Cleanup(hub.Close)

	base, err := registry.Layer(
		registry.Entry{Name: "bin/echo", Body: "echo-v1", Mode: 0o755},
		registry.Entry{Name: "etc/os-release", Body: "ID=test"},
	)
	require.NoError(t, err)
	top, err := registry.Layer(
		registry.Entry{Name: "bin/echo", Body: "echo-v2", Mode: 0o755},
		registry.Entry{Name: "etc/motd", Body: "hello"},
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, hub.Push(ctx, "testimg", "1.0", base, top))

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := hubotel.NewPullMetrics(meter)
	require.NoError(t, err)

	spill := t.TempDir()
	cfg := hubConfig(t, hub)
	cfg.SpillDir = spill
	puller := images.NewPuller(
		images.NewRegistryClient(cfg, nil),
		images.ExtractOptions{HonorWhiteouts: true},
		images.WithPullMetrics(metrics),
	)

	root := t.TempDir()
	result, err := puller.AcquireImage(ctx, "testimg:1.0", root)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Layers)
	assert.Equal(t, "testimg:1.0", result.Reference.String())
	assert.Positive(t, result.Bytes)

	echo, err := os.ReadFile(filepath.Join(root, "bin/echo"))
	require.NoError(t, err)
	assert.Equal(t, "echo-v2", string(echo))
	assert.FileExists(t, filepath.Join(root, "etc/os-release"))
	assert.FileExists(t, filepath.Join(root, "etc/motd"))

	fi, err := os.Stat(filepath.Join(root, "bin/echo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	assert.Equal(t, []string{"repository:library/testimg:pull"}, hub.Scopes())
	assert.Equal(t, 2, hub.BlobFetches())

	leftovers, err := os.ReadDir(spill)
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["hubrun_image_pulls_total"])
	assert.True(t, names["hubrun_image_layers_total"])
}

func TestAcquireImageZeroLayers(t *testing.T) {
	hub := registry.Start("pull-token")
	t.Cleanup(hub.Close)

	ctx := context.Background()
	require.NoError(t, hub.Push(ctx, "scratch", "latest"))

	puller := images.NewPuller(images.NewRegistryClient(hubConfig(t, hub), nil), images.ExtractOptions{})

	root := t.TempDir()
	result, err := puller.AcquireImage(ctx, "scratch", root)
	require.NoError(t, err)
	assert.Zero(t, result.Layers)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, hub.BlobFetches())
}

func TestAcquireImageWhiteoutAcrossLayers(t *testing.T) {
	hub := registry.Start("pull-token")
	t.Cleanup(hub.Close)

	base, err := registry.Layer(
		registry.Entry{Name: "var/cache/apk/index", Body: "stale"},
		registry.Entry{Name: "var/log/keep", Body: "k"},
	)
	require.NoError(t, err)
	top, err := registry.Layer(
		registry.Entry{Name: "var/cache/.wh.apk"},
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, hub.Push(ctx, "slim", "latest", base, top))

	puller := images.NewPuller(
		images.NewRegistryClient(hubConfig(t, hub), nil),
		images.ExtractOptions{HonorWhiteouts: true},
	)

	root := t.TempDir()
	_, err = puller.AcquireImage(ctx, "slim", root)
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(root, "var/cache/apk"))
	assert.FileExists(t, filepath.Join(root, "var/log/keep"))
}

func TestAcquireImageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid reference", func(t *testing.T) {
		puller := images.NewPuller(images.NewRegistryClient(images.RegistryConfig{}, nil), images.ExtractOptions{})
		_, err := puller.AcquireImage(ctx, "a:b:c", t.TempDir())
		require.ErrorIs(t, err, images.ErrInvalidReference)
	})

	t.Run("unknown tag", func(t *testing.T) {
		hub := registry.Start("pull-token")
		t.Cleanup(hub.Close)

		puller := images.NewPuller(images.NewRegistryClient(hubConfig(t, hub), nil), images.ExtractOptions{})
		_, err := puller.AcquireImage(ctx, "missing:1", t.TempDir())
		require.ErrorIs(t, err, images.ErrManifest)
	})

	t.Run("malformed manifest fetches no blobs", func(t *testing.T) {
		var blobFetches int
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token":"t"}`)
		})
		mux.HandleFunc("/v2/library/broken/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"schemaVersion": 2, "layers": [{"digest": `)
		})
		mux.HandleFunc("/v2/library/broken/blobs/", func(w http.ResponseWriter, r *http.Request) {
			blobFetches++
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		client := images.NewRegistryClient(images.RegistryConfig{
			RegistryURL: srv.URL,
			AuthURL:     srv.URL + "/token",
		}, srv.Client())
		puller := images.NewPuller(client, images.ExtractOptions{})

		_, err := puller.AcquireImage(ctx, "broken", t.TempDir())
		require.ErrorIs(t, err, images.ErrManifest)
		assert.Zero(t, blobFetches)
	})

	t.Run("corrupt layer aborts and leaves earlier layers", func(t *testing.T) {
		hub := registry.Start("pull-token")
		t.Cleanup(hub.Close)

		good, err := registry.Layer(registry.Entry{Name: "first", Body: "1"})
		require.NoError(t, err)
		evil, err := registry.Layer(registry.Entry{Name: "../escape", Body: "x"})
		require.NoError(t, err)
		require.NoError(t, hub.Push(ctx, "evil", "latest", good, evil))

		puller := images.NewPuller(images.NewRegistryClient(hubConfig(t, hub), nil), images.ExtractOptions{})

		base := t.TempDir()
		root := filepath.Join(base, "root")
		require.NoError(t, os.Mkdir(root, 0o755))

		_, err = puller.AcquireImage(ctx, "evil", root)
		require.ErrorIs(t, err, images.ErrPathTraversal)
		assert.FileExists(t, filepath.Join(root, "first"))
		assert.NoFileExists(t, filepath.Join(base, "escape"))
	})

	t.Run("missing root", func(t *testing.T) {
		hub := registry.Start("pull-token")
		t.Cleanup(hub.Close)

		puller := images.NewPuller(images.NewRegistryClient(hubConfig(t, hub), nil), images.ExtractOptions{})
		_, err := puller.AcquireImage(ctx, "alpine", filepath.Join(t.TempDir(), "nope"))
		require.ErrorIs(t, err, images.ErrExtraction)
	})
}
