package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*RegistryConfig)) *RegistryClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := RegistryConfig{
		RegistryURL:   srv.URL,
		AuthURL:       srv.URL + "/token",
		AuthService:   "registry.docker.io",
		VerifyDigests: true,
		SpillDir:      t.TempDir(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewRegistryClient(cfg, srv.Client())
}

func descriptor(content string) v1.Descriptor {
	sum := sha256.Sum256([]byte(content))
	return v1.Descriptor{
		MediaType: types.DockerLayer,
		Size:      int64(len(content)),
		Digest:    v1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(sum[:])},
	}
}

func mustRef(t *testing.T, s string) *Reference {
	t.Helper()
	ref, err := ParseReference(s)
	require.NoError(t, err)
	return ref
}

func TestAuthenticate(t *testing.T) {
	t.Run("token field", func(t *testing.T) {
		var scope, service string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			scope = r.URL.Query().Get("scope")
			service = r.URL.Query().Get("service")
			fmt.Fprint(w, `{"token":"abc","access_token":"ignored"}`)
		})

		token, err := c.Authenticate(context.Background(), mustRef(t, "alpine"))
		require.NoError(t, err)
		assert.Equal(t, PullToken("abc"), token)
		assert.Equal(t, "repository:library/alpine:pull", scope)
		assert.Equal(t, "registry.docker.io", service)
	})

	t.Run("access_token fallback", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"access_token":"xyz"}`)
		})

		token, err := c.Authenticate(context.Background(), mustRef(t, "alpine"))
		require.NoError(t, err)
		assert.Equal(t, PullToken("xyz"), token)
	})

	failures := map[string]http.HandlerFunc{
		"non-2xx": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token":`)
		},
		"empty token": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{}`)
		},
	}
	for name, handler := range failures {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			_, err := c.Authenticate(context.Background(), mustRef(t, "alpine"))
			require.ErrorIs(t, err, ErrAuth)
		})
	}

	t.Run("transport failure", func(t *testing.T) {
		c := NewRegistryClient(RegistryConfig{AuthURL: "http://127.0.0.1:1/token"}, nil)
		_, err := c.Authenticate(context.Background(), mustRef(t, "alpine"))
		require.ErrorIs(t, err, ErrAuth)
	})
}

const schema2Manifest = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {
    "mediaType": "application/vnd.docker.container.image.v1+json",
    "size": 2,
    "digest": "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
  },
  "layers": [
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 10,
      "digest": "sha256:1111111111111111111111111111111111111111111111111111111111111111"
    },
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 20,
      "digest": "sha256:2222222222222222222222222222222222222222222222222222222222222222"
    }
  ]
}`

func TestFetchManifest(t *testing.T) {
	var path, accept, auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		accept = r.Header.Get("Accept")
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", string(types.DockerManifestSchema2))
		fmt.Fprint(w, schema2Manifest)
	})

	m, err := c.FetchManifest(context.Background(), mustRef(t, "alpine:3.18"), "tok")
	require.NoError(t, err)

	assert.Equal(t, "/v2/library/alpine/manifests/3.18", path)
	assert.Contains(t, accept, string(types.DockerManifestSchema2))
	assert.Equal(t, "Bearer tok", auth)
	require.Len(t, m.Layers, 2)
	assert.Equal(t, "1111111111111111111111111111111111111111111111111111111111111111", m.Layers[0].Digest.Hex)
	assert.Equal(t, "2222222222222222222222222222222222222222222222222222222222222222", m.Layers[1].Digest.Hex)
}

func TestFetchManifestFailures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"not found": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
		},
		"malformed json": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"layers": [`)
		},
		"manifest list": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json","manifests":[]}`)
		},
		"oci index by content type": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", string(types.OCIImageIndex))
			fmt.Fprint(w, `{"schemaVersion":2,"manifests":[]}`)
		},
	}

	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, handler)
			_, err := c.FetchManifest(context.Background(), mustRef(t, "alpine"), "tok")
			require.ErrorIs(t, err, ErrManifest)
		})
	}
}

func TestFetchLayerBlob(t *testing.T) {
	content := "layer-bytes"
	layer := descriptor(content)

	var path, accept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		accept = r.Header.Get("Accept")
		io.WriteString(w, content)
	})

	blob, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), layer, "tok")
	require.NoError(t, err)

	assert.Equal(t, "/v2/library/alpine/blobs/"+layer.Digest.String(), path)
	assert.Equal(t, string(types.DockerLayer), accept)
	assert.Equal(t, int64(len(content)), blob.Size)

	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	spill := blob.Name()
	require.NoError(t, blob.Close())
	assert.NoFileExists(t, spill)
}

func TestFetchLayerBlobFailures(t *testing.T) {
	content := "layer-bytes"

	t.Run("non-2xx", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		})
		_, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), descriptor(content), "tok")
		require.ErrorIs(t, err, ErrBlobFetch)
		assert.Contains(t, err.Error(), "gone")
	})

	t.Run("digest mismatch", func(t *testing.T) {
		spill := t.TempDir()
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "tampered!!!")
		}, func(cfg *RegistryConfig) { cfg.SpillDir = spill })

		_, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), descriptor(content), "tok")
		require.ErrorIs(t, err, ErrBlobFetch)

		entries, err := os.ReadDir(spill)
		require.NoError(t, err)
		assert.Empty(t, entries, "spill file should be removed on failure")
	})

	t.Run("digest mismatch tolerated when verification is off", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "tampered!!!")
		}, func(cfg *RegistryConfig) { cfg.VerifyDigests = false })

		blob, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), descriptor(content), "tok")
		require.NoError(t, err)
		blob.Close()
	})

	t.Run("declared size over limit", func(t *testing.T) {
		var hits int
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits++
			io.WriteString(w, content)
		}, func(cfg *RegistryConfig) { cfg.MaxBlobBytes = 4 })

		_, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), descriptor(content), "tok")
		require.ErrorIs(t, err, ErrBlobFetch)
		assert.Zero(t, hits)
	})

	t.Run("body over limit", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, strings.Repeat("x", 64))
		}, func(cfg *RegistryConfig) {
			cfg.MaxBlobBytes = 32
			cfg.VerifyDigests = false
		})

		layer := descriptor("short")
		_, err := c.FetchLayerBlob(context.Background(), mustRef(t, "alpine"), layer, "tok")
		require.ErrorIs(t, err, ErrBlobFetch)
	})
}
