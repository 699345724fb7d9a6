// Package registry serves a Docker Hub-compatible registry and token
// endpoint in process. It backs pull tests with real manifests and blobs
// pushed through go-containerregistry.
package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Service is the token service name the hub expects.
const Service = "registry.docker.io"

// pullPattern matches GET requests for manifests and blobs.
var pullPattern = regexp.MustCompile(`^/v2/(.+)/(manifests|blobs)/(.+)$`)

// Hub is an in-process registry with a bearer token endpoint at /token.
// Manifest and blob reads require the token; pushes go through Push.
type Hub struct {
	URL string

	token   string
	handler http.Handler
	server  *httptest.Server

	mu          sync.Mutex
	scopes      []string
	blobFetches int
}

// Start launches a hub that hands out token.
func Start(token string) *Hub {
	h := &Hub{
		token:   token,
		handler: registry.New(registry.Logger(log.New(io.Discard, "", 0))),
	}
	h.server = httptest.NewServer(h)
	h.URL = h.server.URL
	return h
}

// Close shuts the hub down.
func (h *Hub) Close() {
	h.server.Close()
}

// AuthURL is the token endpoint.
func (h *Hub) AuthURL() string {
	return h.URL + "/token"
}

// Scopes returns the scopes requested from the token endpoint so far.
func (h *Hub) Scopes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.scopes...)
}

// BlobFetches returns how many blob GETs were served.
func (h *Hub) BlobFetches() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blobFetches
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/token" {
		h.serveToken(w, req)
		return
	}

	if req.Method == http.MethodGet {
		if matches := pullPattern.FindStringSubmatch(req.URL.Path); matches != nil {
			if req.Header.Get("Authorization") != "Bearer "+h.token {
				http.Error(w, `{"errors":[{"code":"UNAUTHORIZED"}]}`, http.StatusUnauthorized)
				return
			}
			if matches[2] == "blobs" {
				h.mu.Lock()
				h.blobFetches++
				h.mu.Unlock()
			}
		}
	}

	h.handler.ServeHTTP(w, req)
}

func (h *Hub) serveToken(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("service") != Service {
		http.Error(w, "unknown service", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.scopes = append(h.scopes, req.URL.Query().Get("scope"))
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": h.token})
}

// Push uploads an image built from layers as library/{repo}:{tag}.
func (h *Hub) Push(ctx context.Context, repo, tag string, layers ...v1.Layer) error {
	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return fmt.Errorf("assemble image: %w", err)
	}

	host := strings.TrimPrefix(h.URL, "http://")
	ref, err := name.ParseReference(fmt.Sprintf("%s/library/%s:%s", host, repo, tag), name.Insecure)
	if err != nil {
		return fmt.Errorf("parse reference: %w", err)
	}

	if err := remote.Write(ref, img,
		remote.WithContext(ctx),
		remote.WithTransport(&bearerTransport{token: h.token, base: http.DefaultTransport}),
	); err != nil {
		return fmt.Errorf("push %s: %w", ref, err)
	}
	return nil
}

// bearerTransport attaches the hub token to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// Entry is one member of a layer archive.
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte // tar.TypeReg when zero
	Linkname string
}

// Layer builds a gzip layer from entries, in order.
func Layer(entries ...Entry) (v1.Layer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     e.Mode,
			Typeflag: e.Type,
			Linkname: e.Linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
			if hdr.Typeflag == tar.TypeDir {
				hdr.Mode = 0o755
			}
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write header %s: %w", e.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, e.Body); err != nil {
				return nil, fmt.Errorf("write body %s: %w", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}

	data := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}
