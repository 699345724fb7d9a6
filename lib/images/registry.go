package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/onkernel/hubrun/lib/logger"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	DefaultRegistryURL = "https://registry.hub.docker.com"
	DefaultAuthURL     = "https://auth.docker.io/token"
	DefaultAuthService = "registry.docker.io"

	// errorBodyLimit bounds how much of a failed response is quoted in errors.
	errorBodyLimit = 512
)

// PullToken is a bearer credential scoped to pulling one repository.
type PullToken string

// RegistryConfig describes the registry and its token endpoint.
type RegistryConfig struct {
	RegistryURL string
	AuthURL     string
	AuthService string

	// MaxBlobBytes rejects layers larger than this. Zero means no limit.
	MaxBlobBytes int64

	// VerifyDigests checks every downloaded blob against its digest.
	VerifyDigests bool

	// SpillDir holds per-layer spill files. Empty means os.TempDir().
	SpillDir string
}

// RegistryClient talks to a Docker Hub-compatible registry.
type RegistryClient struct {
	cfg        RegistryConfig
	httpClient *http.Client
}

// NewRegistryClient creates a client. A nil httpClient uses http.DefaultClient.
func NewRegistryClient(cfg RegistryConfig, httpClient *http.Client) *RegistryClient {
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = DefaultRegistryURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.AuthService == "" {
		cfg.AuthService = DefaultAuthService
	}
	cfg.RegistryURL = strings.TrimRight(cfg.RegistryURL, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RegistryClient{cfg: cfg, httpClient: httpClient}
}

// tokenResponse is the token endpoint envelope. Docker Hub sends both
// fields; other token servers may only send access_token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Authenticate obtains a pull-scoped token for ref's repository.
func (c *RegistryClient) Authenticate(ctx context.Context, ref *Reference) (PullToken, error) {
	u, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse auth url: %w", ErrAuth, err)
	}
	q := u.Query()
	q.Set("service", c.cfg.AuthService)
	q.Set("scope", "repository:"+ref.Repository()+":pull")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrAuth, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decode token response: %w", ErrAuth, err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: token response carried no token", ErrAuth)
	}

	logger.FromContext(ctx).DebugContext(ctx, "obtained pull token", "repository", ref.Repository())
	return PullToken(token), nil
}

// manifestAccept lists the manifest media types we can consume, preferred first.
var manifestAccept = strings.Join([]string{
	string(types.DockerManifestSchema2),
	ocispec.MediaTypeImageManifest,
}, ", ")

// FetchManifest fetches the manifest ref's tag points at. Only the layer
// list is used.
func (c *RegistryClient) FetchManifest(ctx context.Context, ref *Reference, token PullToken) (*v1.Manifest, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/manifests/%s", c.cfg.RegistryURL, ref.Repository(), ref.Tag())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrManifest, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.Set("Accept", manifestAccept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	manifest, err := v1.ParseManifest(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", ErrManifest, err)
	}

	mediaType := manifest.MediaType
	if mediaType == "" {
		mediaType = types.MediaType(resp.Header.Get("Content-Type"))
	}
	if mediaType.IsIndex() {
		return nil, fmt.Errorf("%w: %s resolved to a manifest list (%s)", ErrManifest, ref, mediaType)
	}

	logger.FromContext(ctx).DebugContext(ctx, "fetched manifest",
		"image", ref.String(),
		"media_type", string(mediaType),
		"layers", len(manifest.Layers))
	return manifest, nil
}

// FetchLayerBlob downloads one layer into a spill file. The caller must
// Close the returned blob, which also removes the spill file.
func (c *RegistryClient) FetchLayerBlob(ctx context.Context, ref *Reference, layer v1.Descriptor, token PullToken) (*Blob, error) {
	if c.cfg.MaxBlobBytes > 0 && layer.Size > c.cfg.MaxBlobBytes {
		return nil, fmt.Errorf("%w: %s declares %d bytes, limit is %d", ErrBlobFetch, layer.Digest, layer.Size, c.cfg.MaxBlobBytes)
	}

	endpoint := fmt.Sprintf("%s/v2/%s/blobs/%s", c.cfg.RegistryURL, ref.Repository(), layer.Digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrBlobFetch, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.Set("Accept", string(layer.MediaType))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlobFetch, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBlobFetch, layer.Digest, err)
	}

	blob, err := spool(resp.Body, layer, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBlobFetch, layer.Digest, err)
	}
	return blob, nil
}

// checkStatus turns a non-2xx response into an error quoting the body.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
