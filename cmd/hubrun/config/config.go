package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/adrg/xdg"
	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/onkernel/hubrun/lib/images"
)

type Config struct {
	RegistryURL string
	AuthURL     string
	AuthService string

	RootBaseDir  string
	SpillDir     string
	MaxLayerSize datasize.ByteSize

	VerifyDigests  bool
	HonorWhiteouts bool

	LogLevel  string
	LogFormat string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelServiceName string
}

// Load loads configuration from environment variables.
// A .env file in the working directory and $XDG_CONFIG_HOME/hubrun/hubrun.env
// are read first if present; real environment variables win over both.
func Load() (*Config, error) {
	// Fail silently when the files are missing.
	_ = godotenv.Load()
	if path, err := xdg.SearchConfigFile("hubrun/hubrun.env"); err == nil {
		_ = godotenv.Load(path)
	}

	maxLayer, err := parseSize(getEnv("MAX_LAYER_SIZE", "4GB"))
	if err != nil {
		return nil, fmt.Errorf("MAX_LAYER_SIZE: %w", err)
	}
	verify, err := getEnvBool("VERIFY_DIGESTS", true)
	if err != nil {
		return nil, err
	}
	whiteouts, err := getEnvBool("HONOR_WHITEOUTS", true)
	if err != nil {
		return nil, err
	}
	otelEnabled, err := getEnvBool("OTEL_ENABLED", false)
	if err != nil {
		return nil, err
	}
	otelInsecure, err := getEnvBool("OTEL_INSECURE", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RegistryURL:     getEnv("REGISTRY_URL", images.DefaultRegistryURL),
		AuthURL:         getEnv("AUTH_URL", images.DefaultAuthURL),
		AuthService:     getEnv("AUTH_SERVICE", images.DefaultAuthService),
		RootBaseDir:     getEnv("ROOT_BASE_DIR", ""),
		SpillDir:        getEnv("SPILL_DIR", ""),
		MaxLayerSize:    maxLayer,
		VerifyDigests:   verify,
		HonorWhiteouts:  whiteouts,
		LogLevel:        getEnv("LOG_LEVEL", "warn"),
		LogFormat:       getEnv("LOG_FORMAT", "auto"),
		OtelEnabled:     otelEnabled,
		OtelEndpoint:    getEnv("OTEL_ENDPOINT", ""),
		OtelInsecure:    otelInsecure,
		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "hubrun"),
	}

	return cfg, nil
}

// RegistryConfig is the registry client configuration.
func (c *Config) RegistryConfig() images.RegistryConfig {
	return images.RegistryConfig{
		RegistryURL:   c.RegistryURL,
		AuthURL:       c.AuthURL,
		AuthService:   c.AuthService,
		MaxBlobBytes:  int64(c.MaxLayerSize.Bytes()),
		VerifyDigests: c.VerifyDigests,
		SpillDir:      c.SpillDir,
	}
}

func parseSize(s string) (datasize.ByteSize, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return size, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
