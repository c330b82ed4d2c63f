package objectstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fave-labs/fave-go/internal/platform/env"
)

const (
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

type Config struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ARTIFACT_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:   strings.ToLower(env.String("ARTIFACT_STORE", BackendMinIO)),
		Endpoint:  env.String("ARTIFACT_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("ARTIFACT_ACCESS_KEY", "minioadmin"),
		SecretKey: env.String("ARTIFACT_SECRET_KEY", "minioadmin"),
		Region:    env.String("ARTIFACT_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ARTIFACT_BUCKET", "fave-artifacts"),
	}
	cfg, err = cfg.normalizeEndpoint()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeEndpoint accepts "http://host:port" style endpoints and folds the
// scheme into UseSSL, since the MinIO client wants a bare host.
func (c Config) normalizeEndpoint() (Config, error) {
	if !strings.Contains(c.Endpoint, "://") {
		return c, nil
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return Config{}, fmt.Errorf("parse ARTIFACT_ENDPOINT: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		c.UseSSL = true
	case "http":
	default:
		return Config{}, fmt.Errorf("ARTIFACT_ENDPOINT scheme unsupported: %q", u.Scheme)
	}
	c.Endpoint = u.Host
	return c, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		if strings.TrimSpace(c.Bucket) == "" {
			return errors.New("bucket is required")
		}
		return nil
	case BackendMinIO:
	default:
		return fmt.Errorf("ARTIFACT_STORE must be one of: minio, memory (got %q)", c.Backend)
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
