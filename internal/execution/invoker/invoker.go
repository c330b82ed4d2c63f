// Package invoker sends stage payloads to stage functions.
//
// Two strategies satisfy Invoker: Live posts the payload to the function
// gateway, Simulated synthesizes a placeholder result locally without any
// network traffic. The strategy is chosen once by New; callers never branch
// on which one produced a result.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/env"
)

// Invoker runs one stage and returns its result. It fails only when the stage
// could not be reached or answered outside the 2xx range; no partial result
// is returned alongside an error.
type Invoker interface {
	Invoke(ctx context.Context, stage string, payload domain.StagePayload) (domain.StageResult, error)
}

// StatusPolicy decides how a stage-reported status=error inside a 2xx
// response is treated.
type StatusPolicy string

const (
	// StatusLenient treats any 2xx response as success.
	StatusLenient StatusPolicy = "lenient"
	// StatusStrict turns a decoded status=error into a StageApplicationError.
	StatusStrict StatusPolicy = "strict"
)

type Config struct {
	DryRun        bool
	GatewayURL    string
	Bucket        string
	MemoryLimitMB int
	Timeout       time.Duration
	StatusPolicy  StatusPolicy
	OAuth         OAuthConfig
}

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (o OAuthConfig) Enabled() bool {
	return strings.TrimSpace(o.TokenURL) != ""
}

// ConfigFromEnv reads invoker settings. Bucket and MemoryLimitMB are filled
// by the caller from the object store config and the detected memory limit.
func ConfigFromEnv() (Config, error) {
	dryRun, err := env.Bool("ORCHESTRATOR_DRY_RUN", true)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("STAGE_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DryRun:       dryRun,
		GatewayURL:   strings.TrimRight(env.String("GATEWAY_URL", "http://gateway.openfaas:8080"), "/"),
		Timeout:      timeout,
		StatusPolicy: StatusPolicy(strings.ToLower(env.String("STAGE_STATUS_POLICY", string(StatusLenient)))),
		OAuth: OAuthConfig{
			TokenURL:     env.String("GATEWAY_TOKEN_URL", ""),
			ClientID:     env.String("GATEWAY_CLIENT_ID", ""),
			ClientSecret: env.String("GATEWAY_CLIENT_SECRET", ""),
			Scopes:       env.List("GATEWAY_SCOPES", nil),
		},
	}
	if err := cfg.validateEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validateEnv() error {
	switch c.StatusPolicy {
	case StatusLenient, StatusStrict:
	default:
		return fmt.Errorf("STAGE_STATUS_POLICY must be one of: lenient, strict (got %q)", c.StatusPolicy)
	}
	if c.Timeout < 0 {
		return errors.New("STAGE_TIMEOUT must be >= 0")
	}
	if c.DryRun {
		return nil
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("GATEWAY_URL must be an absolute url (got %q)", c.GatewayURL)
	}
	if c.OAuth.Enabled() && strings.TrimSpace(c.OAuth.ClientID) == "" {
		return errors.New("GATEWAY_CLIENT_ID is required when GATEWAY_TOKEN_URL is set")
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.validateEnv(); err != nil {
		return err
	}
	if c.DryRun {
		if strings.TrimSpace(c.Bucket) == "" {
			return errors.New("bucket is required for simulated stages")
		}
		if c.MemoryLimitMB <= 0 {
			return errors.New("memory limit must be positive")
		}
	}
	return nil
}

// New builds the strategy selected by cfg, wrapped with its status policy.
func New(ctx context.Context, cfg Config) (Invoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var inv Invoker
	if cfg.DryRun {
		inv = NewSimulated(cfg.Bucket, cfg.MemoryLimitMB)
	} else {
		client := NewHTTPClient(ctx, cfg.OAuth)
		live, err := NewLive(cfg.GatewayURL, client, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		inv = live
	}
	return WithStatusPolicy(inv, cfg.StatusPolicy), nil
}
