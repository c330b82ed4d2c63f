package executor

import (
	"errors"
	"strings"

	"github.com/fave-labs/fave-go/internal/platform/env"
)

type Config struct {
	Bucket           string
	MemoryLimitMB    int
	EnableDetector   bool
	ClipConcurrency  int
	FrameConcurrency int
	PipelineFile     string
}

// ConfigFromEnv reads executor settings. Bucket and MemoryLimitMB come from
// the object store config and memlimit.Detect.
func ConfigFromEnv() (Config, error) {
	detector, err := env.Bool("ENABLE_OBJECT_DETECTOR", true)
	if err != nil {
		return Config{}, err
	}
	clips, err := env.Int("ORCHESTRATOR_CLIP_CONCURRENCY", 1)
	if err != nil {
		return Config{}, err
	}
	frames, err := env.Int("ORCHESTRATOR_FRAME_CONCURRENCY", 1)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		EnableDetector:   detector,
		ClipConcurrency:  clips,
		FrameConcurrency: frames,
		PipelineFile:     env.String("ORCHESTRATOR_PIPELINE_FILE", ""),
	}
	if cfg.ClipConcurrency < 1 {
		return Config{}, errors.New("ORCHESTRATOR_CLIP_CONCURRENCY must be >= 1")
	}
	if cfg.FrameConcurrency < 1 {
		return Config{}, errors.New("ORCHESTRATOR_FRAME_CONCURRENCY must be >= 1")
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.MemoryLimitMB <= 0 {
		return errors.New("memory limit must be positive")
	}
	if c.ClipConcurrency < 1 || c.FrameConcurrency < 1 {
		return errors.New("concurrency limits must be >= 1")
	}
	return nil
}
