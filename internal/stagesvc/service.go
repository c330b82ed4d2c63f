// Package stagesvc is the runtime shared by stage functions: it decodes a
// stage payload, times the stage's processor and answers with a StageResult
// carrying cost metrics and the instance's cold start flag.
package stagesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
)

// Processor does a stage's work and returns its output artifacts plus any
// stage-specific metrics for StageMetrics.Extra.
type Processor interface {
	Process(ctx context.Context, payload domain.StagePayload) ([]domain.ArtifactRef, domain.Fields, error)
}

type ProcessorFunc func(ctx context.Context, payload domain.StagePayload) ([]domain.ArtifactRef, domain.Fields, error)

func (f ProcessorFunc) Process(ctx context.Context, payload domain.StagePayload) ([]domain.ArtifactRef, domain.Fields, error) {
	return f(ctx, payload)
}

// Service is one stage instance. coldStart belongs to the instance, so the
// first Handle after construction reports a cold start and later ones do not.
type Service struct {
	name          string
	memoryLimitMB int
	processor     Processor
	logger        *slog.Logger
	coldStart     domain.ColdStart
	now           func() time.Time
}

func New(name string, memoryLimitMB int, processor Processor, logger *slog.Logger) (*Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("stage name is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if memoryLimitMB <= 0 {
		return nil, errors.New("memory limit must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:          name,
		memoryLimitMB: memoryLimitMB,
		processor:     processor,
		logger:        logger.With("stage", name),
		now:           time.Now,
	}, nil
}

func (s *Service) Name() string { return s.name }

// Handle runs the processor for raw. A payload that cannot be decoded is
// answered with an error-status result; a processor failure is returned as
// an error so the caller can fail the HTTP exchange.
func (s *Service) Handle(ctx context.Context, raw []byte) (domain.StageResult, error) {
	payload, err := s.decode(raw)
	if err != nil {
		s.logger.Warn("invalid payload", "error", err)
		return domain.StageResult{
			RequestID: payload.RequestID,
			Stage:     s.name,
			Outputs:   []domain.ArtifactRef{},
			Metrics:   domain.NewMetrics(0, s.memoryLimitMB, false),
			Status:    domain.StageError,
			Message:   err.Error(),
		}, nil
	}

	logger := s.logger.With("request_id", payload.RequestID)
	logger.Info("stage started", "input_uri", payload.InputURI)

	start := s.now()
	outputs, extra, err := s.processor.Process(ctx, payload)
	elapsed := s.now().Sub(start)
	cold := s.coldStart.Take()
	if err != nil {
		logger.Error("stage failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		return domain.StageResult{}, fmt.Errorf("%s: %w", s.name, err)
	}

	metrics := domain.NewMetrics(elapsed, s.memoryLimitMB, cold)
	if extra != nil {
		metrics.Extra = extra.Clone()
	}
	if outputs == nil {
		outputs = []domain.ArtifactRef{}
	}
	logger.Info("stage completed",
		"duration_ms", metrics.DurationMs,
		"cold_start", cold,
		"outputs", len(outputs),
	)
	return domain.StageResult{
		RequestID: payload.RequestID,
		Stage:     s.name,
		Outputs:   outputs,
		Metrics:   metrics,
		Status:    domain.StageSuccess,
	}, nil
}

func (s *Service) decode(raw []byte) (domain.StagePayload, error) {
	var payload domain.StagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.StagePayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(payload.RequestID) == "" {
		return payload, errors.New("request_id is required")
	}
	if strings.TrimSpace(payload.InputURI) == "" {
		return payload, errors.New("input_uri is required")
	}
	if payload.Stage == "" {
		payload.Stage = s.name
	}
	if payload.Config == nil {
		payload.Config = domain.Fields{}
	}
	if payload.Fanout == nil {
		payload.Fanout = domain.Fields{}
	}
	return payload, nil
}
