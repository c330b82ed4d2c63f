package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fave-labs/fave-go/internal/platform/httpserver"
	"github.com/fave-labs/fave-go/internal/stagesvc"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

const maxPayloadBytes = 1 << 20

type stageRunnerConfig struct {
	// DefaultStage answers POST /. Empty disables the root route.
	DefaultStage string
	// Allowed restricts /function/{stage}; empty accepts any stage name.
	Allowed []string
}

// stageRunnerAPI hosts one stagesvc.Service per stage name. Services are
// built on first use and kept, so each stage reports its own cold start.
type stageRunnerAPI struct {
	cfg        stageRunnerConfig
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	newService func(name string) (*stagesvc.Service, error)

	mu       sync.Mutex
	services map[string]*stagesvc.Service
}

func newStageRunnerAPI(cfg stageRunnerConfig, logger *slog.Logger, metrics *telemetry.Metrics, newService func(string) (*stagesvc.Service, error)) *stageRunnerAPI {
	cfg.DefaultStage = strings.TrimSpace(cfg.DefaultStage)
	return &stageRunnerAPI{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		newService: newService,
		services:   make(map[string]*stagesvc.Service),
	}
}

func (api *stageRunnerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", api.handleDefault)
	mux.HandleFunc("POST /function/{stage}", api.handleFunction)
}

func (api *stageRunnerAPI) handleDefault(w http.ResponseWriter, r *http.Request) {
	if api.cfg.DefaultStage == "" {
		httpserver.WriteError(w, r, http.StatusNotFound, "stage_not_configured", "STAGE_NAME is not set")
		return
	}
	api.serve(w, r, api.cfg.DefaultStage)
}

func (api *stageRunnerAPI) handleFunction(w http.ResponseWriter, r *http.Request) {
	stage := strings.TrimSpace(r.PathValue("stage"))
	if stage == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "stage_required", "")
		return
	}
	if len(api.cfg.Allowed) > 0 && !slices.Contains(api.cfg.Allowed, stage) {
		httpserver.WriteError(w, r, http.StatusNotFound, "unknown_stage", stage)
		return
	}
	api.serve(w, r, stage)
}

func (api *stageRunnerAPI) serve(w http.ResponseWriter, r *http.Request, stage string) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	svc, err := api.service(stage)
	if err != nil {
		api.logger.Error("stage init failed", "stage", stage, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "stage_init_failed", err.Error())
		return
	}

	start := time.Now()
	result, err := svc.Handle(r.Context(), raw)
	if err != nil {
		api.metrics.ObserveStageError(stage, time.Since(start))
		httpserver.WriteError(w, r, http.StatusInternalServerError, "stage_failed", err.Error())
		return
	}
	api.metrics.ObserveStage(stage, string(result.Status), time.Since(start), result.Metrics.CostUnit, result.Metrics.ColdStart)
	httpserver.WriteJSON(w, http.StatusOK, result)
}

func (api *stageRunnerAPI) service(stage string) (*stagesvc.Service, error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if svc, ok := api.services[stage]; ok {
		return svc, nil
	}
	svc, err := api.newService(stage)
	if err != nil {
		return nil, err
	}
	api.services[stage] = svc
	return svc, nil
}
