package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/execution/executor"
	"github.com/fave-labs/fave-go/internal/execution/state"
	"github.com/fave-labs/fave-go/internal/platform/httpserver"
)

const maxRequestBytes = 1 << 20

type pipelineRunner interface {
	Handle(ctx context.Context, raw []byte) executor.Response
}

type stateReader interface {
	Get(ctx context.Context, requestID string) (domain.RequestState, error)
}

type orchestratorAPI struct {
	logger *slog.Logger
	runner pipelineRunner
	states stateReader
}

func newOrchestratorAPI(logger *slog.Logger, runner pipelineRunner, states stateReader) *orchestratorAPI {
	return &orchestratorAPI{
		logger: logger,
		runner: runner,
		states: states,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", api.handleSubmit)
	mux.HandleFunc("POST /requests", api.handleSubmit)
	mux.HandleFunc("GET /requests/{request_id}", api.handleGetRequest)
}

// handleSubmit runs the pipeline synchronously. Rejected requests answer 400
// and failed runs 500; both carry the error envelope.
func (api *orchestratorAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	resp := api.runner.Handle(r.Context(), raw)
	httpserver.WriteJSON(w, responseStatus(resp), resp)
}

func responseStatus(resp executor.Response) int {
	switch {
	case resp.Status == executor.StatusOK:
		return http.StatusOK
	case resp.RequestID == "":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (api *orchestratorAPI) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.PathValue("request_id"))
	if requestID == "" || strings.ContainsAny(requestID, "/\\") {
		httpserver.WriteError(w, r, http.StatusBadRequest, "request_id_required", "")
		return
	}

	st, err := api.states.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
			return
		}
		api.logger.Error("state read failed", "request_id", requestID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}
