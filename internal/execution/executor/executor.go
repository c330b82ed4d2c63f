// Package executor drives one pipeline request through its state machine:
// accept, stage input, run the linear prefix, fan out per clip and per
// frame, then finalize the request state exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/execution/invoker"
	"github.com/fave-labs/fave-go/internal/execution/plan"
	"github.com/fave-labs/fave-go/internal/execution/state"
	"github.com/fave-labs/fave-go/internal/ledger"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the outbound envelope. Message holds the field errors of a
// rejected request or the error text of a failed run.
type Response struct {
	Status    string                 `json:"status"`
	RequestID string                 `json:"request_id,omitempty"`
	Result    *domain.PipelineResult `json:"result,omitempty"`
	Message   any                    `json:"message,omitempty"`
}

type Deps struct {
	Plans   *plan.Registry
	Invoker invoker.Invoker
	States  *state.Store
	Stager  *InputStager
	Ledger  ledger.Recorder
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type Executor struct {
	cfg     Config
	plans   *plan.Registry
	invoker invoker.Invoker
	states  *state.Store
	stager  *InputStager
	ledger  ledger.Recorder
	metrics *telemetry.Metrics
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if deps.States == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Stager == nil {
		return nil, errors.New("input stager is required")
	}
	plans := deps.Plans
	if plans == nil {
		var err error
		if plans, err = plan.NewRegistry(nil); err != nil {
			return nil, err
		}
	}
	rec := deps.Ledger
	if rec == nil {
		rec = ledger.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		plans:   plans,
		invoker: deps.Invoker,
		states:  deps.States,
		stager:  deps.Stager,
		ledger:  rec,
		metrics: deps.Metrics,
		logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
	}, nil
}

// run carries the per-request values every stage invocation needs.
type run struct {
	id     string
	req    domain.Request
	def    plan.Definition
	config domain.Fields
	logger *slog.Logger
}

// Handle decodes raw and runs it. Malformed requests are rejected without
// creating any state.
func (e *Executor) Handle(ctx context.Context, raw []byte) Response {
	req, err := domain.DecodeRequest(raw)
	if err != nil {
		e.logger.Warn("invalid request", "error", err)
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return Response{Status: StatusError, Message: verr.Fields}
		}
		return Response{Status: StatusError, Message: err.Error()}
	}
	return e.Run(ctx, req)
}

// Run executes a validated request. The returned response always reflects
// the terminal state written for the request.
func (e *Executor) Run(ctx context.Context, req domain.Request) Response {
	start := e.now()
	r := &run{
		id:  e.newID(),
		req: req,
		def: e.plans.Resolve(req.Profile),
	}
	r.logger = e.logger.With("request_id", r.id)
	r.config = stageConfig(req)

	accepted := domain.RequestState{
		RequestID: r.id,
		Profile:   req.Profile,
		Status:    domain.RequestAccepted,
		SourceURI: req.VideoURI,
		Stages:    []domain.StageEntry{},
	}
	if err := e.states.Save(ctx, accepted); err != nil {
		r.logger.Error("state write failed", "status", domain.RequestAccepted, "error", err)
		return Response{Status: StatusError, RequestID: r.id, Message: err.Error()}
	}
	e.record(ctx, r, accepted)
	r.logger.Info("request accepted", "profile", req.Profile, "video_uri", req.VideoURI)

	result, err := e.execute(ctx, r)
	return e.finalize(ctx, r, start, result, err)
}

func (e *Executor) execute(ctx context.Context, r *run) (*domain.PipelineResult, error) {
	inputURI, err := e.stager.Stage(ctx, r.id, r.req.VideoURI)
	if err != nil {
		return nil, err
	}
	r.logger.Info("input staged", "input_uri", inputURI)
	if err := e.transition(ctx, r, domain.RequestInputStaged, func(st *domain.RequestState) {
		st.InputURI = inputURI
	}); err != nil {
		return nil, err
	}

	if err := e.transition(ctx, r, domain.RequestLinearRunning, nil); err != nil {
		return nil, err
	}
	linear, clips, err := e.runLinear(ctx, r, inputURI)
	if err != nil {
		return nil, err
	}

	if err := e.transition(ctx, r, domain.RequestFanoutRunning, nil); err != nil {
		return nil, err
	}
	clipResults, err := e.runClips(ctx, r, clips)
	if err != nil {
		return nil, err
	}
	return &domain.PipelineResult{Linear: linear, Clips: clipResults}, nil
}

func (e *Executor) transition(ctx context.Context, r *run, status domain.RequestStatus, mutate func(*domain.RequestState)) error {
	st, err := e.states.Update(ctx, r.id, func(st *domain.RequestState) error {
		st.Status = status
		if mutate != nil {
			mutate(st)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s state: %w", status, err)
	}
	e.record(ctx, r, st)
	return nil
}

// finalize writes the single terminal state. It runs detached from ctx so a
// cancelled caller still leaves the request COMPLETED or FAILED.
func (e *Executor) finalize(ctx context.Context, r *run, start time.Time, result *domain.PipelineResult, runErr error) Response {
	ctx = context.WithoutCancel(ctx)
	elapsed := e.now().Sub(start)
	metrics := &domain.RequestMetrics{
		DurationMs:    elapsed.Milliseconds(),
		MemoryLimitMB: e.cfg.MemoryLimitMB,
		CostUnit:      domain.CostUnit(elapsed.Milliseconds(), e.cfg.MemoryLimitMB),
	}

	status := domain.RequestCompleted
	if runErr != nil {
		status = domain.RequestFailed
	}
	st, err := e.states.Update(ctx, r.id, func(st *domain.RequestState) error {
		st.Status = status
		st.Metrics = metrics
		if runErr != nil {
			st.Error = runErr.Error()
			return nil
		}
		st.Error = ""
		st.Result = result
		return nil
	})
	e.metrics.ObserveRequest(string(status), elapsed)
	if err != nil {
		r.logger.Error("terminal state write failed", "status", status, "error", err)
		msg := fmt.Sprintf("persist %s state: %v", status, err)
		if runErr != nil {
			msg = runErr.Error() + "; " + msg
		}
		return Response{Status: StatusError, RequestID: r.id, Message: msg}
	}
	e.record(ctx, r, st)

	if runErr != nil {
		r.logger.Error("request failed", "duration_ms", metrics.DurationMs, "error", runErr)
		return Response{Status: StatusError, RequestID: r.id, Message: runErr.Error()}
	}
	r.logger.Info("request completed",
		"duration_ms", metrics.DurationMs,
		"cost_unit", metrics.CostUnit,
		"clips", len(result.Clips),
	)
	return Response{Status: StatusOK, RequestID: r.id, Result: result}
}

// record forwards a state change to the ledger. The state document stays
// authoritative, so ledger failures are logged and otherwise ignored.
func (e *Executor) record(ctx context.Context, r *run, st domain.RequestState) {
	if err := e.ledger.Record(ctx, ledger.FromState(st)); err != nil {
		r.logger.Warn("ledger write failed", "status", st.Status, "error", err)
	}
}

func stageConfig(req domain.Request) domain.Fields {
	cfg := domain.Fields{domain.KeyProfile: domain.StringValue(req.Profile)}
	if req.Query != "" {
		cfg[domain.KeyQuery] = domain.StringValue(req.Query)
	}
	if len(req.Metadata) > 0 {
		cfg[domain.KeyMetadata] = domain.MapValue(req.Metadata)
	}
	return cfg
}

// outputHint is the prefix a stage should write its artifacts under.
func (e *Executor) outputHint(requestID, stage string, fanout domain.Fields) string {
	key := fmt.Sprintf("requests/%s/%s/", requestID, stage)
	if clip, ok := fanout.Int(domain.KeyClipIndex); ok {
		key += fmt.Sprintf("clip-%04d/", clip)
	}
	if frame, ok := fanout.Int(domain.KeyFrameIndex); ok {
		key += fmt.Sprintf("frame-%04d/", frame)
	}
	return objectstore.URI(e.cfg.Bucket, key)
}
