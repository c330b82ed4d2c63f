package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/execution/invoker"
	"github.com/fave-labs/fave-go/internal/platform/httpserver"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
	"github.com/fave-labs/fave-go/internal/stagesvc"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

const testBucket = "fave-artifacts"

type runner struct {
	srv     *httptest.Server
	objects *objectstore.MemoryStore
	reg     *prometheus.Registry
}

func newRunner(t *testing.T, cfg stageRunnerConfig) runner {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	objects := objectstore.NewMemoryStore()
	if err := objectstore.WriteBytes(context.Background(), objects, testBucket, "requests/req-1/input/original.mp4", []byte("video"), "video/mp4"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	relay, err := stagesvc.NewRelayProcessor(objects, testBucket)
	if err != nil {
		t.Fatalf("NewRelayProcessor: %v", err)
	}
	reg := prometheus.NewRegistry()
	api := newStageRunnerAPI(cfg, logger, telemetry.New(reg), func(name string) (*stagesvc.Service, error) {
		return stagesvc.New(name, 1024, relay, logger)
	})
	mux := http.NewServeMux()
	api.register(mux)
	srv := httptest.NewServer(httpserver.Wrap(logger, mux))
	t.Cleanup(srv.Close)
	return runner{srv: srv, objects: objects, reg: reg}
}

func payload(stage, input string) domain.StagePayload {
	return domain.StagePayload{
		RequestID: "req-1",
		Stage:     stage,
		InputURI:  input,
		Config:    domain.Fields{domain.KeyProfile: domain.StringValue("default")},
		Fanout:    domain.Fields{},
	}
}

func TestLiveInvokerAgainstRunner(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{})
	live, err := invoker.NewLive(rn.srv.URL, nil, 0)
	if err != nil {
		t.Fatalf("NewLive: %v", err)
	}

	ctx := context.Background()
	first, err := live.Invoke(ctx, "stage-ffmpeg-0", payload("stage-ffmpeg-0", "s3://fave-artifacts/requests/req-1/input/original.mp4"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if first.Status != domain.StageSuccess || !first.Metrics.ColdStart || first.Metrics.MemoryLimitMB != 1024 {
		t.Fatalf("first=%+v", first)
	}
	want := "s3://fave-artifacts/requests/req-1/stage-ffmpeg-0/original.mp4"
	if first.LastOutput("") != want {
		t.Fatalf("outputs=%+v", first.Outputs)
	}

	second, err := live.Invoke(ctx, "stage-ffmpeg-0", payload("stage-ffmpeg-0", want))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if second.Metrics.ColdStart {
		t.Fatalf("second invocation of the same stage must be warm")
	}

	other, err := live.Invoke(ctx, "stage-librosa", payload("stage-librosa", want))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !other.Metrics.ColdStart {
		t.Fatalf("each stage starts cold")
	}

	expected := `
# HELP fave_stage_invocations_total Stage invocations by stage and result status.
# TYPE fave_stage_invocations_total counter
fave_stage_invocations_total{stage="stage-ffmpeg-0",status="success"} 2
fave_stage_invocations_total{stage="stage-librosa",status="success"} 1
`
	if err := testutil.GatherAndCompare(rn.reg, strings.NewReader(expected), "fave_stage_invocations_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func TestRunnerMissingInputIsTransportError(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{})
	live, _ := invoker.NewLive(rn.srv.URL, nil, 0)

	_, err := live.Invoke(context.Background(), "stage-librosa", payload("stage-librosa", "s3://fave-artifacts/missing.mp4"))
	var terr *invoker.StageTransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err=%v", err)
	}
	if terr.StatusCode != http.StatusInternalServerError || !strings.Contains(terr.Body, "stage_failed") {
		t.Fatalf("transport error=%+v", terr)
	}
}

func TestRunnerDefaultStage(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{DefaultStage: "stage-ffmpeg-1"})
	body, _ := json.Marshal(payload("", "s3://fave-artifacts/requests/req-1/input/original.mp4"))

	resp, err := http.Post(rn.srv.URL+"/", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var res domain.StageResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Stage != "stage-ffmpeg-1" {
		t.Fatalf("stage=%q", res.Stage)
	}
	if ok, _ := rn.objects.Exists(context.Background(), testBucket, "requests/req-1/stage-ffmpeg-1/original.mp4"); !ok {
		t.Fatalf("relayed object missing")
	}
}

func TestRunnerWithoutDefaultStage(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{})
	resp, err := http.Post(rn.srv.URL+"/", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestRunnerAllowlist(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{Allowed: []string{"stage-librosa"}})
	resp, err := http.Post(rn.srv.URL+"/function/stage-deepspeech", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestRunnerInvalidPayloadAnswersErrorStatus(t *testing.T) {
	rn := newRunner(t, stageRunnerConfig{})
	live, _ := invoker.NewLive(rn.srv.URL, nil, 0)

	strict := invoker.WithStatusPolicy(live, invoker.StatusStrict)
	_, err := strict.Invoke(context.Background(), "stage-librosa", domain.StagePayload{RequestID: "req-1", Stage: "stage-librosa"})
	var aerr *invoker.StageApplicationError
	if !errors.As(err, &aerr) || !strings.Contains(aerr.Message, "input_uri") {
		t.Fatalf("err=%v", err)
	}

	res, err := live.Invoke(context.Background(), "stage-librosa", domain.StagePayload{RequestID: "req-1", Stage: "stage-librosa"})
	if err != nil || res.Status != domain.StageError {
		t.Fatalf("lenient res=%+v err=%v", res, err)
	}
}
