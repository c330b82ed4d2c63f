package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/execution/invoker"
	"github.com/fave-labs/fave-go/internal/execution/plan"
	"github.com/fave-labs/fave-go/internal/execution/state"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

const testBucket = "fave-artifacts"

type harness struct {
	exec    *Executor
	objects *objectstore.MemoryStore
	states  *state.Store
}

func newHarness(t *testing.T, inv invoker.Invoker, mutate func(*Config)) harness {
	t.Helper()
	objects := objectstore.NewMemoryStore()
	states, err := state.New(objects, testBucket)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	stager, err := NewInputStager(objects, testBucket, nil)
	if err != nil {
		t.Fatalf("NewInputStager: %v", err)
	}
	cfg := Config{
		Bucket:           testBucket,
		MemoryLimitMB:    512,
		EnableDetector:   true,
		ClipConcurrency:  1,
		FrameConcurrency: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := New(cfg, Deps{
		Invoker: inv,
		States:  states,
		Stager:  stager,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exec.newID = func() string { return "req-1" }
	return harness{exec: exec, objects: objects, states: states}
}

func videoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, "fake-video-bytes")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// scripted answers every stage with one output unless respond overrides it.
type scripted struct {
	mu      sync.Mutex
	calls   []domain.StagePayload
	respond func(p domain.StagePayload) (domain.StageResult, error)
}

func (s *scripted) Invoke(ctx context.Context, stage string, p domain.StagePayload) (domain.StageResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(p)
	}
	return success(p, ref(fmt.Sprintf("s3://%s/requests/%s/%s/out.bin", testBucket, p.RequestID, p.Stage), nil)), nil
}

func (s *scripted) callsFor(stage string) []domain.StagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StagePayload
	for _, c := range s.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

func success(p domain.StagePayload, outputs ...domain.ArtifactRef) domain.StageResult {
	return domain.StageResult{
		RequestID: p.RequestID,
		Stage:     p.Stage,
		Outputs:   outputs,
		Metrics:   domain.NewMetrics(10*time.Millisecond, 512, false),
		Status:    domain.StageSuccess,
	}
}

func ref(uri string, meta domain.Fields) domain.ArtifactRef {
	if meta == nil {
		meta = domain.Fields{}
	}
	return domain.ArtifactRef{Type: domain.ArtifactReference, URI: uri, Metadata: meta}
}

func TestDryRunExampleCompletes(t *testing.T) {
	h := newHarness(t, invoker.NewSimulated(testBucket, 512), nil)
	srv := videoServer(t)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v.mp4","profile":"default","query":"dog"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	if resp.RequestID != "req-1" {
		t.Fatalf("request id=%q", resp.RequestID)
	}
	if len(resp.Result.Linear) != 3 {
		t.Fatalf("linear=%d, want 3", len(resp.Result.Linear))
	}
	if len(resp.Result.Clips) != 1 {
		t.Fatalf("clips=%d, want 1", len(resp.Result.Clips))
	}
	clip := resp.Result.Clips[0]
	if len(clip.Stages) != 4 {
		t.Fatalf("clip stages=%d, want 4", len(clip.Stages))
	}
	wantStages := []string{"stage-ffmpeg-2", "stage-deepspeech", "stage-ffmpeg-3", "stage-object-detector"}
	for i, entry := range clip.Stages {
		if entry.Stage != wantStages[i] {
			t.Fatalf("clip stage %d=%q, want %q", i, entry.Stage, wantStages[i])
		}
		if entry.Status != domain.StageSimulated {
			t.Fatalf("clip stage %s status=%q", entry.Stage, entry.Status)
		}
	}
	if idx, _ := clip.Stages[3].Fanout.Int(domain.KeyFrameIndex); idx != 0 {
		t.Fatalf("frame index=%d", idx)
	}

	st, err := h.states.Get(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Status != domain.RequestCompleted {
		t.Fatalf("state=%q", st.Status)
	}
	if len(st.Stages) != 7 {
		t.Fatalf("logged stages=%d, want 7", len(st.Stages))
	}
	if st.Result == nil || st.Metrics == nil || st.Metrics.MemoryLimitMB != 512 {
		t.Fatalf("terminal state missing result or metrics: %+v", st)
	}
	if st.InputURI != "s3://fave-artifacts/requests/req-1/input/original.mp4" {
		t.Fatalf("input uri=%q", st.InputURI)
	}
	data, err := objectstore.ReadBytes(context.Background(), h.objects, testBucket, "requests/req-1/input/original.mp4")
	if err != nil || string(data) != "fake-video-bytes" {
		t.Fatalf("staged input=%q err=%v", data, err)
	}
}

func TestUnsupportedSchemeFails(t *testing.T) {
	inv := &scripted{}
	h := newHarness(t, inv, nil)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"ftp://host/v.mp4"}`))
	if resp.Status != StatusError {
		t.Fatalf("status=%q", resp.Status)
	}
	msg, _ := resp.Message.(string)
	if !strings.Contains(msg, `"ftp"`) {
		t.Fatalf("message %q does not name the scheme", msg)
	}
	st, err := h.states.Get(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Status != domain.RequestFailed || len(st.Stages) != 0 {
		t.Fatalf("state=%q stages=%d", st.Status, len(st.Stages))
	}
	if len(inv.calls) != 0 {
		t.Fatalf("no stage may run, got %d calls", len(inv.calls))
	}
}

func TestValidationErrorCreatesNoState(t *testing.T) {
	h := newHarness(t, &scripted{}, nil)

	resp := h.exec.Handle(context.Background(), []byte(`{"query":"dog"}`))
	if resp.Status != StatusError || resp.RequestID != "" {
		t.Fatalf("resp=%+v", resp)
	}
	fields, ok := resp.Message.([]domain.FieldError)
	if !ok || len(fields) != 1 || fields[0].Field != "video_uri" {
		t.Fatalf("message=%#v", resp.Message)
	}
	objs, _ := h.objects.List(context.Background(), testBucket, "requests/")
	if len(objs) != 0 {
		t.Fatalf("validation failure wrote %d objects", len(objs))
	}
}

func TestDetectorDisabledSkipsPerClip(t *testing.T) {
	inv := &scripted{}
	inv.respond = func(p domain.StagePayload) (domain.StageResult, error) {
		switch p.Stage {
		case "stage-ffmpeg-1":
			return success(p, ref("s3://b/clip-a.mp4", nil), ref("s3://b/clip-b.mp4", nil)), nil
		case "stage-ffmpeg-3":
			return success(p, ref("s3://b/frame_1.jpg", nil), ref("s3://b/frame_2.jpg", nil), ref("s3://b/frame_3.jpg", nil)), nil
		}
		return success(p, ref("s3://b/"+p.Stage, nil)), nil
	}
	h := newHarness(t, inv, func(c *Config) { c.EnableDetector = false })

	if err := objectstore.WriteBytes(context.Background(), h.objects, testBucket, "uploads/v.mp4", []byte("v"), "video/mp4"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"s3://fave-artifacts/uploads/v.mp4"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	if len(resp.Result.Clips) != 2 {
		t.Fatalf("clips=%d", len(resp.Result.Clips))
	}
	for _, clip := range resp.Result.Clips {
		last := clip.Stages[len(clip.Stages)-1]
		if len(clip.Stages) != 4 || last.Status != domain.StageSkipped || last.Message != msgDetectorDisabled {
			t.Fatalf("clip %d stages=%+v", clip.ClipIndex, clip.Stages)
		}
		if len(last.Outputs) != 0 || last.Metrics.CostUnit != 0 {
			t.Fatalf("skipped entry must be empty and free: %+v", last)
		}
	}
	if n := len(inv.callsFor("stage-object-detector")); n != 0 {
		t.Fatalf("detector called %d times", n)
	}
}

func TestFrameEntriesFollowFrameIndex(t *testing.T) {
	inv := &scripted{}
	inv.respond = func(p domain.StagePayload) (domain.StageResult, error) {
		if p.Stage == "stage-ffmpeg-3" {
			return success(p,
				ref("s3://b/frames/frame_0010.jpg", nil),
				ref("s3://b/frames/frame_0002.jpg", nil),
				ref("s3://b/frames/keyframe.jpg", domain.Fields{domain.KeyFrameIndex: domain.IntValue(5)}),
			), nil
		}
		return success(p, ref("s3://b/"+p.Stage+".bin", nil)), nil
	}
	h := newHarness(t, inv, nil)
	path := filepath.Join(t.TempDir(), "local.mov")
	if err := os.WriteFile(path, []byte("local"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+path+`"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	stages := resp.Result.Clips[0].Stages
	detections := stages[3:]
	wantIdx := []int{2, 5, 10}
	wantURI := []string{"s3://b/frames/frame_0002.jpg", "s3://b/frames/keyframe.jpg", "s3://b/frames/frame_0010.jpg"}
	if len(detections) != 3 {
		t.Fatalf("detections=%d, want 3", len(detections))
	}
	calls := inv.callsFor("stage-object-detector")
	for i, d := range detections {
		idx, _ := d.Fanout.Int(domain.KeyFrameIndex)
		if idx != wantIdx[i] {
			t.Fatalf("detection %d frame_index=%d, want %d", i, idx, wantIdx[i])
		}
		if calls[i].InputURI != wantURI[i] {
			t.Fatalf("detector call %d input=%q, want %q", i, calls[i].InputURI, wantURI[i])
		}
	}
	st, _ := h.states.Get(context.Background(), "req-1")
	if !strings.HasSuffix(st.InputURI, "/input/original.mov") {
		t.Fatalf("input uri=%q", st.InputURI)
	}
}

func TestClipOrderSurvivesConcurrency(t *testing.T) {
	const clips = 4
	inv := &scripted{}
	inv.respond = func(p domain.StagePayload) (domain.StageResult, error) {
		if p.Stage == "stage-ffmpeg-1" {
			outs := make([]domain.ArtifactRef, clips)
			for i := range outs {
				outs[i] = ref(fmt.Sprintf("s3://b/clip-%d.mp4", i), domain.Fields{domain.KeyClipIndex: domain.IntValue(i)})
			}
			return success(p, outs...), nil
		}
		if clip, ok := p.Fanout.Int(domain.KeyClipIndex); ok {
			// earlier clips finish last
			time.Sleep(time.Duration(clips-clip) * 5 * time.Millisecond)
		}
		if p.Stage == "stage-ffmpeg-3" {
			return success(p, ref("s3://b/f_1.jpg", nil), ref("s3://b/f_2.jpg", nil)), nil
		}
		return success(p, ref("s3://b/"+p.Stage, nil)), nil
	}
	h := newHarness(t, inv, func(c *Config) {
		c.ClipConcurrency = clips
		c.FrameConcurrency = 2
	})
	srv := videoServer(t)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	for i, clip := range resp.Result.Clips {
		if clip.ClipIndex != i || clip.InputURI != fmt.Sprintf("s3://b/clip-%d.mp4", i) {
			t.Fatalf("clip %d=%+v", i, clip)
		}
		if len(clip.Stages) != 5 {
			t.Fatalf("clip %d stages=%d", i, len(clip.Stages))
		}
	}
	st, _ := h.states.Get(context.Background(), "req-1")
	if want := 3 + clips*5; len(st.Stages) != want {
		t.Fatalf("logged stages=%d, want %d (lost updates)", len(st.Stages), want)
	}
}

func TestPassThroughOnEmptyOutput(t *testing.T) {
	inv := &scripted{}
	inv.respond = func(p domain.StagePayload) (domain.StageResult, error) {
		if p.Stage == "stage-librosa" {
			return success(p), nil
		}
		return success(p, ref("s3://b/"+p.Stage+".bin", nil)), nil
	}
	h := newHarness(t, inv, nil)
	srv := videoServer(t)

	if resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v.mp4"}`)); resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	next := inv.callsFor("stage-ffmpeg-1")
	if len(next) != 1 || next[0].InputURI != "s3://b/stage-ffmpeg-0.bin" {
		t.Fatalf("stage-ffmpeg-1 input=%+v", next)
	}
	first := inv.callsFor("stage-ffmpeg-0")[0]
	if first.OutputHint != "s3://fave-artifacts/requests/req-1/stage-ffmpeg-0/" {
		t.Fatalf("output hint=%q", first.OutputHint)
	}
	if p, _ := first.Config.String(domain.KeyProfile); p != domain.DefaultProfile {
		t.Fatalf("config profile=%q", p)
	}
}

func TestNoFramesRecordsSkippedDetection(t *testing.T) {
	inv := &scripted{}
	inv.respond = func(p domain.StagePayload) (domain.StageResult, error) {
		if p.Stage == "stage-ffmpeg-3" {
			return success(p), nil
		}
		return success(p, ref("s3://b/"+p.Stage, nil)), nil
	}
	h := newHarness(t, inv, nil)
	srv := videoServer(t)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v.mp4"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	last := resp.Result.Clips[0].Stages[3]
	if last.Status != domain.StageSkipped || last.Message != msgNoFrames {
		t.Fatalf("detection entry=%+v", last)
	}
}

func TestTransportErrorFailsRequest(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/function/stage-librosa" {
			http.Error(w, "librosa crashed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		stage := strings.TrimPrefix(r.URL.Path, "/function/")
		_, _ = fmt.Fprintf(w, `{"request_id":"req-1","stage":%q,"outputs":[{"type":"audio","uri":"s3://b/%s.wav","metadata":{}}],"metrics":{"duration_ms":1,"memory_limit_mb":512,"cold_start":false,"cost_unit":0,"extra":{}},"status":"success"}`, stage, stage)
	}))
	defer gateway.Close()

	live, err := invoker.NewLive(gateway.URL, gateway.Client(), 0)
	if err != nil {
		t.Fatalf("NewLive: %v", err)
	}
	h := newHarness(t, live, nil)
	srv := videoServer(t)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v.mp4"}`))
	if resp.Status != StatusError {
		t.Fatalf("status=%q", resp.Status)
	}
	if msg, _ := resp.Message.(string); !strings.Contains(msg, "stage-librosa") || !strings.Contains(msg, "500") {
		t.Fatalf("message=%q", msg)
	}

	st, _ := h.states.Get(context.Background(), "req-1")
	if st.Status != domain.RequestFailed || st.Result != nil {
		t.Fatalf("state=%q result=%v", st.Status, st.Result)
	}
	if len(st.Stages) != 2 {
		t.Fatalf("logged stages=%d, want 2", len(st.Stages))
	}
	if st.Stages[0].Status != domain.StageSuccess || st.Stages[1].Status != domain.StageError || st.Stages[1].Stage != "stage-librosa" {
		t.Fatalf("stage log=%+v", st.Stages)
	}
}

func TestStatusPolicyDecidesApplicationErrors(t *testing.T) {
	respond := func(p domain.StagePayload) (domain.StageResult, error) {
		r := success(p, ref("s3://b/"+p.Stage, nil))
		if p.Stage == "stage-deepspeech" {
			r.Status = domain.StageError
			r.Message = "model not loaded"
		}
		return r, nil
	}
	srv := videoServer(t)
	body := []byte(`{"video_uri":"` + srv.URL + `/v.mp4"}`)

	lenient := newHarness(t, invoker.WithStatusPolicy(&scripted{respond: respond}, invoker.StatusLenient), nil)
	if resp := lenient.exec.Handle(context.Background(), body); resp.Status != StatusOK {
		t.Fatalf("lenient status=%q", resp.Status)
	}

	strict := newHarness(t, invoker.WithStatusPolicy(&scripted{respond: respond}, invoker.StatusStrict), nil)
	resp := strict.exec.Handle(context.Background(), body)
	if resp.Status != StatusError {
		t.Fatalf("strict status=%q", resp.Status)
	}
	if msg, _ := resp.Message.(string); !strings.Contains(msg, "model not loaded") || !strings.Contains(msg, "clip=0") {
		t.Fatalf("message=%q", msg)
	}
	st, _ := strict.states.Get(context.Background(), "req-1")
	if st.Status != domain.RequestFailed {
		t.Fatalf("state=%q", st.Status)
	}
}

func TestProfileSelectsDefinition(t *testing.T) {
	inv := &scripted{}
	h := newHarness(t, inv, nil)
	plans, err := plan.NewRegistry(map[string]plan.Definition{
		"audio-only": {Linear: []string{"stage-ffmpeg-0", "stage-splitter"}, Clip: []string{"stage-deepspeech"}, Detect: "stage-object-detector"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.exec.plans = plans
	srv := videoServer(t)

	resp := h.exec.Handle(context.Background(), []byte(`{"video_uri":"`+srv.URL+`/v.mp4","profile":"audio-only"}`))
	if resp.Status != StatusOK {
		t.Fatalf("status=%q message=%v", resp.Status, resp.Message)
	}
	if len(resp.Result.Linear) != 2 || len(resp.Result.Clips[0].Stages) != 2 {
		t.Fatalf("result=%+v", resp.Result)
	}
}

func TestInputResolutionErrorUnwraps(t *testing.T) {
	objects := objectstore.NewMemoryStore()
	stager, _ := NewInputStager(objects, testBucket, nil)

	_, err := stager.Stage(context.Background(), "req-1", "s3://other/missing.mp4")
	var rerr *InputResolutionError
	if !errors.As(err, &rerr) || !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}

	_, err = stager.Stage(context.Background(), "req-1", "gopher://host/v")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err=%v", err)
	}
}

func TestHTTPDownloadRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	stager, _ := NewInputStager(objectstore.NewMemoryStore(), testBucket, srv.Client())

	_, err := stager.Stage(context.Background(), "req-1", srv.URL+"/missing.mp4")
	var rerr *InputResolutionError
	if !errors.As(err, &rerr) || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err=%v", err)
	}
}
