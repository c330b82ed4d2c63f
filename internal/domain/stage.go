package domain

import (
	"strings"
	"time"
)

type ArtifactType string

const (
	ArtifactVideo     ArtifactType = "video"
	ArtifactAudio     ArtifactType = "audio"
	ArtifactArchive   ArtifactType = "archive"
	ArtifactImage     ArtifactType = "image"
	ArtifactJSON      ArtifactType = "json"
	ArtifactReference ArtifactType = "reference"
)

// Metadata keys set by the stages that fan the pipeline out.
const (
	KeyClipIndex  = "clip_index"
	KeyFrameIndex = "frame_index"
	KeyProfile    = "profile"
	KeyQuery      = "query"
	KeyMetadata   = "metadata"
)

// ArtifactRef points at an immutable object produced by a stage.
type ArtifactRef struct {
	Type     ArtifactType `json:"type"`
	URI      string       `json:"uri"`
	Metadata Fields       `json:"metadata"`
}

// StagePayload is the request body sent to a stage function.
type StagePayload struct {
	RequestID  string `json:"request_id"`
	Stage      string `json:"stage"`
	InputURI   string `json:"input_uri"`
	OutputHint string `json:"output_hint,omitempty"`
	Config     Fields `json:"config"`
	Fanout     Fields `json:"fanout"`
}

type StageStatus string

const (
	StageSuccess   StageStatus = "success"
	StageSimulated StageStatus = "simulated"
	StageSkipped   StageStatus = "skipped"
	StageError     StageStatus = "error"
)

type StageMetrics struct {
	DurationMs    int64   `json:"duration_ms"`
	MemoryLimitMB int     `json:"memory_limit_mb"`
	ColdStart     bool    `json:"cold_start"`
	CostUnit      float64 `json:"cost_unit"`
	Extra         Fields  `json:"extra"`
}

// StageResult is the response contract shared by live and simulated stages.
type StageResult struct {
	RequestID string        `json:"request_id"`
	Stage     string        `json:"stage"`
	Outputs   []ArtifactRef `json:"outputs"`
	Metrics   StageMetrics  `json:"metrics"`
	Status    StageStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
}

// Normalize fills defaults for fields a stage may leave out of its response.
func (r StageResult) Normalize() StageResult {
	if strings.TrimSpace(string(r.Status)) == "" {
		r.Status = StageSuccess
	}
	if r.Outputs == nil {
		r.Outputs = []ArtifactRef{}
	}
	return r
}

// LastOutput returns the URI of the final output, or fallback when there is none.
func (r StageResult) LastOutput(fallback string) string {
	if len(r.Outputs) == 0 {
		return fallback
	}
	return r.Outputs[len(r.Outputs)-1].URI
}

// SkippedResult is the zero-cost placeholder recorded for a stage that did not run.
func SkippedResult(requestID, stage, message string, memoryLimitMB int) StageResult {
	return StageResult{
		RequestID: requestID,
		Stage:     stage,
		Outputs:   []ArtifactRef{},
		Metrics:   NewMetrics(0, memoryLimitMB, false),
		Status:    StageSkipped,
		Message:   message,
	}
}

func ClipFanout(clipIndex int) Fields {
	return Fields{KeyClipIndex: IntValue(clipIndex)}
}

func FrameFanout(clipIndex, frameIndex int) Fields {
	return Fields{
		KeyClipIndex:  IntValue(clipIndex),
		KeyFrameIndex: IntValue(frameIndex),
	}
}

// NewMetrics derives the cost proxy for a stage run.
func NewMetrics(elapsed time.Duration, memoryLimitMB int, coldStart bool) StageMetrics {
	durationMs := elapsed.Milliseconds()
	return StageMetrics{
		DurationMs:    durationMs,
		MemoryLimitMB: memoryLimitMB,
		ColdStart:     coldStart,
		CostUnit:      CostUnit(durationMs, memoryLimitMB),
		Extra:         Fields{},
	}
}

// CostUnit is the GB-second proxy: (duration_ms/1000) * (memory_limit_mb/1024).
func CostUnit(durationMs int64, memoryLimitMB int) float64 {
	return (float64(durationMs) / 1000.0) * (float64(memoryLimitMB) / 1024.0)
}
