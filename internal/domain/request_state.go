package domain

import "time"

// RequestStatus tracks a pipeline run through the executor state machine.
type RequestStatus string

const (
	RequestInit          RequestStatus = "INIT"
	RequestAccepted      RequestStatus = "ACCEPTED"
	RequestInputStaged   RequestStatus = "INPUT_STAGED"
	RequestLinearRunning RequestStatus = "LINEAR_RUNNING"
	RequestFanoutRunning RequestStatus = "FANOUT_RUNNING"
	RequestCompleted     RequestStatus = "COMPLETED"
	RequestFailed        RequestStatus = "FAILED"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// StageEntry is one append-only record in the request state log.
type StageEntry struct {
	Stage   string        `json:"stage"`
	Fanout  Fields        `json:"fanout"`
	Outputs []ArtifactRef `json:"outputs"`
	Metrics StageMetrics  `json:"metrics"`
	Status  StageStatus   `json:"status"`
	Message string        `json:"message,omitempty"`
}

func EntryFromResult(stage string, fanout Fields, r StageResult) StageEntry {
	outputs := make([]ArtifactRef, len(r.Outputs))
	copy(outputs, r.Outputs)
	if fanout == nil {
		fanout = Fields{}
	}
	return StageEntry{
		Stage:   stage,
		Fanout:  fanout.Clone(),
		Outputs: outputs,
		Metrics: r.Metrics,
		Status:  r.Status,
		Message: r.Message,
	}
}

type ClipResult struct {
	ClipIndex int          `json:"clip_index"`
	InputURI  string       `json:"input_uri"`
	Stages    []StageEntry `json:"stages"`
}

// PipelineResult is the nested result tree returned to the caller.
type PipelineResult struct {
	Linear []StageEntry `json:"linear"`
	Clips  []ClipResult `json:"clips"`
}

// RequestMetrics are measured across the whole run rather than summed from stages.
type RequestMetrics struct {
	DurationMs    int64   `json:"duration_ms"`
	MemoryLimitMB int     `json:"memory_limit_mb"`
	CostUnit      float64 `json:"cost_unit"`
}

// RequestState is the durable document persisted per request.
type RequestState struct {
	RequestID string          `json:"request_id"`
	Profile   string          `json:"profile,omitempty"`
	Status    RequestStatus   `json:"status"`
	InputURI  string          `json:"input_uri,omitempty"`
	SourceURI string          `json:"source_uri,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stages    []StageEntry    `json:"stages"`
	Result    *PipelineResult `json:"result,omitempty"`
	Metrics   *RequestMetrics `json:"metrics,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
