package invoker

import (
	"fmt"
	"strings"

	"github.com/fave-labs/fave-go/internal/domain"
)

// StageTransportError reports a failure to reach a stage or a non-2xx answer.
type StageTransportError struct {
	Stage      string
	Fanout     domain.Fields
	StatusCode int
	Body       string
	Err        error
}

func (e *StageTransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s%s", e.Stage, describeFanout(e.Fanout))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		fmt.Fprintf(&b, ": %s", body)
	}
	return b.String()
}

func (e *StageTransportError) Unwrap() error { return e.Err }

// StageApplicationError reports a 2xx response whose body declares status=error.
type StageApplicationError struct {
	Stage   string
	Fanout  domain.Fields
	Message string
}

func (e *StageApplicationError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "stage reported error status"
	}
	return fmt.Sprintf("stage %s%s: %s", e.Stage, describeFanout(e.Fanout), msg)
}

func describeFanout(f domain.Fields) string {
	if len(f) == 0 {
		return ""
	}
	parts := make([]string, 0, 2)
	if clip, ok := f.Int(domain.KeyClipIndex); ok {
		parts = append(parts, fmt.Sprintf("clip=%d", clip))
	}
	if frame, ok := f.Int(domain.KeyFrameIndex); ok {
		parts = append(parts, fmt.Sprintf("frame=%d", frame))
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, " ") + "]"
}
