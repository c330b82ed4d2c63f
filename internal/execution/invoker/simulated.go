package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
)

const simulatedMessage = "stage simulation placeholder"

// Simulated returns placeholder results without contacting any stage. Each
// stage name reports a cold start on its first call only.
type Simulated struct {
	bucket        string
	memoryLimitMB int
	now           func() time.Time

	mu    sync.Mutex
	warms map[string]*domain.ColdStart
}

func NewSimulated(bucket string, memoryLimitMB int) *Simulated {
	return &Simulated{
		bucket:        bucket,
		memoryLimitMB: memoryLimitMB,
		now:           time.Now,
		warms:         map[string]*domain.ColdStart{},
	}
}

func (s *Simulated) Invoke(ctx context.Context, stage string, payload domain.StagePayload) (domain.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.StageResult{}, &StageTransportError{Stage: stage, Fanout: payload.Fanout, Err: err}
	}
	start := s.now()
	key := fmt.Sprintf("requests/%s/%s/placeholder.txt", payload.RequestID, stage)
	outputs := []domain.ArtifactRef{{
		Type:     domain.ArtifactReference,
		URI:      objectstore.URI(s.bucket, key),
		Metadata: domain.Fields{},
	}}
	elapsed := s.now().Sub(start)
	return domain.StageResult{
		RequestID: payload.RequestID,
		Stage:     stage,
		Outputs:   outputs,
		Metrics:   domain.NewMetrics(elapsed, s.memoryLimitMB, s.coldStart(stage).Take()),
		Status:    domain.StageSimulated,
		Message:   simulatedMessage,
	}, nil
}

func (s *Simulated) coldStart(stage string) *domain.ColdStart {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.warms[stage]
	if !ok {
		cs = &domain.ColdStart{}
		s.warms[stage] = cs
	}
	return cs
}
