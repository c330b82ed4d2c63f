package invoker

import (
	"context"
	"time"

	"github.com/fave-labs/fave-go/internal/domain"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

// Instrument records stage latency, cost and cold starts on m.
func Instrument(inv Invoker, m *telemetry.Metrics) Invoker {
	if m == nil {
		return inv
	}
	return instrumented{next: inv, metrics: m, now: time.Now}
}

type instrumented struct {
	next    Invoker
	metrics *telemetry.Metrics
	now     func() time.Time
}

func (i instrumented) Invoke(ctx context.Context, stage string, payload domain.StagePayload) (domain.StageResult, error) {
	start := i.now()
	result, err := i.next.Invoke(ctx, stage, payload)
	elapsed := i.now().Sub(start)
	if err != nil {
		i.metrics.ObserveStageError(stage, elapsed)
		return result, err
	}
	i.metrics.ObserveStage(stage, string(result.Status), elapsed, result.Metrics.CostUnit, result.Metrics.ColdStart)
	return result, nil
}
