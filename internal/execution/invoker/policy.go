package invoker

import (
	"context"

	"github.com/fave-labs/fave-go/internal/domain"
)

// WithStatusPolicy wraps inv so that StatusStrict rejects results whose body
// reports status=error. Any other policy returns inv unchanged.
func WithStatusPolicy(inv Invoker, policy StatusPolicy) Invoker {
	if policy != StatusStrict {
		return inv
	}
	return strictInvoker{next: inv}
}

type strictInvoker struct {
	next Invoker
}

func (s strictInvoker) Invoke(ctx context.Context, stage string, payload domain.StagePayload) (domain.StageResult, error) {
	result, err := s.next.Invoke(ctx, stage, payload)
	if err != nil {
		return result, err
	}
	if result.Status == domain.StageError {
		return domain.StageResult{}, &StageApplicationError{
			Stage:   stage,
			Fanout:  payload.Fanout,
			Message: result.Message,
		}
	}
	return result, nil
}
