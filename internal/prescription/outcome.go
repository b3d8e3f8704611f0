package prescription

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// finish records the terminal outcome of a saga run and returns err.
func (c *Coordinator) finish(ctx context.Context, span trace.Span, saga, step string, err error) error {
	outcome, logged := "ok", "ok"
	if err != nil {
		outcome = string(types.TypeOf(err))
		logged = outcome
		if e, ok := types.AsError(err); ok && e.IsIdempotentNoop() {
			logged = "noop"
		} else {
			monitoring.RecordError(span, err)
		}
	}
	c.metrics.RecordSagaOutcome(saga, outcome)

	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Saga(ctx, saga, step, logged, fields)
	return err
}
