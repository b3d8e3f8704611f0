package registrar

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// finish records the terminal outcome of a Verify run and returns err.
func (r *Registrar) finish(ctx context.Context, span trace.Span, step string, err error) error {
	r.metrics.RecordSagaOutcome(sagaVerify, outcomeOf(err, "verified"))

	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
		if !isNoop(err) {
			monitoring.RecordError(span, err)
		}
	}
	r.logger.Saga(ctx, sagaVerify, step, logOutcome(err), fields)
	return err
}

func outcomeOf(err error, success string) string {
	if err == nil {
		return success
	}
	return string(types.TypeOf(err))
}

func isNoop(err error) bool {
	e, ok := types.AsError(err)
	return ok && e.IsIdempotentNoop()
}

func logOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isNoop(err):
		return "noop"
	default:
		return string(types.TypeOf(err))
	}
}
