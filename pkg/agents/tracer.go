package agents

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opta-ai/opta-lmx/pkg/events"
)

// tracer publishes run lifecycle events onto the bus, tagged with the
// client's W3C trace ID when the submission carried a traceparent.
type tracer struct {
	bus *events.Bus
}

func (t *tracer) publish(typ events.Type, run *Run, step string) {
	if t == nil || t.bus == nil {
		return
	}
	t.bus.Publish(typ, events.RunPayload{
		RunID:   run.ID,
		Status:  string(run.Status),
		Step:    step,
		Error:   run.Error,
		TraceID: extractTraceID(run.Request),
	})
}

// extractTraceID parses the submitted traceparent/tracestate pair and
// returns the 32-hex trace ID, or "" when absent or malformed.
func extractTraceID(req RunRequest) string {
	if req.Traceparent == "" {
		return ""
	}
	carrier := propagation.MapCarrier{"traceparent": req.Traceparent}
	if req.Tracestate != "" {
		carrier.Set("tracestate", req.Tracestate)
	}
	sc := trace.SpanContextFromContext(
		propagation.TraceContext{}.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
