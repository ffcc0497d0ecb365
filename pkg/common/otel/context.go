package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// noTraceID is logged for records written outside any span, such as the
// walker's startup and shutdown messages.
const noTraceID = "00000000000000000000000000000000"

// GetTraceID returns the hex trace ID of the span carried by ctx. The walker
// stamps it on every log record so a job invocation's log lines can be
// joined with its job_runner.run trace.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return noTraceID
	}
	return sc.TraceID().String()
}
