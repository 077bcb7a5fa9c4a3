package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dispatchd"

// StartLaunchSpan starts a span for launching a run.
func StartLaunchSpan(ctx context.Context, category, providerName, ticketID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "launch",
		trace.WithAttributes(
			attribute.String("run.category", category),
			attribute.String("run.provider", providerName),
			attribute.String("run.ticket_id", ticketID),
		),
	)
}

// StartSliceSpan starts a span for one advancement slice.
func StartSliceSpan(ctx context.Context, runID, providerName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "slice",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.provider", providerName),
		),
	)
}
