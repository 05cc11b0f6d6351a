package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "reelstudio"

// StartPipelineSpan starts a span covering a full task pipeline run.
func StartPipelineSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
		),
	)
}

// StartGenerationSpan starts a span for the image generation phase.
func StartGenerationSpan(ctx context.Context, taskID string, styles int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "generation",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("generation.styles", styles),
		),
	)
}

// StartStyleSpan starts a span for a single style slot within generation.
func StartStyleSpan(ctx context.Context, taskID string, index int, style string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "generation.style",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("style.index", index),
			attribute.String("style.label", style),
		),
	)
}

// StartCompositionSpan starts a span for the video composition phase.
func StartCompositionSpan(ctx context.Context, taskID string, frames int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "composition",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("composition.frames", frames),
		),
	)
}

// StartSweepSpan starts a span for an orphan file sweep.
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sweep")
}
