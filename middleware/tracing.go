package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mediaforge/transcodeq/job"
)

// tracerName is the instrumentation scope name for transcodeq tracing.
const tracerName = "github.com/mediaforge/transcodeq"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: transcodeq.job.id, transcodeq.video.id,
// transcodeq.preset, transcodeq.retry_count. On error, the span status is
// set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, d *job.Descriptor, next Handler) error {
		ctx, span := tracer.Start(ctx, "transcodeq.job.execute",
			trace.WithAttributes(
				attribute.String("transcodeq.job.id", d.JobID.String()),
				attribute.String("transcodeq.video.id", d.VideoID),
				attribute.String("transcodeq.preset", d.Params.Preset),
				attribute.Int("transcodeq.retry_count", d.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
