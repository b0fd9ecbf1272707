package tracing

import (
	"context"
	"os"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the OpenTelemetry service name.
const ServiceName = "modgate"

// tracer returns the package tracer. This must be a function (not a package-level var)
// because the global TracerProvider isn't set until Init() runs.
func tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Init creates and registers a tracer provider with an OTLP HTTP exporter.
// An empty endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT, then localhost:4318.
// Returns the provider so the caller can defer Shutdown.
func Init(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	// Bridge OTel's internal logger to zerolog
	otel.SetLogger(zerologr.New(&log.Logger))

	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// DecisionSpan starts a span covering one moderation decision.
func DecisionSpan(ctx context.Context, deployment string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "moderation.decide",
		trace.WithAttributes(attribute.String("moderation.deployment", deployment)),
	)
}

// AnnotateDecision records the gate verdict on a decision span.
func AnnotateDecision(span trace.Span, reason, finalAction string, enforced bool) {
	span.SetAttributes(
		attribute.String("moderation.reason", reason),
		attribute.String("moderation.final_action", finalAction),
		attribute.Bool("moderation.enforced", enforced),
	)
}

// EnforcementSpan starts a span for a mutation of a user's moderation state.
func EnforcementSpan(ctx context.Context, op, userID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "moderation."+op,
		trace.WithAttributes(
			attribute.String("moderation.op", op),
			attribute.String("moderation.user_id", userID),
		),
	)
}

// StoreSpan starts a span for a store round-trip.
func StoreSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "store."+op,
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.op", op),
		),
	)
}

// EndWithError records an error on a span and sets its status.
// If err is nil, this is a no-op.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
