package relay

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/parcelmq/lib-relay/relay/log"
)

type trackingContextKey string

// TrackingContextKey stores the request-scoped tracking container.
const TrackingContextKey trackingContextKey = "relay.tracking"

// Tracking holds the request-scoped facilities attached to a context:
// structured logger, tracer, and a correlation id propagated across
// process boundaries.
type Tracking struct {
	Logger        log.Logger
	Tracer        trace.Tracer
	CorrelationID string
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithCorrelationID returns a context carrying a correlation id.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.CorrelationID = strings.TrimSpace(correlationID)

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// NewLoggerFromContext extracts the Logger from ctx, falling back to a nop.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if tracking, ok := ctx.Value(TrackingContextKey).(*Tracking); ok && tracking.Logger != nil {
		return tracking.Logger
	}

	return log.NewNop()
}

// NewTrackingFromContext extracts logger, tracer, and correlation id from ctx
// with fail-safe defaults: every component is always usable, never nil.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	tracking, ok := ctx.Value(TrackingContextKey).(*Tracking)
	if !ok || tracking == nil {
		return log.NewNop(), otel.Tracer("relay.default"), uuid.New().String()
	}

	logger := tracking.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := tracking.Tracer
	if tracer == nil {
		tracer = otel.Tracer("relay.default")
	}

	correlationID := strings.TrimSpace(tracking.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return logger, tracer, correlationID
}

func trackingFromContext(ctx context.Context) *Tracking {
	if existing, ok := ctx.Value(TrackingContextKey).(*Tracking); ok && existing != nil {
		clone := *existing

		return &clone
	}

	return &Tracking{}
}
