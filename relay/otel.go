package relay

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError sets the span status to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds a named event to the span.
func HandleSpanEvent(span trace.Span, eventName string, options ...trace.EventOption) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, options...)
}
