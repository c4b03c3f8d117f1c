//go:build unit

package relay

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/parcelmq/lib-relay/relay/log"
)

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, correlationID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)

	_, err := uuid.Parse(correlationID)
	require.NoError(t, err)

	assert.False(t, logger.Enabled(log.LevelError))
}

func TestNewTrackingFromContextRoundTrip(t *testing.T) {
	t.Parallel()

	configured := log.NewNop()
	configuredTracer := otel.Tracer("relay.test")

	ctx := ContextWithLogger(context.Background(), configured)
	ctx = ContextWithTracer(ctx, configuredTracer)
	ctx = ContextWithCorrelationID(ctx, "  corr-123  ")

	logger, tracer, correlationID := NewTrackingFromContext(ctx)

	assert.Same(t, configured, logger)
	assert.Equal(t, configuredTracer, tracer)
	assert.Equal(t, "corr-123", correlationID)
}

func TestContextWithLoggerDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithCorrelationID(context.Background(), "parent-corr")
	child := ContextWithLogger(parent, log.NewNop())
	child = ContextWithCorrelationID(child, "child-corr")

	_, _, parentID := NewTrackingFromContext(parent)
	_, _, childID := NewTrackingFromContext(child)

	assert.Equal(t, "parent-corr", parentID)
	assert.Equal(t, "child-corr", childID)
}

func TestNewTrackingFromContextBlankCorrelationIDRegenerates(t *testing.T) {
	t.Parallel()

	ctx := ContextWithCorrelationID(context.Background(), "   ")

	_, _, correlationID := NewTrackingFromContext(ctx)

	_, err := uuid.Parse(correlationID)
	require.NoError(t, err)
}

func TestNewLoggerFromContext(t *testing.T) {
	t.Parallel()

	fallback := NewLoggerFromContext(context.Background())
	require.NotNil(t, fallback)

	configured := log.NewNop()
	ctx := ContextWithLogger(context.Background(), configured)

	assert.Same(t, configured, NewLoggerFromContext(ctx))
}
