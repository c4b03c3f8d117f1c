//go:build unit

package zap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	logpkg "github.com/parcelmq/lib-relay/relay/log"
)

func newObservedLogger(t *testing.T) (*Logger, *observer.ObservedLogs) {
	t.Helper()

	core, observed := observer.New(zap.DebugLevel)

	return Wrap(zap.New(core)), observed
}

func TestLogDispatchesToMatchingLevel(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(t)
	ctx := context.Background()

	logger.Log(ctx, logpkg.LevelDebug, "claiming batch")
	logger.Log(ctx, logpkg.LevelInfo, "batch published")
	logger.Log(ctx, logpkg.LevelWarn, "record released")
	logger.Log(ctx, logpkg.LevelError, "publish failed")

	entries := observed.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, zap.ErrorLevel, entries[3].Level)
}

func TestLogConvertsFields(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(t)

	logger.Log(context.Background(), logpkg.LevelInfo, "batch published",
		logpkg.String("topic", "ledger.accounts"),
		logpkg.Int("count", 12),
	)

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "ledger.accounts", fields["topic"])
	assert.EqualValues(t, 12, fields["count"])
}

func TestWithAttachesFieldsToChildren(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(t)

	child := logger.With(logpkg.String("component", "projector"))
	child.Log(context.Background(), logpkg.LevelInfo, "started")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "projector", entries[0].ContextMap()["component"])
}

func TestWithGroupNestsFields(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(t)

	grouped := logger.WithGroup("outbox")
	grouped.Log(context.Background(), logpkg.LevelInfo, "claimed", logpkg.Int("batch", 50))

	entries := observed.All()
	require.Len(t, entries, 1)

	nested, ok := entries[0].ContextMap()["outbox"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 50, nested["batch"])
}

func TestEnabledHonorsCoreLevel(t *testing.T) {
	t.Parallel()

	core, _ := observer.New(zap.WarnLevel)
	logger := Wrap(zap.New(core))

	assert.False(t, logger.Enabled(logpkg.LevelDebug))
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.True(t, logger.Enabled(logpkg.LevelError))
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	logger.Log(context.Background(), logpkg.LevelError, "discarded")
	assert.NotNil(t, logger.Raw())
}

func TestSyncRespectsContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	require.NoError(t, logger.Sync(context.Background()))
}

func TestNewProduction(t *testing.T) {
	t.Parallel()

	logger, err := NewProduction(logpkg.LevelWarn)
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.Equal(t, "warn", logger.Level().String())
}
