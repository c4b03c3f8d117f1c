// Package zap provides a zap-backed implementation of the relay log.Logger
// facade, with automatic trace correlation when an OpenTelemetry span is
// active on the context.
package zap

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logpkg "github.com/parcelmq/lib-relay/relay/log"
)

// Logger adapts *zap.Logger to the relay log.Logger interface.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// NewProduction builds a Logger on zap's production configuration at the
// given minimum level.
func NewProduction(level logpkg.Level) (*Logger, error) {
	atomicLevel := zap.NewAtomicLevelAt(levelToZap(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &Logger{logger: zl, atomicLevel: atomicLevel}, nil
}

// Wrap adapts an existing zap logger.
func Wrap(zl *zap.Logger) *Logger {
	return &Logger{logger: zl, atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log dispatches to the matching zap level. When ctx carries an active span,
// trace_id and span_id are appended so logs correlate with traces.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := fieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{logger: l.must().With(fieldsToZap(fields)...), atomicLevel: l.atomicLevel}
}

// WithGroup returns a child logger nesting subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{logger: l.must().With(zap.Namespace(name)), atomicLevel: l.atomicLevel}
}

// Enabled reports whether the logger would emit an entry at level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(levelToZap(level))
}

// Sync flushes buffered entries, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.must()
}

// Level returns the runtime-adjustable level handle.
func (l *Logger) Level() zap.AtomicLevel {
	return l.atomicLevel
}

func levelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fieldsToZap(fields []logpkg.Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return zapFields
}
