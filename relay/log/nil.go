package log

import "context"

// NopLogger discards every log entry. It is the default wherever a logger
// was not configured, so call sites never need nil checks.
type NopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

func (l *NopLogger) With(_ ...Field) Logger {
	return l
}

func (l *NopLogger) WithGroup(_ string) Logger {
	return l
}

func (l *NopLogger) Enabled(_ Level) bool {
	return false
}

func (l *NopLogger) Sync(_ context.Context) error { return nil }
