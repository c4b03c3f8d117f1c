package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging facade used across the library.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level represents the severity of a log entry.
//
// Lower numeric values indicate higher severity (LevelError=0 is most
// severe, LevelDebug=3 is least). A logger's configured Level acts as a
// verbosity ceiling: a logger at LevelInfo emits Error, Warn, and Info
// entries and suppresses Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of a log level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string level into a Level constant.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	var level Level

	return level, fmt.Errorf("not a valid Level: %q", raw)
}

// Field is a strongly-typed key/value attribute attached to a log event.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value.
//
// Prefer the typed constructors (String, Int, Bool, Err) to avoid
// accidentally logging sensitive values.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field rendered as a string.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// SafeError logs err at error level when both logger and err are non-nil.
func SafeError(logger Logger, ctx context.Context, msg string, err error) {
	if logger == nil || err == nil {
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
