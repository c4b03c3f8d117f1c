// Package runtime provides panic containment for long-running goroutines.
// Worker loops must survive a panicking record handler; these helpers
// recover, log, and optionally keep the goroutine running.
package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/parcelmq/lib-relay/relay/log"
)

// Mode controls what a panicking goroutine does after recovery.
type Mode int

const (
	// KeepRunning recovers the panic, logs it, and lets the goroutine exit
	// normally so a supervisor loop may restart the work.
	KeepRunning Mode = iota
	// Propagate re-panics after logging.
	Propagate
)

const stackBufferSize = 8 << 10

// RecoverAndLogWithContext is meant to be deferred around any loop body that
// must not die with a panicking unit of work.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	logPanic(ctx, logger, component, operation, recovered)
}

// SafeGo runs fn on a new goroutine with panic recovery.
func SafeGo(logger log.Logger, name string, mode Mode, fn func()) {
	SafeGoWithContext(context.Background(), logger, name, mode, func(context.Context) { fn() })
}

// SafeGoWithContext runs fn on a new goroutine with panic recovery, passing
// ctx through.
func SafeGoWithContext(ctx context.Context, logger log.Logger, name string, mode Mode, fn func(context.Context)) {
	go func() {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			logPanic(ctx, logger, "runtime", name, recovered)

			if mode == Propagate {
				panic(recovered)
			}
		}()

		fn(ctx)
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, operation string, recovered any) {
	if logger == nil {
		logger = log.NewNop()
	}

	stack := make([]byte, stackBufferSize)
	stack = stack[:goruntime.Stack(stack, false)]

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", formatPanicValue(recovered)),
		log.String("stack", string(stack)),
	)
}

func formatPanicValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
