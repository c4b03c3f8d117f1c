package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/lib-relay/relay/log"
)

type capturingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *capturingLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
}

func (l *capturingLogger) With(_ ...log.Field) log.Logger     { return l }
func (l *capturingLogger) WithGroup(_ string) log.Logger      { return l }
func (l *capturingLogger) Enabled(_ log.Level) bool           { return true }
func (l *capturingLogger) Sync(_ context.Context) error       { return nil }

func (l *capturingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.entries...)
}

func TestRecoverAndLogWithContext(t *testing.T) {
	t.Parallel()

	logger := &capturingLogger{}

	func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "cycle")
		panic("record handler exploded")
	}()

	require.Len(t, logger.messages(), 1)
	assert.Equal(t, "panic recovered", logger.messages()[0])
}

func TestRecoverNoPanicIsSilent(t *testing.T) {
	t.Parallel()

	logger := &capturingLogger{}

	func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "cycle")
	}()

	assert.Empty(t, logger.messages())
}

func TestSafeGoRecoversPanic(t *testing.T) {
	t.Parallel()

	logger := &capturingLogger{}
	done := make(chan struct{})

	SafeGo(logger, "worker", KeepRunning, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}

	// The deferred close runs before recovery, so wait for the log entry.
	require.Eventually(t, func() bool {
		return len(logger.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSafeGoNilLogger(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})

	SafeGo(nil, "worker", KeepRunning, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}
