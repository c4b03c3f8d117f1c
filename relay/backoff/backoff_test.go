package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 200*time.Millisecond, Exponential(100*time.Millisecond, 1))
	assert.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -5))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 62))
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	for range 50 {
		d := FullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
}

func TestSleepWithContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, SleepWithContext(ctx, 0))
}

func TestScheduleDelayMonotoneThenPlateau(t *testing.T) {
	t.Parallel()

	schedule := Schedule{Base: time.Second, Multiplier: 2, MaxExponent: 4}

	previous := time.Duration(-1)

	for attempt := 0; attempt <= 10; attempt++ {
		delay := schedule.Delay(attempt)
		assert.GreaterOrEqual(t, delay, previous, "delay must be non-decreasing at attempt %d", attempt)
		previous = delay
	}

	// Plateau at multiplier^maxExponent * base.
	assert.Equal(t, 16*time.Second, schedule.Delay(4))
	assert.Equal(t, 16*time.Second, schedule.Delay(10))
	assert.Equal(t, 16*time.Second, schedule.Delay(100))
}

func TestScheduleDefaults(t *testing.T) {
	t.Parallel()

	var zero Schedule

	assert.Equal(t, time.Second, zero.Delay(0))
	assert.Equal(t, 2*time.Second, zero.Delay(1))

	assert.Equal(t, time.Second, zero.Delay(-3))
}
