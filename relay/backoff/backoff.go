// Package backoff provides exponential retry delay schedules with jitter
// and context-aware sleeping.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in [0, delay). Uses crypto/rand,
// falling back to a seeded PRNG if the entropy source fails.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand seeds a math/rand PRNG from crypto/rand raw bytes; if even
// that fails it returns a deterministic midpoint so jitter never stalls.
func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	var seedValue uint64
	for i, b := range seed {
		seedValue |= uint64(b) << (8 * i)
	}

	rng := mrand.New(mrand.NewPCG(seedValue, 0)) // #nosec G404 -- fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt),
// the "full jitter" strategy.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for duration but returns early with an error when
// the context is cancelled. Zero or negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Schedule computes retry delays as multiplier^min(attempt, maxExponent) * base.
// The delay is non-decreasing in the attempt count and plateaus once the
// exponent cap is reached.
type Schedule struct {
	// Base is the unit delay multiplied by the exponential factor.
	Base time.Duration
	// Multiplier is the growth factor per attempt. Values below 1 are
	// normalized to 2.
	Multiplier float64
	// MaxExponent caps the exponent so delays plateau instead of growing
	// without bound.
	MaxExponent int
}

// DefaultSchedule mirrors the common 2^n seconds progression capped at
// roughly one minute.
func DefaultSchedule() Schedule {
	return Schedule{Base: time.Second, Multiplier: 2, MaxExponent: 6}
}

// Delay returns the wait before the next attempt given the number of
// attempts already made. Negative attempts are treated as 0.
func (s Schedule) Delay(attempt int) time.Duration {
	base := s.Base
	if base <= 0 {
		base = time.Second
	}

	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	maxExponent := s.MaxExponent
	if maxExponent <= 0 {
		maxExponent = 6
	}

	if attempt < 0 {
		attempt = 0
	}

	exponent := attempt
	if exponent > maxExponent {
		exponent = maxExponent
	}

	factor := math.Pow(multiplier, float64(exponent))
	if factor > float64(math.MaxInt64)/float64(base) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(factor * float64(base))
}
