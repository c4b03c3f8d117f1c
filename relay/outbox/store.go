package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmq/lib-relay/relay/backoff"
)

// Tx is the transactional handle used by Append and AppendBatch.
//
// It intentionally aliases *sql.Tx so callers can pass the same transaction
// that carries their aggregate mutation, without an adapter layer between
// the unit of work and the store.
type Tx = *sql.Tx

// ClaimQuery selects which records a projector cycle attempts to claim.
type ClaimQuery struct {
	// Limit is the max number of records claimed.
	Limit int
	// TenantID scopes the claim to one tenant when non-empty.
	TenantID string
	// Now is the reference time for retry-eligibility checks.
	Now time.Time
	// RetryBackoffBase, RetryBackoffFactor, and RetryBackoffMaxExponent
	// gate failed records: a failed record is eligible only after
	// base * factor^min(attempts, maxExponent) has elapsed since its last
	// attempt.
	RetryBackoffBase        time.Duration
	RetryBackoffFactor      float64
	RetryBackoffMaxExponent int
	// MaxAttempts excludes failed records already at the attempt ceiling.
	MaxAttempts int
}

// Store defines persistence operations for outbox records.
//
// Claim and the Mark operations must be implemented as atomic conditional
// updates in the storage engine. A read-then-write implementation loses the
// exclusivity guarantee that keeps concurrent projectors from double
// publishing.
type Store interface {
	// Append persists one record inside the caller's transaction. Appending
	// a record whose id already exists is a no-op, which makes retried
	// commits safe.
	Append(ctx context.Context, tx Tx, record *Record) error
	// AppendBatch persists records in order inside the caller's transaction
	// with the same per-id idempotency as Append.
	AppendBatch(ctx context.Context, tx Tx, records []*Record) error
	// Claim atomically moves eligible NEW and retry-eligible FAILED records
	// to PUBLISHING, increments their attempt counters, and returns them
	// oldest first. Records claimed by one caller are invisible to
	// concurrent claimers.
	Claim(ctx context.Context, query ClaimQuery) ([]*Record, error)
	// Release returns a claimed record to NEW without counting an attempt,
	// for records the projector claimed but never tried to publish.
	Release(ctx context.Context, id uuid.UUID) error
	// MarkSent moves a PUBLISHING record to its terminal delivered status.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	// MarkFailed records a delivery failure. Records at or past maxAttempts
	// move to DEAD, others to FAILED. The error message is sanitized before
	// the call.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error
	// MarkDead moves a record directly to DEAD for non-retryable failures.
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error
	// ReclaimStuck returns PUBLISHING records older than stuckBefore to a
	// claimable state so crashed projectors do not strand work. Records at
	// the attempt ceiling move to DEAD instead. It reports how many records
	// were reclaimed.
	ReclaimStuck(ctx context.Context, limit int, stuckBefore time.Time, maxAttempts int) (int, error)
	// GetByID fetches one record, ErrRecordNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// ListTenants returns the distinct tenant ids with undelivered records.
	ListTenants(ctx context.Context) ([]string, error)
}

// RetryEligibleAt computes when a failed record becomes claimable again. The
// delay follows the backoff schedule built from the query: it grows by the
// retry factor per attempt and plateaus at the exponent cap. A query without
// a backoff base makes failed records eligible immediately.
func RetryEligibleAt(lastAttemptAt time.Time, attempts int, query ClaimQuery) time.Time {
	if query.RetryBackoffBase <= 0 {
		return lastAttemptAt
	}

	if attempts < 1 {
		attempts = 1
	}

	factor := query.RetryBackoffFactor
	if factor <= 1 {
		factor = defaultRetryBackoffFactor
	}

	schedule := backoff.Schedule{
		Base:        query.RetryBackoffBase,
		Multiplier:  factor,
		MaxExponent: query.RetryBackoffMaxExponent,
	}

	return lastAttemptAt.Add(schedule.Delay(attempts - 1))
}
