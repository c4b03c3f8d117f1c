package uow

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parcelmq/lib-relay/relay/backoff"
	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
)

const (
	defaultPublishAttempts = 3
	defaultPublishBudget   = 2 * time.Second
	defaultPublishBackoff  = 50 * time.Millisecond
)

// publisher is the optional fast path that pushes freshly committed records
// onto the bus without waiting for the next projector cycle. Everything here
// is best-effort: the records are already durable, so any failure simply
// leaves them for the projector.
type publisher struct {
	bus         bus.EventBus
	attempts    int
	budget      time.Duration
	backoffBase time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// PublishOption tunes the immediate publish fast path.
type PublishOption func(*publisher)

// WithPublishAttempts bounds retries per record.
func WithPublishAttempts(attempts int) PublishOption {
	return func(p *publisher) {
		if attempts > 0 {
			p.attempts = attempts
		}
	}
}

// WithPublishBudget bounds the total wall time spent publishing after a
// commit. Once spent, remaining records are left for the projector.
func WithPublishBudget(budget time.Duration) PublishOption {
	return func(p *publisher) {
		if budget > 0 {
			p.budget = budget
		}
	}
}

// WithPublishBackoff sets the base delay between retries.
func WithPublishBackoff(base time.Duration) PublishOption {
	return func(p *publisher) {
		if base > 0 {
			p.backoffBase = base
		}
	}
}

// WithPublishBreaker guards the fast path with a circuit breaker so a
// degraded broker does not slow down every commit.
func WithPublishBreaker(settings gobreaker.Settings) PublishOption {
	return func(p *publisher) {
		if settings.Name == "" {
			settings.Name = "uow-immediate-publish"
		}

		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

func newPublisher(eventBus bus.EventBus, opts ...PublishOption) *publisher {
	p := &publisher{
		bus:         eventBus,
		attempts:    defaultPublishAttempts,
		budget:      defaultPublishBudget,
		backoffBase: defaultPublishBackoff,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// publish delivers pre-claimed records in commit order and marks successes
// as sent. The first failure releases the failed record and everything after
// it, which hands the whole tail to the projector and keeps per-aggregate
// order intact. Errors are logged only; the projector owns delivery.
func (p *publisher) publish(ctx context.Context, logger log.Logger, store outbox.Store, records []*outbox.Record) {
	deadline := time.Now().Add(p.budget)

	for i, record := range records {
		if time.Now().After(deadline) {
			logger.Log(ctx, log.LevelDebug, "immediate publish budget exhausted, deferring to projector",
				log.Int("deferred", len(records)-i),
			)

			p.release(ctx, logger, store, records[i:])

			return
		}

		if !p.publishRecord(ctx, logger, record, deadline) {
			p.release(ctx, logger, store, records[i:])

			return
		}

		if err := store.MarkSent(ctx, record.ID, time.Now().UTC()); err != nil {
			// The projector reclaims it after the publishing timeout and
			// republishes; consumers dedup on the record id.
			logger.Log(ctx, log.LevelDebug, "immediate publish could not mark record sent",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)
		}
	}
}

func (p *publisher) release(ctx context.Context, logger log.Logger, store outbox.Store, records []*outbox.Record) {
	for _, record := range records {
		if err := store.Release(ctx, record.ID); err != nil {
			logger.Log(ctx, log.LevelDebug, "immediate publish could not release record",
				log.String("record_id", record.ID.String()),
				log.Err(err),
			)
		}
	}
}

func (p *publisher) publishRecord(ctx context.Context, logger log.Logger, record *outbox.Record, deadline time.Time) bool {
	message := outbox.MessageFromRecord(record)

	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.execute(ctx, message)
		if err == nil {
			return true
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.Log(ctx, log.LevelDebug, "immediate publish breaker open, deferring to projector",
				log.String("record_id", record.ID.String()),
			)

			return false
		}

		if attempt == p.attempts {
			logger.Log(ctx, log.LevelDebug, "immediate publish failed, deferring to projector",
				log.String("record_id", record.ID.String()),
				log.Int("attempts", attempt),
				log.Err(err),
			)

			return false
		}

		delay := backoff.ExponentialWithJitter(p.backoffBase, attempt)
		if time.Now().Add(delay).After(deadline) {
			return false
		}

		if err := backoff.SleepWithContext(ctx, delay); err != nil {
			return false
		}
	}

	return false
}

func (p *publisher) execute(ctx context.Context, message bus.Message) error {
	if p.breaker == nil {
		return p.bus.Publish(ctx, message)
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.bus.Publish(ctx, message)
	})

	return err
}
