// Package inbox deduplicates message processing on the consumer side. The
// outbox delivers at least once, so every consumer keeps a ledger of
// processed message ids and skips redeliveries. When the ledger shares the
// handler's transaction, processing becomes effectively exactly-once.
package inbox

import (
	"context"
	"errors"
	"strings"

	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
)

var (
	// ErrStoreRequired is returned when no dedup store is configured.
	ErrStoreRequired = errors.New("inbox store is required")
	// ErrConsumerRequired is returned when the consumer name is empty.
	ErrConsumerRequired = errors.New("consumer name is required")
	// ErrMessageIDRequired is returned when the message id is empty.
	ErrMessageIDRequired = errors.New("message id is required")
	// ErrHandlerRequired is returned when no handler is given.
	ErrHandlerRequired = errors.New("handler is required")
)

// Store is the dedup ledger behind an inbox. Implementations must make
// RecordIfNew atomic: two concurrent calls for the same (consumer, message
// id) must not both report it as new.
type Store interface {
	// RecordIfNew records the message id for the consumer and reports true
	// when this is the first sighting. On SQL-backed stores tx joins the
	// caller's transaction so the dedup record commits with the handler's
	// writes; other stores ignore it.
	RecordIfNew(ctx context.Context, tx outbox.Tx, consumer string, messageID string) (bool, error)
	// Forget removes a recorded message id so a failed handler can be
	// retried on redelivery.
	Forget(ctx context.Context, consumer string, messageID string) error
}

// Handler processes a single message.
type Handler func(ctx context.Context) error

// Inbox runs handlers at most once per (consumer, message id).
type Inbox struct {
	store  Store
	logger log.Logger
}

// Option customizes an inbox.
type Option func(*Inbox)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(i *Inbox) {
		if nilcheck.Interface(logger) {
			return
		}

		i.logger = logger
	}
}

// New creates an inbox over the given dedup store.
func New(store Store, opts ...Option) (*Inbox, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	i := &Inbox{
		store:  store,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}

	return i, nil
}

// Process runs handler unless the message was already processed. It reports
// whether the handler ran. A handler error forgets the dedup record so the
// next redelivery retries; the error is returned unwrapped for the caller's
// retry policy.
//
// Pass the transaction carrying the handler's writes so the dedup record
// commits atomically with them.
func (i *Inbox) Process(ctx context.Context, tx outbox.Tx, consumer string, messageID string, handler Handler) (bool, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return false, ErrConsumerRequired
	}

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, ErrMessageIDRequired
	}

	if handler == nil {
		return false, ErrHandlerRequired
	}

	isNew, err := i.store.RecordIfNew(ctx, tx, consumer, messageID)
	if err != nil {
		return false, err
	}

	if !isNew {
		i.logger.Log(ctx, log.LevelDebug, "skipping duplicate message",
			log.String("consumer", consumer),
			log.String("message_id", messageID),
		)

		return false, nil
	}

	if err := handler(ctx); err != nil {
		// Without the forget a rolled-back handler on a non-transactional
		// store would leave the message marked processed but unapplied.
		if forgetErr := i.store.Forget(ctx, consumer, messageID); forgetErr != nil {
			i.logger.Log(ctx, log.LevelError, "failed to forget message after handler error",
				log.String("consumer", consumer),
				log.String("message_id", messageID),
				log.Err(forgetErr),
			)
		}

		return false, err
	}

	return true, nil
}
