// Package redis keeps the inbox dedup ledger in Redis. SET NX gives the
// atomic first-sighting check, and the TTL bounds the ledger: choose it
// comfortably beyond the broker's redelivery horizon, because once an entry
// expires a late redelivery of that message is processed again.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/parcelmq/lib-relay/relay/inbox"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
)

// DefaultTTL keeps dedup entries for a day.
const DefaultTTL = 24 * time.Hour

const defaultKeyPrefix = "inbox"

// ErrClientRequired is returned when no redis client is configured.
var ErrClientRequired = errors.New("redis client is required")

// Option customizes the store at construction.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithTTL sets how long dedup entries live.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// WithKeyPrefix namespaces the dedup keys.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			store.keyPrefix = prefix
		}
	}
}

// Store implements the inbox dedup ledger over Redis.
type Store struct {
	client    goredis.UniversalClient
	logger    log.Logger
	ttl       time.Duration
	keyPrefix string
}

var _ inbox.Store = (*Store)(nil)

// NewStore creates a Redis inbox store.
func NewStore(client goredis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		logger:    log.NewNop(),
		ttl:       DefaultTTL,
		keyPrefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

func (store *Store) key(consumer, messageID string) string {
	return store.keyPrefix + ":" + consumer + ":" + messageID
}

// RecordIfNew implements the dedup check with SET NX. The tx handle is
// ignored; Redis cannot join a SQL transaction, which is why Process
// forgets the entry when the handler fails.
func (store *Store) RecordIfNew(ctx context.Context, _ outbox.Tx, consumer string, messageID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return false, inbox.ErrConsumerRequired
	}

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, inbox.ErrMessageIDRequired
	}

	recorded, err := store.client.SetNX(ctx, store.key(consumer, messageID), time.Now().UTC().Format(time.RFC3339Nano), store.ttl).Result()
	if err != nil {
		return false, err
	}

	return recorded, nil
}

// Forget removes the dedup entry.
func (store *Store) Forget(ctx context.Context, consumer string, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	return store.client.Del(ctx, store.key(strings.TrimSpace(consumer), strings.TrimSpace(messageID))).Err()
}
