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
)

const defaultResultKeyPrefix = "idempotency"

// ResultStore keeps command results in Redis. SET NX makes the first writer
// win; the TTL bounds how long a command id stays answerable from cache.
type ResultStore struct {
	client    goredis.UniversalClient
	logger    log.Logger
	ttl       time.Duration
	keyPrefix string
}

var _ inbox.ResultStore = (*ResultStore)(nil)

// ResultOption customizes a ResultStore.
type ResultOption func(*ResultStore)

// WithResultLogger sets the store logger.
func WithResultLogger(logger log.Logger) ResultOption {
	return func(store *ResultStore) {
		if nilcheck.Interface(logger) {
			return
		}

		store.logger = logger
	}
}

// WithResultTTL sets how long stored results live.
func WithResultTTL(ttl time.Duration) ResultOption {
	return func(store *ResultStore) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// WithResultKeyPrefix namespaces the result keys.
func WithResultKeyPrefix(prefix string) ResultOption {
	return func(store *ResultStore) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			store.keyPrefix = prefix
		}
	}
}

// NewResultStore creates a Redis result store.
func NewResultStore(client goredis.UniversalClient, opts ...ResultOption) (*ResultStore, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &ResultStore{
		client:    client,
		logger:    log.NewNop(),
		ttl:       DefaultTTL,
		keyPrefix: defaultResultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

func (store *ResultStore) key(tenant, commandID string) string {
	if tenant == "" {
		return store.keyPrefix + ":" + commandID
	}

	return store.keyPrefix + ":" + tenant + ":" + commandID
}

// LoadResult implements inbox.ResultStore.
func (store *ResultStore) LoadResult(ctx context.Context, tenant string, commandID string) ([]byte, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, false, inbox.ErrCommandIDRequired
	}

	result, err := store.client.Get(ctx, store.key(strings.TrimSpace(tenant), commandID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return result, true, nil
}

// StoreResult implements inbox.ResultStore with SET NX.
func (store *ResultStore) StoreResult(ctx context.Context, tenant string, commandID string, result []byte) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return false, inbox.ErrCommandIDRequired
	}

	stored, err := store.client.SetNX(ctx, store.key(strings.TrimSpace(tenant), commandID), result, store.ttl).Result()
	if err != nil {
		return false, err
	}

	return stored, nil
}
