package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
)

var (
	// ErrResultStoreRequired is returned when no result store is configured.
	ErrResultStoreRequired = errors.New("result store is required")
	// ErrCommandIDRequired is returned when the command id is empty.
	ErrCommandIDRequired = errors.New("command id is required")
	// ErrComputeRequired is returned when no compute function is given.
	ErrComputeRequired = errors.New("compute function is required")
	// ErrResultVanished is returned when a concurrently stored result
	// disappeared before it could be read back.
	ErrResultVanished = errors.New("concurrent result no longer present")
)

// ResultStore persists command results keyed by (tenant, command id).
// StoreResult is first-writer-wins: it reports false when another caller
// stored a result for the same key first, leaving that result in place.
type ResultStore interface {
	LoadResult(ctx context.Context, tenant string, commandID string) ([]byte, bool, error)
	StoreResult(ctx context.Context, tenant string, commandID string, result []byte) (bool, error)
}

// Compute produces the result of a command.
type Compute func(ctx context.Context) ([]byte, error)

// IdempotencyStore returns a cached result for a command id instead of
// executing it again. Errors are never cached, so a failed command can be
// retried with the same id.
type IdempotencyStore struct {
	store  ResultStore
	logger log.Logger
}

// IdempotencyOption customizes an IdempotencyStore.
type IdempotencyOption func(*IdempotencyStore)

// WithIdempotencyLogger sets the logger.
func WithIdempotencyLogger(logger log.Logger) IdempotencyOption {
	return func(s *IdempotencyStore) {
		if nilcheck.Interface(logger) {
			return
		}

		s.logger = logger
	}
}

// NewIdempotencyStore creates an IdempotencyStore over the given result
// store.
func NewIdempotencyStore(store ResultStore, opts ...IdempotencyOption) (*IdempotencyStore, error) {
	if nilcheck.Interface(store) {
		return nil, ErrResultStoreRequired
	}

	s := &IdempotencyStore{
		store:  store,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// GetOrExecute returns the stored result for commandID when one exists,
// otherwise runs compute and stores its result. When two callers race, both
// may compute but only the first result is kept and both receive it. A
// compute error is returned without storing anything.
func (s *IdempotencyStore) GetOrExecute(ctx context.Context, commandID string, tenant string, compute Compute) ([]byte, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, ErrCommandIDRequired
	}

	if compute == nil {
		return nil, ErrComputeRequired
	}

	tenant = strings.TrimSpace(tenant)

	cached, found, err := s.store.LoadResult(ctx, tenant, commandID)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}

	if found {
		s.logger.Log(ctx, log.LevelDebug, "returning cached command result",
			log.String("command_id", commandID),
		)

		return cached, nil
	}

	result, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.StoreResult(ctx, tenant, commandID, result)
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}

	if stored {
		return result, nil
	}

	// Lost the race: return the winner's result so every caller observes
	// the same outcome.
	winner, found, err := s.store.LoadResult(ctx, tenant, commandID)
	if err != nil {
		return nil, fmt.Errorf("load concurrent result: %w", err)
	}

	if !found {
		return nil, ErrResultVanished
	}

	return winner, nil
}

// MemoryResultStore is an in-process result store for tests and single-node
// tooling.
type MemoryResultStore struct {
	mu      sync.Mutex
	results map[string][]byte
}

// NewMemoryResultStore returns an empty in-memory result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string][]byte)}
}

// LoadResult implements ResultStore.
func (s *MemoryResultStore) LoadResult(_ context.Context, tenant string, commandID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, found := s.results[dedupKey(tenant, commandID)]
	if !found {
		return nil, false, nil
	}

	out := make([]byte, len(result))
	copy(out, result)

	return out, true, nil
}

// StoreResult implements ResultStore.
func (s *MemoryResultStore) StoreResult(_ context.Context, tenant string, commandID string, result []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(tenant, commandID)
	if _, exists := s.results[key]; exists {
		return false, nil
	}

	stored := make([]byte, len(result))
	copy(stored, result)
	s.results[key] = stored

	return true, nil
}

var _ ResultStore = (*MemoryResultStore)(nil)
