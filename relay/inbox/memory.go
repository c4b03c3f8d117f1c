package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/parcelmq/lib-relay/relay/outbox"
)

// MemoryStore is an in-process dedup ledger for tests and single-node
// tooling.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryStore returns an empty in-memory dedup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func dedupKey(consumer, messageID string) string {
	return consumer + "\x00" + messageID
}

// RecordIfNew implements Store. The tx handle is unused.
func (s *MemoryStore) RecordIfNew(_ context.Context, _ outbox.Tx, consumer string, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(consumer, messageID)
	if _, exists := s.seen[key]; exists {
		return false, nil
	}

	s.seen[key] = time.Now().UTC()

	return true, nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, consumer string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.seen, dedupKey(consumer, messageID))

	return nil
}

// PurgeOlderThan drops entries recorded before the cutoff and reports how
// many were removed.
func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0

	for key, recordedAt := range s.seen {
		if recordedAt.Before(cutoff) {
			delete(s.seen, key)
			purged++
		}
	}

	return purged, nil
}

var _ Store = (*MemoryStore)(nil)
