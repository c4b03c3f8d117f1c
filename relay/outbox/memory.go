package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-node tooling. It
// honors the same claim exclusivity and ordering contract as the durable
// implementations but offers no persistence.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	order   []uuid.UUID
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
	}
}

// Append stores a copy of the record, ignoring duplicates by id. The tx
// handle is unused; in-memory writes are immediate.
func (s *MemoryStore) Append(_ context.Context, _ Tx, record *Record) error {
	if record == nil {
		return ErrRecordRequired
	}

	if record.ID == uuid.Nil {
		return ErrRecordIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return nil
	}

	clone := *record
	s.records[record.ID] = &clone
	s.order = append(s.order, record.ID)

	return nil
}

// AppendBatch stores each record in order with Append semantics.
func (s *MemoryStore) AppendBatch(ctx context.Context, tx Tx, records []*Record) error {
	for _, record := range records {
		if err := s.Append(ctx, tx, record); err != nil {
			return err
		}
	}

	return nil
}

// Claim moves eligible records to PUBLISHING oldest first. A record is
// skipped while any older undelivered record for the same aggregate cannot
// be claimed in the same call, which preserves per-aggregate ordering.
func (s *MemoryStore) Claim(_ context.Context, query ClaimQuery) ([]*Record, error) {
	if query.Limit <= 0 {
		return nil, nil
	}

	now := query.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := make(map[uuid.UUID]struct{})
	claimed := make([]*Record, 0, query.Limit)

	for _, id := range s.order {
		if len(claimed) >= query.Limit {
			break
		}

		record := s.records[id]
		if record.Status.IsTerminal() {
			continue
		}

		if query.TenantID != "" && record.TenantID != query.TenantID {
			continue
		}

		if _, ok := blocked[record.AggregateID]; ok {
			continue
		}

		if !s.claimable(record, now, query) {
			blocked[record.AggregateID] = struct{}{}

			continue
		}

		record.Status = Publishing
		record.Attempts++
		attemptAt := now
		record.LastAttemptAt = &attemptAt

		clone := *record
		claimed = append(claimed, &clone)
	}

	return claimed, nil
}

func (s *MemoryStore) claimable(record *Record, now time.Time, query ClaimQuery) bool {
	switch record.Status {
	case New:
		return true
	case Failed:
		if query.MaxAttempts > 0 && record.Attempts >= query.MaxAttempts {
			return false
		}

		if record.LastAttemptAt == nil {
			return true
		}

		return !now.Before(RetryEligibleAt(*record.LastAttemptAt, record.Attempts, query))
	default:
		return false
	}
}

// Release returns a claimed record to NEW and undoes its attempt increment.
func (s *MemoryStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	if record.Status != Publishing {
		return ErrClaimConflict
	}

	record.Status = New
	if record.Attempts > 0 {
		record.Attempts--
	}

	return nil
}

// MarkSent moves a claimed record to SENT.
func (s *MemoryStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	if record.Status != Publishing {
		return ErrClaimConflict
	}

	record.Status = Sent
	record.LastError = ""
	attemptAt := sentAt.UTC()
	record.LastAttemptAt = &attemptAt

	return nil
}

// MarkFailed moves a claimed record to FAILED, or DEAD once attempts reach
// maxAttempts.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	if record.Status != Publishing {
		return ErrClaimConflict
	}

	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = Dead
	} else {
		record.Status = Failed
	}

	record.LastError = errMsg

	return nil
}

// MarkDead moves a claimed record directly to DEAD.
func (s *MemoryStore) MarkDead(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	if record.Status.IsTerminal() {
		return ErrClaimConflict
	}

	record.Status = Dead
	record.LastError = errMsg

	return nil
}

// ReclaimStuck returns aged PUBLISHING records to NEW, or DEAD when they
// are out of attempts.
func (s *MemoryStore) ReclaimStuck(_ context.Context, limit int, stuckBefore time.Time, maxAttempts int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0

	for _, id := range s.order {
		if reclaimed >= limit {
			break
		}

		record := s.records[id]
		if record.Status != Publishing {
			continue
		}

		if record.LastAttemptAt == nil || !record.LastAttemptAt.Before(stuckBefore) {
			continue
		}

		if maxAttempts > 0 && record.Attempts >= maxAttempts {
			record.Status = Dead
			record.LastError = "reclaimed after publishing timeout with attempts exhausted"
		} else {
			record.Status = New
		}

		reclaimed++
	}

	return reclaimed, nil
}

// GetByID returns a copy of the stored record.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

// ListTenants returns distinct tenant ids with undelivered records.
func (s *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})

	for _, record := range s.records {
		if record.Status.IsTerminal() || record.TenantID == "" {
			continue
		}

		seen[record.TenantID] = struct{}{}
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}

	sort.Strings(tenants)

	return tenants, nil
}
