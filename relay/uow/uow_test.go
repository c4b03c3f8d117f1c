//go:build unit

package uow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/event"
	"github.com/parcelmq/lib-relay/relay/outbox"
)

type fakeTx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.commitErr != nil {
		return tx.commitErr
	}

	tx.committed = true

	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.rolledBack = true

	return nil
}

type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{tx: &fakeTx{}}
}

func (db *fakeDB) Begin(_ context.Context) (Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}

	return db.tx, nil
}

type accountCharged struct {
	event.Envelope
	Amount decimal.Decimal `json:"amount"`
}

func (accountCharged) EventName() string { return "ledger.account.charged" }

func (accountCharged) Topic() string { return "ledger.accounts" }

type ledgerAccount struct {
	event.Recorder
	id      uuid.UUID
	balance decimal.Decimal
	version int
}

func newLedgerAccount(opening decimal.Decimal) *ledgerAccount {
	return &ledgerAccount{id: uuid.New(), balance: opening}
}

func (a *ledgerAccount) AggregateID() uuid.UUID { return a.id }

func (a *ledgerAccount) AggregateType() string { return "ledger.account" }

func (a *ledgerAccount) Charge(amount decimal.Decimal) {
	a.balance = a.balance.Sub(amount)
	a.version++

	a.Record(accountCharged{
		Envelope: event.NewEnvelope(a.id, a.version),
		Amount:   amount,
	})
}

type fakeRepository struct {
	mu    sync.Mutex
	saved []uuid.UUID
	err   error
}

func (r *fakeRepository) Save(_ context.Context, _ outbox.Tx, aggregate Aggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.saved = append(r.saved, aggregate.AggregateID())

	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []bus.Message
	err       error
}

func (b *fakeBus) Publish(_ context.Context, message bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	b.published = append(b.published, message)

	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) publishedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.published))
	for _, message := range b.published {
		ids = append(ids, message.MessageID)
	}

	return ids
}

func newUnit(t *testing.T, db DB, store outbox.Store, opts ...Option) *UnitOfWork {
	t.Helper()

	unit, err := New(db, store, opts...)
	require.NoError(t, err)

	return unit
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, outbox.NewMemoryStore())
	require.ErrorIs(t, err, ErrDBRequired)

	_, err = NewSQL(nil, outbox.NewMemoryStore())
	require.ErrorIs(t, err, ErrDBRequired)

	_, err = New(newFakeDB(), nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestLifecycleGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	unit := newUnit(t, newFakeDB(), outbox.NewMemoryStore())

	require.ErrorIs(t, unit.Track(newLedgerAccount(decimal.Zero), &fakeRepository{}), ErrNotBegun)
	require.ErrorIs(t, unit.Commit(ctx), ErrNotBegun)
	require.ErrorIs(t, unit.Rollback(ctx), ErrNotBegun)

	require.NoError(t, unit.Begin(ctx))
	require.ErrorIs(t, unit.Begin(ctx), ErrAlreadyBegun)

	require.NoError(t, unit.Commit(ctx))
	require.Equal(t, "committed", unit.State())

	require.ErrorIs(t, unit.Commit(ctx), ErrFinished)
	require.ErrorIs(t, unit.Rollback(ctx), ErrFinished)
	require.ErrorIs(t, unit.Begin(ctx), ErrFinished)
}

func TestCommitPersistsAggregateAndOutboxRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newFakeDB()
	store := outbox.NewMemoryStore()
	repo := &fakeRepository{}

	account := newLedgerAccount(decimal.RequireFromString("100.00"))
	account.Charge(decimal.RequireFromString("12.50"))
	account.Charge(decimal.RequireFromString("7.25"))

	unit := newUnit(t, db, store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, repo))
	require.NoError(t, unit.Commit(ctx))

	require.True(t, db.tx.committed)
	require.Equal(t, []uuid.UUID{account.id}, repo.saved)

	appended := unit.AppendedRecords()
	require.Len(t, appended, 2)

	for _, record := range appended {
		stored, err := store.GetByID(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, outbox.New, stored.Status)
		require.Equal(t, account.id, stored.AggregateID)
		require.Equal(t, "ledger.account", stored.AggregateType)
		require.Equal(t, "ledger.account.charged", stored.EventType)
		require.Equal(t, "ledger.accounts", stored.Topic)
		require.Contains(t, string(stored.Payload), `"amount"`)
	}

	// The aggregate buffer was drained exactly once.
	require.Zero(t, account.PendingEvents())
}

func TestRegisterEventDeduplicatesByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := outbox.NewMemoryStore()

	evt := accountCharged{
		Envelope: event.NewEnvelope(uuid.New(), 1),
		Amount:   decimal.RequireFromString("3.00"),
	}

	unit := newUnit(t, newFakeDB(), store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.RegisterEvent(evt))
	require.NoError(t, unit.RegisterEvent(evt))

	require.Len(t, unit.CollectEvents(), 1)

	require.NoError(t, unit.Commit(ctx))
	require.Len(t, unit.AppendedRecords(), 1)
}

func TestCommitScopesRecordsToContextTenant(t *testing.T) {
	t.Parallel()

	ctx := outbox.ContextWithTenantID(context.Background(), "tenant-a")
	store := outbox.NewMemoryStore()

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("1.00"))

	unit := newUnit(t, newFakeDB(), store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, &fakeRepository{}))
	require.NoError(t, unit.Commit(ctx))

	appended := unit.AppendedRecords()
	require.Len(t, appended, 1)
	require.Equal(t, "tenant-a", appended[0].TenantID)
}

func TestRollbackClearsBuffers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newFakeDB()
	store := outbox.NewMemoryStore()

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("5.00"))

	unit := newUnit(t, db, store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, &fakeRepository{}))
	require.NoError(t, unit.RegisterEvent(accountCharged{
		Envelope: event.NewEnvelope(uuid.New(), 1),
		Amount:   decimal.RequireFromString("9.99"),
	}))

	require.NoError(t, unit.Rollback(ctx))
	require.True(t, db.tx.rolledBack)
	require.Equal(t, "rolled_back", unit.State())
	require.Empty(t, unit.CollectEvents())
	require.Empty(t, unit.AppendedRecords())

	// The rolled-back aggregate carries nothing into a later unit of work.
	require.Zero(t, account.PendingEvents())

	// Rolling back again is a no-op.
	require.NoError(t, unit.Rollback(ctx))

	claimed, err := store.Claim(ctx, outbox.ClaimQuery{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestCommitSaveFailureRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newFakeDB()
	store := outbox.NewMemoryStore()
	repo := &fakeRepository{err: errors.New("constraint violation")}

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("2.00"))

	unit := newUnit(t, db, store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, repo))

	err := unit.Commit(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "save aggregate")

	require.True(t, db.tx.rolledBack)
	require.False(t, db.tx.committed)
	require.Equal(t, "rolled_back", unit.State())
	require.ErrorIs(t, unit.Commit(ctx), ErrFinished)

	// The failed commit drained the aggregate, so retrying with a fresh
	// unit of work cannot republish the aborted facts.
	require.Zero(t, account.PendingEvents())

	retry := newUnit(t, newFakeDB(), store)
	require.NoError(t, retry.Begin(ctx))
	require.NoError(t, retry.Track(account, &fakeRepository{}))
	require.NoError(t, retry.Commit(ctx))
	require.Empty(t, retry.AppendedRecords())
}

func TestCollectEventsDrainsTrackedAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := outbox.NewMemoryStore()

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("6.00"))

	unit := newUnit(t, newFakeDB(), store)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, &fakeRepository{}))

	collected := unit.CollectEvents()
	require.Len(t, collected, 1)
	require.Zero(t, account.PendingEvents())

	// Collecting again returns the same events without duplicating them.
	require.Len(t, unit.CollectEvents(), 1)

	account.Charge(decimal.RequireFromString("3.00"))
	require.Len(t, unit.CollectEvents(), 2)

	require.NoError(t, unit.Commit(ctx))
	require.Len(t, unit.AppendedRecords(), 2)
}

func TestImmediatePublishMarksRecordsSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := outbox.NewMemoryStore()
	eventBus := &fakeBus{}

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("4.00"))

	unit := newUnit(t, newFakeDB(), store, WithImmediatePublish(eventBus))
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, &fakeRepository{}))
	require.NoError(t, unit.Commit(ctx))

	appended := unit.AppendedRecords()
	require.Len(t, appended, 1)
	require.Equal(t, []string{appended[0].ID.String()}, eventBus.publishedIDs())

	stored, err := store.GetByID(ctx, appended[0].ID)
	require.NoError(t, err)
	require.Equal(t, outbox.Sent, stored.Status)
}

func TestImmediatePublishFailureLeavesRecordsForProjector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := outbox.NewMemoryStore()
	eventBus := &fakeBus{err: errors.New("broker unavailable")}

	account := newLedgerAccount(decimal.Zero)
	account.Charge(decimal.RequireFromString("4.00"))

	unit := newUnit(t, newFakeDB(), store,
		WithImmediatePublish(eventBus,
			WithPublishAttempts(2),
			WithPublishBackoff(time.Millisecond),
		),
	)
	require.NoError(t, unit.Begin(ctx))
	require.NoError(t, unit.Track(account, &fakeRepository{}))

	// The commit itself succeeds; delivery falls back to the projector.
	require.NoError(t, unit.Commit(ctx))

	appended := unit.AppendedRecords()
	require.Len(t, appended, 1)

	stored, err := store.GetByID(ctx, appended[0].ID)
	require.NoError(t, err)
	require.Equal(t, outbox.New, stored.Status)
	require.Zero(t, stored.Attempts)

	claimed, err := store.Claim(ctx, outbox.ClaimQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, appended[0].ID, claimed[0].ID)
}

func TestImmediatePublishBreakerOpenDefersWithoutCalling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := outbox.NewMemoryStore()
	eventBus := &fakeBus{err: errors.New("broker unavailable")}

	breakerSettings := gobreaker.Settings{
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}

	publishOpts := []PublishOption{
		WithPublishAttempts(1),
		WithPublishBreaker(breakerSettings),
	}

	commitCharge := func(unit *UnitOfWork) *outbox.Record {
		account := newLedgerAccount(decimal.Zero)
		account.Charge(decimal.RequireFromString("1.00"))

		require.NoError(t, unit.Begin(ctx))
		require.NoError(t, unit.Track(account, &fakeRepository{}))
		require.NoError(t, unit.Commit(ctx))

		appended := unit.AppendedRecords()
		require.Len(t, appended, 1)

		return appended[0]
	}

	shared := newPublisher(eventBus, publishOpts...)

	first := newUnit(t, newFakeDB(), store)
	first.publisher = shared
	firstRecord := commitCharge(first)

	// The first failure tripped the breaker; the second commit is deferred
	// without a broker round trip.
	eventBus.err = nil

	second := newUnit(t, newFakeDB(), store)
	second.publisher = shared
	secondRecord := commitCharge(second)

	require.Empty(t, eventBus.publishedIDs())

	for _, id := range []uuid.UUID{firstRecord.ID, secondRecord.ID} {
		stored, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, outbox.New, stored.Status)
	}
}
