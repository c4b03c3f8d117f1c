//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/event"
	"github.com/parcelmq/lib-relay/relay/log"
)

type fakeBus struct {
	mu        sync.Mutex
	published []bus.Message
	failures  map[string]error
	closed    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{failures: make(map[string]error)}
}

func (b *fakeBus) failWith(messageID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[messageID] = err
}

func (b *fakeBus) Publish(_ context.Context, message bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrBusClosed
	}

	if err, ok := b.failures[message.MessageID]; ok {
		return err
	}

	b.published = append(b.published, message)

	return nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

func (b *fakeBus) publishedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.published))
	for _, message := range b.published {
		ids = append(ids, message.MessageID)
	}

	return ids
}

func newTestProjector(t *testing.T, store Store, eventBus bus.EventBus, opts ...ProjectorOption) *Projector {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("test")

	projector, err := NewProjector(store, eventBus, log.NewNop(), tracer, opts...)
	require.NoError(t, err)

	return projector
}

func TestNewProjectorValidatesDependencies(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")

	_, err := NewProjector(nil, newFakeBus(), log.NewNop(), tracer)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewProjector(NewMemoryStore(), nil, log.NewNop(), tracer)
	require.ErrorIs(t, err, ErrBusRequired)
}

func TestProjectOncePublishesAndMarksSent(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()

	record := testRecord(t, uuid.New(), WithTenantID("tenant-a"))
	require.NoError(t, store.Append(ctx, nil, record))

	projector := newTestProjector(t, store, eventBus)

	result, err := projector.ProjectOnceResult(ctx)
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Sent: 1}, result)

	stored, err := store.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, Sent, stored.Status)

	require.Equal(t, []string{record.ID.String()}, eventBus.publishedIDs())

	message := eventBus.published[0]
	require.Equal(t, "logistics.parcels", message.Topic)
	require.Equal(t, record.AggregateID.String(), message.Key)
	require.Equal(t, "parcel.dispatched", message.Headers["event_type"])
	require.Equal(t, "tenant-a", message.Headers["tenant_id"])
}

func TestProjectOncePreservesAggregateOrder(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()
	aggregateID := uuid.New()

	first := testRecord(t, aggregateID)
	second := testRecord(t, aggregateID)
	third := testRecord(t, aggregateID)
	require.NoError(t, store.AppendBatch(ctx, nil, []*Record{first, second, third}))

	projector := newTestProjector(t, store, eventBus, WithMaxConcurrentWorkers(8))

	result, err := projector.ProjectOnceResult(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.Sent)

	require.Equal(
		t,
		[]string{first.ID.String(), second.ID.String(), third.ID.String()},
		eventBus.publishedIDs(),
	)
}

func TestProjectOnceFailureReleasesGroupSuccessors(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()
	aggregateID := uuid.New()

	first := testRecord(t, aggregateID)
	second := testRecord(t, aggregateID)
	require.NoError(t, store.AppendBatch(ctx, nil, []*Record{first, second}))

	eventBus.failWith(first.ID.String(), errors.New("broker unavailable"))

	projector := newTestProjector(t, store, eventBus)

	result, err := projector.ProjectOnceResult(ctx)
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 2, Failed: 1, Released: 1}, result)

	failed, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, Failed, failed.Status)
	require.Equal(t, 1, failed.Attempts)
	require.Contains(t, failed.LastError, "broker unavailable")

	// The successor was claimed but never tried; it goes back to NEW with
	// its attempt counter untouched.
	released, err := store.GetByID(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, New, released.Status)
	require.Equal(t, 0, released.Attempts)

	require.Empty(t, eventBus.publishedIDs())
}

func TestProjectOnceNonRetryableMovesToDead(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()

	record := testRecord(t, uuid.New())
	require.NoError(t, store.Append(ctx, nil, record))

	eventBus.failWith(record.ID.String(), MarkNonRetryable(errors.New("schema rejected")))

	projector := newTestProjector(t, store, eventBus)

	result, err := projector.ProjectOnceResult(ctx)
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Dead: 1}, result)

	stored, err := store.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, Dead, stored.Status)
}

func TestProjectOnceUsesRetryClassifier(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()

	record := testRecord(t, uuid.New())
	require.NoError(t, store.Append(ctx, nil, record))

	permanent := errors.New("routing key refused")
	eventBus.failWith(record.ID.String(), permanent)

	projector := newTestProjector(t, store, eventBus, WithRetryClassifier(RetryClassifierFunc(func(err error) bool {
		return errors.Is(err, permanent)
	})))

	result, err := projector.ProjectOnceResult(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Dead)

	stored, err := store.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, Dead, stored.Status)
}

type gatedEvent struct {
	ParcelID string `json:"parcel_id"`
}

func (e gatedEvent) EventID() uuid.UUID     { return uuid.Nil }
func (e gatedEvent) AggregateID() uuid.UUID { return uuid.Nil }
func (e gatedEvent) EventName() string      { return "parcel.dispatched" }
func (e gatedEvent) OccurredAt() time.Time  { return time.Time{} }

func TestProjectOnceRegistryGatePoisonRecordContinuesGroup(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()
	aggregateID := uuid.New()

	registry := event.NewRegistry()
	require.NoError(t, registry.Register(gatedEvent{}, func() event.Event { return &gatedEvent{} }))

	poison, err := NewRecord(
		uuid.New(),
		aggregateID,
		"parcel.lost",
		"logistics.parcels",
		[]byte(`{"parcel_id":"p-1"}`),
	)
	require.NoError(t, err)

	healthy := testRecord(t, aggregateID)
	require.NoError(t, store.AppendBatch(ctx, nil, []*Record{poison, healthy}))

	projector := newTestProjector(t, store, eventBus, WithRegistry(registry))

	result, projectErr := projector.ProjectOnceResult(ctx)
	require.NoError(t, projectErr)
	require.Equal(t, CycleResult{Claimed: 2, Sent: 1, Dead: 1}, result)

	dead, err := store.GetByID(ctx, poison.ID)
	require.NoError(t, err)
	require.Equal(t, Dead, dead.Status)
	require.Contains(t, dead.LastError, "unknown event type")

	require.Equal(t, []string{healthy.ID.String()}, eventBus.publishedIDs())
}

func TestProjectorRunAndShutdown(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()
	ctx := context.Background()

	record := testRecord(t, uuid.New())
	require.NoError(t, store.Append(ctx, nil, record))

	projector := newTestProjector(t, store, eventBus,
		WithSleepBusy(time.Millisecond),
		WithSleepIdle(time.Millisecond),
		WithSleepIdleMax(5*time.Millisecond),
	)

	runDone := make(chan error, 1)

	go func() {
		runDone <- projector.RunContext(ctx, nil)
	}()

	require.Eventually(t, func() bool {
		stored, err := store.GetByID(ctx, record.ID)

		return err == nil && stored.Status == Sent
	}, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, projector.Shutdown(shutdownCtx))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("projector run loop did not stop")
	}
}

func TestProjectorRejectsConcurrentRuns(t *testing.T) {
	store := NewMemoryStore()
	eventBus := newFakeBus()

	projector := newTestProjector(t, store, eventBus,
		WithSleepIdle(time.Millisecond),
		WithSleepIdleMax(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)

	go func() {
		runDone <- projector.RunContext(ctx, nil)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(projector.RunContext(ctx, nil), ErrProjectorRunning)
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("projector run loop did not stop")
	}
}
