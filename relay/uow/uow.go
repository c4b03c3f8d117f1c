// Package uow coordinates the transactional half of the outbox pattern: one
// database transaction that persists aggregate state together with the
// outbox records for the events that state change produced. Either both
// become durable or neither does.
package uow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/parcelmq/lib-relay/relay"
	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/event"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
)

var (
	// ErrDBRequired is returned when no database handle is configured.
	ErrDBRequired = errors.New("database handle is required")
	// ErrStoreRequired is returned when no outbox store is configured.
	ErrStoreRequired = errors.New("outbox store is required")
	// ErrNotBegun is returned when an operation needs an open transaction.
	ErrNotBegun = errors.New("unit of work has not begun")
	// ErrAlreadyBegun is returned when Begin is called twice.
	ErrAlreadyBegun = errors.New("unit of work already begun")
	// ErrFinished is returned when the unit of work was committed or rolled back.
	ErrFinished = errors.New("unit of work already finished")
	// ErrAggregateRequired is returned when a nil aggregate is tracked.
	ErrAggregateRequired = errors.New("aggregate is required")
	// ErrRepositoryRequired is returned when a nil repository is tracked.
	ErrRepositoryRequired = errors.New("repository is required")
	// ErrEventRequired is returned when a nil event is registered.
	ErrEventRequired = errors.New("event is required")
)

// Aggregate is a domain object that records the events its state changes
// raise. DrainEvents returns and clears the recorded events; a second call
// returns nothing, so each event is harvested exactly once.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateType() string
	DrainEvents() []event.Event
}

// Repository persists one aggregate inside the caller's transaction.
type Repository interface {
	Save(ctx context.Context, tx outbox.Tx, aggregate Aggregate) error
}

// Tx is the transaction handle a unit of work drives. *sql.Tx satisfies it.
type Tx interface {
	Commit() error
	Rollback() error
}

// DB begins the transaction backing a unit of work. Use NewSQL for a plain
// *sql.DB.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
}

type sqlDB struct {
	db *sql.DB
}

func (s sqlDB) Begin(ctx context.Context) (Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// state is the unit of work lifecycle. The zero value is stateCreated.
type state int

const (
	stateCreated state = iota
	stateBegun
	stateCommitted
	stateRolledBack
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateBegun:
		return "begun"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type tracked struct {
	aggregate  Aggregate
	repository Repository
}

// UnitOfWork is a single atomic write of aggregate state and outbox
// records. It is not safe for concurrent use; each request should create
// its own.
type UnitOfWork struct {
	db        DB
	store     outbox.Store
	registry  *event.Registry
	publisher *publisher
	logger    log.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	state    state
	tx       Tx
	tracked  []tracked
	pending  []event.Event
	seenIDs  map[uuid.UUID]struct{}
	appended []*outbox.Record
}

// Option customizes a unit of work at construction.
type Option func(*UnitOfWork)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(u *UnitOfWork) {
		if nilcheck.Interface(logger) {
			return
		}

		u.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(u *UnitOfWork) {
		if nilcheck.Interface(tracer) {
			return
		}

		u.tracer = tracer
	}
}

// WithRegistry resolves event topics through the registry instead of
// falling back to the event name.
func WithRegistry(registry *event.Registry) Option {
	return func(u *UnitOfWork) {
		u.registry = registry
	}
}

// WithImmediatePublish publishes appended records right after commit as a
// latency optimization. Delivery remains the projector's responsibility: a
// failed immediate publish is logged and swallowed, never surfaced to the
// committing caller.
func WithImmediatePublish(eventBus bus.EventBus, publishOpts ...PublishOption) Option {
	return func(u *UnitOfWork) {
		if nilcheck.Interface(eventBus) {
			return
		}

		u.publisher = newPublisher(eventBus, publishOpts...)
	}
}

// NewSQL creates a unit of work over a plain database handle.
func NewSQL(db *sql.DB, store outbox.Store, opts ...Option) (*UnitOfWork, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	return New(sqlDB{db: db}, store, opts...)
}

// New creates a unit of work over db and store.
func New(db DB, store outbox.Store, opts ...Option) (*UnitOfWork, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	u := &UnitOfWork{
		db:      db,
		store:   store,
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("relay.noop"),
		seenIDs: make(map[uuid.UUID]struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}

	return u, nil
}

// Begin opens the transaction. It may be called once per unit of work.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateBegun:
		return ErrAlreadyBegun
	case stateCommitted, stateRolledBack:
		return ErrFinished
	}

	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}

	u.tx = tx
	u.state = stateBegun

	return nil
}

// SQLTx exposes the open SQL transaction so repositories and stores outside
// the tracked set can join the same atomic write. It is nil when the unit
// of work runs on a non-SQL transaction handle.
func (u *UnitOfWork) SQLTx() (outbox.Tx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateBegun {
		return nil, ErrNotBegun
	}

	return u.sqlTxLocked(), nil
}

func (u *UnitOfWork) sqlTxLocked() outbox.Tx {
	if tx, ok := u.tx.(*sql.Tx); ok {
		return tx
	}

	return nil
}

// Track registers an aggregate and the repository that saves it. On commit
// the aggregate is saved and its recorded events drained into the outbox.
func (u *UnitOfWork) Track(aggregate Aggregate, repository Repository) error {
	if nilcheck.Interface(aggregate) {
		return ErrAggregateRequired
	}

	if nilcheck.Interface(repository) {
		return ErrRepositoryRequired
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateBegun {
		return ErrNotBegun
	}

	u.tracked = append(u.tracked, tracked{aggregate: aggregate, repository: repository})

	return nil
}

// RegisterEvent buffers an event that is not owned by a tracked aggregate.
// Events sharing an id with an already buffered event are dropped, so
// retried registration cannot duplicate records.
func (u *UnitOfWork) RegisterEvent(evt event.Event) error {
	if nilcheck.Interface(evt) {
		return ErrEventRequired
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateBegun {
		return ErrNotBegun
	}

	u.bufferLocked(evt)

	return nil
}

func (u *UnitOfWork) bufferLocked(evt event.Event) {
	id := evt.EventID()
	if id == uuid.Nil {
		return
	}

	if _, seen := u.seenIDs[id]; seen {
		return
	}

	u.seenIDs[id] = struct{}{}
	u.pending = append(u.pending, evt)
}

// CollectEvents drains every tracked aggregate's event buffer into the
// outbox buffer and returns the buffered events. The id dedup makes the
// drain idempotent: a second call returns the same events and adds nothing
// unless new ones were recorded in between.
func (u *UnitOfWork) CollectEvents() []event.Event {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.harvestTrackedLocked()

	collected := make([]event.Event, len(u.pending))
	copy(collected, u.pending)

	return collected
}

func (u *UnitOfWork) harvestTrackedLocked() {
	for _, entry := range u.tracked {
		for _, evt := range entry.aggregate.DrainEvents() {
			u.bufferLocked(evt)
		}
	}
}

// Commit saves every tracked aggregate, drains their events plus the
// registered ones into outbox records on the same transaction, and commits.
// After a successful commit the events are durable; when immediate publish
// is configured it runs best-effort afterwards.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateBegun {
		if u.state == stateCreated {
			return ErrNotBegun
		}

		return ErrFinished
	}

	ctx, span := u.tracer.Start(ctx, "uow.commit")
	defer span.End()

	if err := u.commitLocked(ctx); err != nil {
		relay.HandleSpanError(span, "unit of work commit failed", err)

		if rollbackErr := u.rollbackLocked(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			u.logger.Log(ctx, log.LevelError, "rollback after failed commit", log.Err(rollbackErr))
		}

		u.state = stateRolledBack
		u.resetLocked()

		return err
	}

	u.state = stateCommitted

	if u.publisher != nil && len(u.appended) > 0 {
		u.publisher.publish(ctx, u.logger, u.store, u.appended)
	}

	return nil
}

func (u *UnitOfWork) commitLocked(ctx context.Context) error {
	sqlTx := u.sqlTxLocked()

	for _, entry := range u.tracked {
		if err := entry.repository.Save(ctx, sqlTx, entry.aggregate); err != nil {
			return fmt.Errorf("save aggregate %s: %w", entry.aggregate.AggregateID(), err)
		}
	}

	// Drain after save so events raised during Save are captured too.
	u.harvestTrackedLocked()

	records, err := u.recordsLocked(ctx)
	if err != nil {
		return err
	}

	// With the fast path enabled the records commit pre-claimed, so the
	// post-commit publish can mark them sent without racing a projector.
	// Release or ReclaimStuck hands unpublished ones back.
	if u.publisher != nil {
		now := time.Now().UTC()

		for _, record := range records {
			record.Status = outbox.Publishing
			record.Attempts = 1
			record.LastAttemptAt = &now
		}
	}

	if len(records) > 0 {
		if err := u.store.AppendBatch(ctx, sqlTx, records); err != nil {
			return fmt.Errorf("append outbox records: %w", err)
		}
	}

	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}

	u.appended = records
	u.pending = nil

	return nil
}

func (u *UnitOfWork) recordsLocked(ctx context.Context) ([]*outbox.Record, error) {
	if len(u.pending) == 0 {
		return nil, nil
	}

	tenantID, _ := outbox.TenantIDFromContext(ctx)

	records := make([]*outbox.Record, 0, len(u.pending))

	for _, evt := range u.pending {
		record, err := u.recordFromEvent(evt, tenantID)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (u *UnitOfWork) recordFromEvent(evt event.Event, tenantID string) (*outbox.Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", evt.EventName(), err)
	}

	topic := evt.EventName()
	if u.registry != nil {
		topic = u.registry.TopicFor(evt)
	} else if provider, ok := evt.(event.TopicProvider); ok {
		topic = provider.Topic()
	}

	opts := []outbox.RecordOption{}
	if tenantID != "" {
		opts = append(opts, outbox.WithTenantID(tenantID))
	}

	if typed, ok := evt.(interface{ AggregateType() string }); ok {
		opts = append(opts, outbox.WithAggregateType(typed.AggregateType()))
	}

	record, err := outbox.NewRecord(evt.EventID(), evt.AggregateID(), evt.EventName(), topic, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("build outbox record for %s: %w", evt.EventName(), err)
	}

	return record, nil
}

// Rollback aborts the transaction and clears every buffer, including the
// tracked aggregates. Rolling back a finished unit of work is an error
// except after a failed commit, which has already rolled back.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateCreated:
		return ErrNotBegun
	case stateCommitted:
		return ErrFinished
	case stateRolledBack:
		return nil
	}

	err := u.rollbackLocked()

	u.state = stateRolledBack
	u.resetLocked()

	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback unit of work: %w", err)
	}

	return nil
}

func (u *UnitOfWork) rollbackLocked() error {
	if u.tx == nil {
		return nil
	}

	return u.tx.Rollback()
}

// resetLocked discards the rolled-back state: tracked aggregates are drained
// so their recorded events cannot leak into a later unit of work, and every
// buffer is cleared.
func (u *UnitOfWork) resetLocked() {
	for _, entry := range u.tracked {
		entry.aggregate.DrainEvents()
	}

	u.tracked = nil
	u.pending = nil
	u.seenIDs = make(map[uuid.UUID]struct{})
}

// AppendedRecords returns the records made durable by Commit.
func (u *UnitOfWork) AppendedRecords() []*outbox.Record {
	u.mu.Lock()
	defer u.mu.Unlock()

	records := make([]*outbox.Record, len(u.appended))
	copy(records, u.appended)

	return records
}

// State returns the lifecycle state name, for logging.
func (u *UnitOfWork) State() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state.String()
}
