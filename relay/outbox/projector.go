package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	relay "github.com/parcelmq/lib-relay/relay"
	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/event"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/runtime"
)

// Projector polls the outbox store, claims undelivered records, and publishes
// them to the event bus.
//
// Delivery is at-least-once: publish happens before MarkSent, so a crash in
// between redelivers the record after the publishing timeout. Records sharing
// an aggregate id are published in creation order; records of different
// aggregates may interleave freely across workers.
type Projector struct {
	store           Store
	bus             bus.EventBus
	registry        *event.Registry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             ProjectorConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	workWg     sync.WaitGroup
	tenantTurn int

	metrics projectorMetrics
}

var _ relay.App = (*Projector)(nil)

// CycleResult captures one poll cycle outcome.
type CycleResult struct {
	Claimed  int
	Sent     int
	Failed   int
	Dead     int
	Released int
}

// NewProjector creates an outbox projector over store and eventBus.
func NewProjector(
	store Store,
	eventBus bus.EventBus,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...ProjectorOption,
) (*Projector, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(eventBus) {
		return nil, ErrBusRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	projector := &Projector{
		store:  store,
		bus:    eventBus,
		logger: logger,
		tracer: tracer,
		cfg:    DefaultProjectorConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(projector)
		}
	}

	projector.cfg.normalize()

	metrics, err := newProjectorMetrics(projector.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	projector.metrics = metrics

	return projector, nil
}

// WithRegistry gates publishing behind event deserialization. Records whose
// payload the registry rejects move to DEAD instead of being retried.
func WithRegistry(registry *event.Registry) ProjectorOption {
	return func(projector *Projector) {
		projector.registry = registry
	}
}

// Run starts the projector loop until Stop is called.
func (projector *Projector) Run(launcher *relay.Launcher) error {
	return projector.RunContext(context.Background(), launcher)
}

// RunContext starts the projector loop until Stop is called or ctx is
// cancelled. The loop adapts its cadence to observed work: a short pause
// while records keep arriving, a doubling pause while the outbox is empty,
// and a fixed delay after claim errors.
func (projector *Projector) RunContext(parentCtx context.Context, launcher *relay.Launcher) error {
	if projector == nil {
		return ErrProjectorRequired
	}

	if projector.store == nil || projector.bus == nil {
		return ErrProjectorRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !projector.registerRun(cancel) {
		cancel()

		return ErrProjectorRunning
	}

	defer projector.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox projector started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox projector stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, projector.logger, "outbox", "projector_run")

	idleSleep := projector.cfg.SleepIdle

	for {
		select {
		case <-projector.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		claimed, cycleErr := projector.runCycle(ctx)

		var sleep time.Duration

		switch {
		case cycleErr != nil:
			sleep = projector.cfg.ErrorRetryDelay
			idleSleep = projector.cfg.SleepIdle
		case claimed > 0:
			sleep = projector.cfg.SleepBusy
			idleSleep = projector.cfg.SleepIdle
		default:
			sleep = idleSleep

			idleSleep *= 2
			if idleSleep > projector.cfg.SleepIdleMax {
				idleSleep = projector.cfg.SleepIdleMax
			}
		}

		if err := projector.sleep(ctx, sleep); err != nil {
			return nil
		}
	}
}

func (projector *Projector) sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-projector.stopSignal():
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (projector *Projector) stopSignal() <-chan struct{} {
	projector.runStateMu.Lock()
	defer projector.runStateMu.Unlock()

	return projector.stop
}

func (projector *Projector) runCycle(ctx context.Context) (int, error) {
	projector.workWg.Add(1)
	defer projector.workWg.Done()

	cycleCtx, span := projector.tracer.Start(ctx, "outbox.projector.cycle")
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, projector.logger, "outbox", "projector_cycle")

	return projector.projectAcrossTenants(cycleCtx)
}

// Stop signals the projector loop to stop.
func (projector *Projector) Stop() {
	if projector == nil {
		return
	}

	projector.stopOnce.Do(func() {
		projector.runStateMu.Lock()
		cancel := projector.cancelFunc
		stop := projector.stop
		if stop == nil {
			stop = make(chan struct{})
			projector.stop = stop
		}
		projector.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for in-flight cycle completion.
func (projector *Projector) Shutdown(ctx context.Context) error {
	if projector == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	projector.Stop()

	done := make(chan struct{})

	runtime.SafeGo(projector.logger, "outbox.projector_shutdown_wait", runtime.KeepRunning, func() {
		projector.workWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("projector shutdown: %w", ctx.Err())
	}
}

// projectAcrossTenants keeps tenant cycles sequential for per-cycle
// predictability but rotates the starting tenant between cycles so a slow
// tenant cannot permanently starve the others.
func (projector *Projector) projectAcrossTenants(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)
	if nilcheck.Interface(logger) {
		logger = projector.logger
	}

	if nilcheck.Interface(tracer) {
		tracer = projector.tracer
	}

	ctx, span := tracer.Start(ctx, "outbox.projector.tenants")
	defer span.End()

	reclaimed, err := projector.store.ReclaimStuck(
		ctx,
		projector.cfg.BatchSize,
		time.Now().UTC().Add(-projector.cfg.PublishingTimeout),
		projector.cfg.MaxRetryAttempts,
	)
	if err != nil {
		log.SafeError(logger, ctx, "failed to reclaim stuck publishing records", err)
	} else if reclaimed > 0 {
		logger.Log(ctx, log.LevelWarn, "reclaimed stuck publishing records", log.Int("count", reclaimed))
	}

	tenants, err := projector.store.ListTenants(ctx)
	if err != nil {
		log.SafeError(logger, ctx, "failed to list outbox tenants", err)

		return 0, err
	}

	orderedTenants := projector.tenantCycleOrder(nonEmptyTenants(tenants))
	if len(orderedTenants) == 0 {
		result, cycleErr := projector.ProjectOnceResult(projector.defaultTenantContext(ctx))

		return result.Claimed, cycleErr
	}

	claimed := 0

	var firstErr error

	for _, tenantID := range orderedTenants {
		if ctx.Err() != nil {
			break
		}

		tenantCtx := ContextWithTenantID(ctx, tenantID)
		tenantCtx, tenantSpan := tracer.Start(tenantCtx, "outbox.projector.tenant")
		result, cycleErr := projector.ProjectOnceResult(tenantCtx)
		// Keep tenant trace correlation without exposing raw tenant identifiers.
		tenantSpan.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("outbox.cycle.claimed", result.Claimed),
			attribute.Int("outbox.cycle.sent", result.Sent),
			attribute.Int("outbox.cycle.failed", result.Failed),
			attribute.Int("outbox.cycle.dead", result.Dead),
		)
		tenantSpan.End()

		claimed += result.Claimed

		if cycleErr != nil && firstErr == nil {
			firstErr = cycleErr
		}
	}

	return claimed, firstErr
}

func (projector *Projector) defaultTenantContext(ctx context.Context) context.Context {
	if _, ok := TenantIDFromContext(ctx); ok {
		return ctx
	}

	if projector.cfg.DefaultTenantID != "" {
		return ContextWithTenantID(ctx, projector.cfg.DefaultTenantID)
	}

	return ctx
}

func (projector *Projector) tenantCycleOrder(tenants []string) []string {
	if len(tenants) <= 1 {
		return append([]string(nil), tenants...)
	}

	projector.runStateMu.Lock()
	start := projector.tenantTurn % len(tenants)
	projector.tenantTurn = (projector.tenantTurn + 1) % len(tenants)
	projector.runStateMu.Unlock()

	ordered := make([]string, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)

	return ordered
}

// ProjectOnce runs one tenant-scoped poll cycle and returns how many records
// it claimed.
func (projector *Projector) ProjectOnce(ctx context.Context) int {
	result, _ := projector.ProjectOnceResult(ctx)

	return result.Claimed
}

// ProjectOnceResult runs one tenant-scoped poll cycle: claim a batch, group
// it by aggregate, and publish the groups concurrently while each group
// stays sequential.
func (projector *Projector) ProjectOnceResult(ctx context.Context) (CycleResult, error) {
	if projector == nil {
		return CycleResult{}, ErrProjectorRequired
	}

	if projector.store == nil || projector.bus == nil {
		return CycleResult{}, ErrProjectorRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := projector.logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	start := time.Now().UTC()

	ctx, span := projector.tracer.Start(ctx, "outbox.projector.project")
	defer span.End()

	tenantID, _ := TenantIDFromContext(ctx)

	records, err := projector.store.Claim(ctx, ClaimQuery{
		Limit:                   projector.cfg.BatchSize,
		TenantID:                tenantID,
		Now:                     start,
		RetryBackoffBase:        projector.cfg.RetryBackoffBase,
		RetryBackoffFactor:      projector.cfg.RetryBackoffFactor,
		RetryBackoffMaxExponent: projector.cfg.RetryBackoffMaxExponent,
		MaxAttempts:             projector.cfg.MaxRetryAttempts,
	})
	if err != nil {
		log.SafeError(logger, ctx, "failed to claim outbox records", err)

		return CycleResult{}, fmt.Errorf("claim outbox records: %w", err)
	}

	projector.recordBatchDepth(ctx, int64(len(records)))

	if len(records) == 0 {
		projector.recordCycleLatency(ctx, time.Since(start).Seconds())

		return CycleResult{}, nil
	}

	groups := groupByAggregate(records)

	var (
		resultMu sync.Mutex
		result   = CycleResult{Claimed: len(records)}
		groupWg  sync.WaitGroup
	)

	semaphore := make(chan struct{}, projector.cfg.MaxConcurrentWorkers)

	for _, group := range groups {
		group := group

		semaphore <- struct{}{}
		groupWg.Add(1)

		runtime.SafeGoWithContext(ctx, logger, "outbox.projector_group", runtime.KeepRunning, func(groupCtx context.Context) {
			defer groupWg.Done()
			defer func() { <-semaphore }()

			groupResult := projector.publishGroup(groupCtx, logger, group)

			resultMu.Lock()
			result.Sent += groupResult.Sent
			result.Failed += groupResult.Failed
			result.Dead += groupResult.Dead
			result.Released += groupResult.Released
			resultMu.Unlock()
		})
	}

	groupWg.Wait()

	projector.addSent(ctx, int64(result.Sent))
	projector.addFailed(ctx, int64(result.Failed))
	projector.addDead(ctx, int64(result.Dead))
	projector.addReleased(ctx, int64(result.Released))
	projector.recordCycleLatency(ctx, time.Since(start).Seconds())

	return result, nil
}

// groupByAggregate splits a claimed batch into per-aggregate groups,
// preserving the claim order both across groups and inside each group.
func groupByAggregate(records []*Record) [][]*Record {
	index := make(map[uuid.UUID]int, len(records))
	groups := make([][]*Record, 0, len(records))

	for _, record := range records {
		if record == nil {
			continue
		}

		position, ok := index[record.AggregateID]
		if !ok {
			index[record.AggregateID] = len(groups)
			groups = append(groups, []*Record{record})

			continue
		}

		groups[position] = append(groups[position], record)
	}

	return groups
}

// publishGroup publishes one aggregate's records in order. A retryable
// failure stops the group and releases its unprocessed successors so their
// attempt counters do not inflate while they wait behind the failure. A
// poison record moves to DEAD and the group continues past it.
func (projector *Projector) publishGroup(ctx context.Context, logger log.Logger, group []*Record) CycleResult {
	var result CycleResult

	for position, record := range group {
		if ctx.Err() != nil {
			result.Released += projector.releaseRemainder(ctx, logger, group[position:])

			return result
		}

		if record == nil {
			continue
		}

		if err := projector.gateRecord(record); err != nil {
			projector.markRecordDead(ctx, logger, record, err)

			result.Dead++

			continue
		}

		publishErr := projector.bus.Publish(ctx, MessageFromRecord(record))
		if publishErr == nil {
			if err := projector.store.MarkSent(ctx, record.ID, time.Now().UTC()); err != nil {
				logger.Log(
					ctx,
					log.LevelError,
					"outbox record published but failed to persist sent status; record may be redelivered",
					log.String("record_id", record.ID.String()),
					log.String("error", sanitizeError(err)),
				)
			}

			result.Sent++

			continue
		}

		if projector.isNonRetryable(publishErr) {
			projector.markRecordDead(ctx, logger, record, publishErr)

			result.Dead++

			continue
		}

		if err := projector.store.MarkFailed(ctx, record.ID, sanitizeError(publishErr), projector.cfg.MaxRetryAttempts); err != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox record failed",
				log.String("record_id", record.ID.String()),
				log.String("error", sanitizeError(err)),
			)
		}

		logger.Log(ctx, log.LevelWarn, "outbox record publish failed",
			log.String("record_id", record.ID.String()),
			log.String("event_type", record.EventType),
			log.Int("attempts", record.Attempts),
			log.String("error", sanitizeError(publishErr)),
		)

		result.Failed++
		result.Released += projector.releaseRemainder(ctx, logger, group[position+1:])

		return result
	}

	return result
}

func (projector *Projector) releaseRemainder(ctx context.Context, logger log.Logger, remainder []*Record) int {
	released := 0

	for _, record := range remainder {
		if record == nil {
			continue
		}

		if err := projector.store.Release(ctx, record.ID); err != nil {
			logger.Log(ctx, log.LevelError, "failed to release unprocessed outbox record",
				log.String("record_id", record.ID.String()),
				log.String("error", sanitizeError(err)),
			)

			continue
		}

		released++
	}

	return released
}

// gateRecord rejects records whose payload the registry refuses to
// deserialize. Without a registry every record passes.
func (projector *Projector) gateRecord(record *Record) error {
	if projector.registry == nil {
		return nil
	}

	if _, err := projector.registry.Deserialize(record.EventType, record.Payload); err != nil {
		return fmt.Errorf("payload rejected before publish: %w", err)
	}

	return nil
}

func (projector *Projector) markRecordDead(ctx context.Context, logger log.Logger, record *Record, cause error) {
	if err := projector.store.MarkDead(ctx, record.ID, sanitizeError(cause)); err != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox record dead",
			log.String("record_id", record.ID.String()),
			log.String("error", sanitizeError(err)),
		)

		return
	}

	logger.Log(ctx, log.LevelError, "outbox record moved to dead status",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.String("error", sanitizeError(cause)),
	)
}

func (projector *Projector) isNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	if IsNonRetryable(err) {
		return true
	}

	if nilcheck.Interface(projector.retryClassifier) {
		return false
	}

	return projector.retryClassifier.IsNonRetryable(err)
}

// MessageFromRecord builds the bus message for a record. The record id is
// the broker-level dedup key and the aggregate id the partition key.
func MessageFromRecord(record *Record) bus.Message {
	headers := map[string]string{
		"event_type": record.EventType,
	}

	if record.AggregateType != "" {
		headers["aggregate_type"] = record.AggregateType
	}

	if record.TenantID != "" {
		headers["tenant_id"] = record.TenantID
	}

	if record.SchemaID != "" {
		headers["schema_id"] = record.SchemaID
	}

	return bus.Message{
		MessageID:  record.ID.String(),
		Topic:      record.Topic,
		RoutingKey: record.RoutingKey,
		Key:        record.AggregateID.String(),
		Payload:    record.Payload,
		Headers:    headers,
	}
}

func nonEmptyTenants(tenants []string) []string {
	if len(tenants) == 0 {
		return nil
	}

	result := make([]string, 0, len(tenants))

	for _, tenantID := range tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			continue
		}

		result = append(result, tenantID)
	}

	return result
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}

func (projector *Projector) registerRun(cancel context.CancelFunc) bool {
	projector.runStateMu.Lock()
	defer projector.runStateMu.Unlock()

	if projector.running {
		return false
	}

	if projector.stop == nil || isClosedSignal(projector.stop) {
		projector.stop = make(chan struct{})
		projector.stopOnce = sync.Once{}
	}

	projector.running = true
	projector.cancelFunc = cancel

	return true
}

func (projector *Projector) clearRun() {
	projector.runStateMu.Lock()
	defer projector.runStateMu.Unlock()

	projector.running = false
	projector.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (projector *Projector) recordBatchDepth(ctx context.Context, depth int64) {
	if projector.metrics.batchDepth == nil {
		return
	}

	projector.metrics.batchDepth.Record(ctx, depth, projector.tenantRecordOptions(ctx)...)
}

func (projector *Projector) addSent(ctx context.Context, count int64) {
	if projector.metrics.recordsSent == nil || count <= 0 {
		return
	}

	projector.metrics.recordsSent.Add(ctx, count, projector.tenantAddOptions(ctx)...)
}

func (projector *Projector) addFailed(ctx context.Context, count int64) {
	if projector.metrics.recordsFailed == nil || count <= 0 {
		return
	}

	projector.metrics.recordsFailed.Add(ctx, count, projector.tenantAddOptions(ctx)...)
}

func (projector *Projector) addDead(ctx context.Context, count int64) {
	if projector.metrics.recordsDead == nil || count <= 0 {
		return
	}

	projector.metrics.recordsDead.Add(ctx, count, projector.tenantAddOptions(ctx)...)
}

func (projector *Projector) addReleased(ctx context.Context, count int64) {
	if projector.metrics.recordsReleased == nil || count <= 0 {
		return
	}

	projector.metrics.recordsReleased.Add(ctx, count, projector.tenantAddOptions(ctx)...)
}

func (projector *Projector) recordCycleLatency(ctx context.Context, latencySeconds float64) {
	if projector.metrics.cycleLatency == nil {
		return
	}

	projector.metrics.cycleLatency.Record(ctx, latencySeconds, projector.tenantRecordOptions(ctx)...)
}

func (projector *Projector) tenantAttribute(ctx context.Context) (attribute.KeyValue, bool) {
	if !projector.cfg.IncludeTenantMetrics {
		return attribute.KeyValue{}, false
	}

	tenantID, ok := TenantIDFromContext(ctx)
	if !ok || tenantID == "" {
		return attribute.KeyValue{}, false
	}

	return attribute.String("tenant", hashTenantID(tenantID)), true
}

func (projector *Projector) tenantAddOptions(ctx context.Context) []metric.AddOption {
	if attr, ok := projector.tenantAttribute(ctx); ok {
		return []metric.AddOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (projector *Projector) tenantRecordOptions(ctx context.Context) []metric.RecordOption {
	if attr, ok := projector.tenantAttribute(ctx); ok {
		return []metric.RecordOption{metric.WithAttributes(attr)}
	}

	return nil
}
