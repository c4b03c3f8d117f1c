// Package postgres persists outbox records in PostgreSQL.
//
// Claims and status marks run as conditional updates on the primary so that
// concurrent projectors never share a record: a claim is an UPDATE guarded by
// the current status, batched through FOR UPDATE SKIP LOCKED, and a mark that
// matches zero rows reports a conflict instead of silently succeeding.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/parcelmq/lib-relay/relay"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
	relaypostgres "github.com/parcelmq/lib-relay/relay/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrClientRequired            = errors.New("postgres client is required")
	ErrStoreNotInitialized       = errors.New("outbox store not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const recordColumns = "id, aggregate_id, aggregate_type, event_type, topic, routing_key, " +
	"payload, tenant_id, schema_id, status, attempts, last_error, created_at, last_attempt_at"

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

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithStatusNames overrides the stored status strings.
func WithStatusNames(names outbox.StatusNames) Option {
	return func(store *Store) {
		store.statusNames = names
	}
}

// WithTransactionTimeout bounds store-owned transactions.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store implements the outbox store contract over PostgreSQL.
type Store struct {
	client             *relaypostgres.Client
	logger             log.Logger
	tableName          string
	statusNames        outbox.StatusNames
	transactionTimeout time.Duration
	primaryDBLookup    func(context.Context) (*sql.DB, error)
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store.
func NewStore(client *relaypostgres.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:             client,
		logger:             log.NewNop(),
		tableName:          "outbox_records",
		statusNames:        outbox.DefaultStatusNames(),
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if nilcheck.Interface(store.logger) {
		store.logger = log.NewNop()
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "outbox_records"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	if err := store.statusNames.Validate(); err != nil {
		return nil, fmt.Errorf("status names: %w", err)
	}

	return store, nil
}

// Append persists one record, ignoring duplicates by id.
func (store *Store) Append(ctx context.Context, tx outbox.Tx, record *outbox.Record) error {
	return store.AppendBatch(ctx, tx, []*outbox.Record{record})
}

// AppendBatch persists records in order inside the caller's transaction. A
// nil tx runs the batch in a store-owned transaction. Records whose id
// already exists are skipped, which keeps retried commits idempotent.
func (store *Store) AppendBatch(ctx context.Context, tx outbox.Tx, records []*outbox.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	for _, record := range records {
		if record == nil {
			return outbox.ErrRecordRequired
		}

		if record.ID == uuid.Nil {
			return outbox.ErrRecordIDRequired
		}
	}

	if len(records) == 0 {
		return nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_append")
	defer span.End()

	_, err := withTxOrExisting(store, ctx, tx, func(execTx *sql.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table + " (" + recordColumns + ") VALUES " +
			"($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) " +
			"ON CONFLICT (id) DO NOTHING"

		for _, record := range records {
			createdAt := record.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}

			status := record.Status
			if status == "" {
				status = outbox.New
			}

			args := []any{
				record.ID,
				record.AggregateID,
				record.AggregateType,
				record.EventType,
				record.Topic,
				record.RoutingKey,
				record.Payload,
				record.TenantID,
				record.SchemaID,
				store.statusNames.Render(status),
				record.Attempts,
				record.LastError,
				createdAt,
				record.LastAttemptAt,
			}

			if _, execErr := execTx.ExecContext(ctx, query, args...); execErr != nil {
				return struct{}{}, fmt.Errorf("inserting outbox record: %w", execErr)
			}
		}

		return struct{}{}, nil
	})
	if err != nil {
		relay.HandleSpanError(span, "failed to append outbox records", err)
		logSanitizedError(logger, ctx, "failed to append outbox records", err)

		return fmt.Errorf("appending outbox records: %w", err)
	}

	return nil
}

// Claim atomically moves eligible records to the publishing status and
// returns them oldest first.
//
// Eligibility covers NEW records and FAILED records whose exponential
// backoff has elapsed and whose attempts are below the ceiling. A record is
// skipped while an older undelivered record of the same aggregate is not
// claimable, which is what preserves per-aggregate ordering across
// concurrent projectors. Contended rows are skipped via FOR UPDATE SKIP
// LOCKED rather than waited on.
func (store *Store) Claim(ctx context.Context, query outbox.ClaimQuery) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if query.Limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	now := query.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	backoffBaseSeconds := query.RetryBackoffBase.Seconds()
	if backoffBaseSeconds <= 0 {
		backoffBaseSeconds = 1
	}

	backoffFactor := query.RetryBackoffFactor
	if backoffFactor <= 1 {
		backoffFactor = 2
	}

	maxExponent := query.RetryBackoffMaxExponent
	if maxExponent <= 0 {
		maxExponent = 1
	}

	maxAttempts := query.MaxAttempts
	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_claim")
	defer span.End()

	records, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]*outbox.Record, error) {
		table := quoteIdentifierPath(store.tableName)

		// eligible(r): r is claimable right now. The same predicate blocks a
		// successor when it fails for a predecessor, so a chain never jumps
		// past a record that is in flight or cooling down.
		eligible := func(alias string) string {
			return "(" + alias + ".status = $1 OR (" + alias + ".status = $2 " +
				"AND " + alias + ".attempts < $3 " +
				"AND " + alias + ".last_attempt_at IS NOT NULL " +
				"AND " + alias + ".last_attempt_at + make_interval(secs => $4 * power($5, LEAST(GREATEST(" + alias + ".attempts, 1) - 1, $6))) <= $7))"
		}

		filter := ""
		args := []any{
			store.statusNames.New,
			store.statusNames.Failed,
			maxAttempts,
			backoffBaseSeconds,
			backoffFactor,
			maxExponent,
			now,
			store.statusNames.Sent,
			store.statusNames.Dead,
		}

		if query.TenantID != "" {
			filter = fmt.Sprintf(" AND o.tenant_id = $%d", len(args)+1)

			args = append(args, query.TenantID)
		}

		selectQuery := "WITH candidates AS (" +
			"SELECT o.id FROM " + table + " o" +
			" WHERE " + eligible("o") +
			filter +
			" AND NOT EXISTS (" +
			"SELECT 1 FROM " + table + " b" +
			" WHERE b.aggregate_id = o.aggregate_id" +
			" AND (b.created_at < o.created_at OR (b.created_at = o.created_at AND b.id < o.id))" +
			" AND b.status NOT IN ($8, $9)" +
			" AND NOT " + eligible("b") +
			")" +
			" ORDER BY o.created_at ASC, o.id ASC" +
			fmt.Sprintf(" LIMIT $%d", len(args)+1) +
			" FOR UPDATE SKIP LOCKED" +
			") " +
			"UPDATE " + table + " SET " +
			fmt.Sprintf("status = $%d, attempts = attempts + 1, last_attempt_at = $7, updated_at = $7 ", len(args)+2) +
			"FROM candidates WHERE " + table + ".id = candidates.id " +
			"RETURNING " + qualifiedRecordColumns(table)

		args = append(args, query.Limit, store.statusNames.Publishing)

		rows, queryErr := tx.QueryContext(ctx, selectQuery, args...)
		if queryErr != nil {
			return nil, fmt.Errorf("claiming outbox records: %w", queryErr)
		}

		defer rows.Close()

		claimed := make([]*outbox.Record, 0, query.Limit)

		for rows.Next() {
			record, scanErr := store.scanRecord(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			claimed = append(claimed, record)
		}

		if rowsErr := rows.Err(); rowsErr != nil {
			return nil, fmt.Errorf("iterating claimed records: %w", rowsErr)
		}

		return claimed, nil
	})
	if err != nil {
		relay.HandleSpanError(span, "failed to claim outbox records", err)
		logSanitizedError(logger, ctx, "failed to claim outbox records", err)

		return nil, fmt.Errorf("claiming outbox records: %w", err)
	}

	// RETURNING does not guarantee row order.
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID.String() < records[j].ID.String()
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

// Release returns a claimed record to NEW and undoes its attempt increment.
func (store *Store) Release(ctx context.Context, id uuid.UUID) error {
	return store.markConditional(
		ctx,
		"postgres.outbox_release",
		"releasing outbox record",
		id,
		func(table string) (string, []any) {
			query := "UPDATE " + table + " SET status = $1, attempts = GREATEST(attempts - 1, 0), updated_at = $2 " +
				"WHERE id = $3 AND status = $4"

			return query, []any{store.statusNames.New, time.Now().UTC(), id, store.statusNames.Publishing}
		},
	)
}

// MarkSent moves a claimed record to its terminal delivered status.
func (store *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return store.markConditional(
		ctx,
		"postgres.outbox_mark_sent",
		"marking outbox record sent",
		id,
		func(table string) (string, []any) {
			query := "UPDATE " + table + " SET status = $1, last_error = '', last_attempt_at = $2, updated_at = $3 " +
				"WHERE id = $4 AND status = $5"

			return query, []any{store.statusNames.Sent, sentAt.UTC(), time.Now().UTC(), id, store.statusNames.Publishing}
		},
	)
}

// MarkFailed records a delivery failure, moving the record to DEAD once its
// attempts reach maxAttempts.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return store.markConditional(
		ctx,
		"postgres.outbox_mark_failed",
		"marking outbox record failed",
		id,
		func(table string) (string, []any) {
			query := "UPDATE " + table + " SET " +
				"status = CASE WHEN attempts >= $1 THEN $2 ELSE $3 END, " +
				"last_error = $4, updated_at = $5 " +
				"WHERE id = $6 AND status = $7"

			return query, []any{
				maxAttempts,
				store.statusNames.Dead,
				store.statusNames.Failed,
				errMsg,
				time.Now().UTC(),
				id,
				store.statusNames.Publishing,
			}
		},
	)
}

// MarkDead moves a non-terminal record directly to DEAD.
func (store *Store) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	errMsg = outbox.SanitizeErrorMessage(errMsg)

	return store.markConditional(
		ctx,
		"postgres.outbox_mark_dead",
		"marking outbox record dead",
		id,
		func(table string) (string, []any) {
			query := "UPDATE " + table + " SET status = $1, last_error = $2, updated_at = $3 " +
				"WHERE id = $4 AND status NOT IN ($5, $6)"

			return query, []any{
				store.statusNames.Dead,
				errMsg,
				time.Now().UTC(),
				id,
				store.statusNames.Sent,
				store.statusNames.Dead,
			}
		},
	)
}

// ReclaimStuck returns aged publishing records to NEW, or DEAD when their
// attempts are exhausted, and reports how many rows changed.
func (store *Store) ReclaimStuck(ctx context.Context, limit int, stuckBefore time.Time, maxAttempts int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return 0, ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_reclaim_stuck")
	defer span.End()

	reclaimed, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (int64, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "WITH stuck AS (" +
			"SELECT id FROM " + table +
			" WHERE status = $1 AND last_attempt_at IS NOT NULL AND last_attempt_at < $2" +
			" ORDER BY last_attempt_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED" +
			") " +
			"UPDATE " + table + " SET " +
			"status = CASE WHEN attempts >= $4 THEN $5 ELSE $6 END, " +
			"last_error = CASE WHEN attempts >= $4 THEN $7 ELSE last_error END, " +
			"updated_at = $8 " +
			"FROM stuck WHERE " + table + ".id = stuck.id"

		result, execErr := tx.ExecContext(ctx, query,
			store.statusNames.Publishing,
			stuckBefore,
			limit,
			maxAttempts,
			store.statusNames.Dead,
			store.statusNames.New,
			"reclaimed after publishing timeout with attempts exhausted",
			time.Now().UTC(),
		)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return rows, nil
	})
	if err != nil {
		relay.HandleSpanError(span, "failed to reclaim stuck records", err)
		logSanitizedError(logger, ctx, "failed to reclaim stuck records", err)

		return 0, fmt.Errorf("reclaiming stuck records: %w", err)
	}

	return int(reclaimed), nil
}

// GetByID retrieves one record by id.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_get_by_id")
	defer span.End()

	record, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (*outbox.Record, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + recordColumns + " FROM " + table + " WHERE id = $1"

		return store.scanRecord(tx.QueryRowContext(ctx, query, id))
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrRecordNotFound
		}

		relay.HandleSpanError(span, "failed to get outbox record", err)
		logSanitizedError(logger, ctx, "failed to get outbox record", err)

		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return record, nil
}

// ListTenants returns the distinct tenant ids with undelivered records.
func (store *Store) ListTenants(ctx context.Context) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox_list_tenants")
	defer span.End()

	tenants, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) ([]string, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT DISTINCT tenant_id FROM " + table +
			" WHERE tenant_id <> '' AND status NOT IN ($1, $2) ORDER BY tenant_id ASC"

		rows, queryErr := tx.QueryContext(ctx, query, store.statusNames.Sent, store.statusNames.Dead)
		if queryErr != nil {
			return nil, fmt.Errorf("querying tenants: %w", queryErr)
		}

		defer rows.Close()

		var result []string

		for rows.Next() {
			var tenantID string
			if scanErr := rows.Scan(&tenantID); scanErr != nil {
				return nil, fmt.Errorf("scanning tenant: %w", scanErr)
			}

			result = append(result, tenantID)
		}

		if rowsErr := rows.Err(); rowsErr != nil {
			return nil, fmt.Errorf("iterating tenants: %w", rowsErr)
		}

		return result, nil
	})
	if err != nil {
		relay.HandleSpanError(span, "failed to list outbox tenants", err)
		logSanitizedError(logger, ctx, "failed to list outbox tenants", err)

		return nil, fmt.Errorf("listing outbox tenants: %w", err)
	}

	return tenants, nil
}

func (store *Store) markConditional(
	ctx context.Context,
	spanName string,
	errorPrefix string,
	id uuid.UUID,
	build func(table string) (string, []any),
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	_, err := withTxOrExisting(store, ctx, nil, func(tx *sql.Tx) (struct{}, error) {
		query, args := build(quoteIdentifierPath(store.tableName))

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		if err := ensureRowsAffected(result); err != nil {
			return struct{}{}, err
		}

		return struct{}{}, nil
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrClaimConflict) {
			relay.HandleSpanError(span, "failed "+errorPrefix, err)
			logSanitizedError(logger, ctx, "failed "+errorPrefix, err)
		}

		return fmt.Errorf("%s: %w", errorPrefix, err)
	}

	return nil
}

func (store *Store) scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record        outbox.Record
		rawStatus     string
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.AggregateID,
		&record.AggregateType,
		&record.EventType,
		&record.Topic,
		&record.RoutingKey,
		&record.Payload,
		&record.TenantID,
		&record.SchemaID,
		&rawStatus,
		&record.Attempts,
		&lastError,
		&record.CreatedAt,
		&lastAttemptAt,
	); err != nil {
		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	status, err := store.statusNames.Parse(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	record.Status = status

	if lastError.Valid {
		record.LastError = lastError.String
	}

	if lastAttemptAt.Valid {
		attemptAt := lastAttemptAt.Time
		record.LastAttemptAt = &attemptAt
	}

	return &record, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.client != nil
}

func (store *Store) primaryDB(ctx context.Context) (*sql.DB, error) {
	if store.primaryDBLookup != nil {
		return store.primaryDBLookup(ctx)
	}

	return store.client.PrimaryDB(ctx)
}

func withTxOrExisting[T any](
	store *Store,
	ctx context.Context,
	tx *sql.Tx,
	fn func(*sql.Tx) (T, error),
) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	if tx != nil {
		return fn(tx)
	}

	primaryDB, err := store.primaryDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	newTx, err := primaryDB.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = newTx.Rollback()
	}()

	result, err := fn(newTx)
	if err != nil {
		return zero, err
	}

	if err := newTx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func qualifiedRecordColumns(table string) string {
	columns := strings.Split(recordColumns, ", ")
	for i, column := range columns {
		columns[i] = table + "." + column
	}

	return strings.Join(columns, ", ")
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

func logSanitizedError(logger log.Logger, ctx context.Context, message string, err error) {
	if nilcheck.Interface(logger) || err == nil {
		return
	}

	logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func ensureRowsAffected(result sql.Result) error {
	if result == nil {
		return outbox.ErrClaimConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrClaimConflict
	}

	return nil
}
