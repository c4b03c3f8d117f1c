package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	relay "github.com/parcelmq/lib-relay/relay"
	"github.com/parcelmq/lib-relay/relay/inbox"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	relaypostgres "github.com/parcelmq/lib-relay/relay/postgres"
)

// ResultStore persists command results in PostgreSQL, keyed by
// (tenant, command_id).
type ResultStore struct {
	client          *relaypostgres.Client
	logger          log.Logger
	tableName       string
	primaryDBLookup func(context.Context) (*sql.DB, error)
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

// WithResultTableName overrides the command-results table name.
func WithResultTableName(tableName string) ResultOption {
	return func(store *ResultStore) {
		store.tableName = tableName
	}
}

// NewResultStore creates a PostgreSQL result store.
func NewResultStore(client *relaypostgres.Client, opts ...ResultOption) (*ResultStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &ResultStore{
		client:    client,
		logger:    log.NewNop(),
		tableName: "command_results",
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
		store.tableName = "command_results"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// LoadResult implements inbox.ResultStore.
func (store *ResultStore) LoadResult(ctx context.Context, tenant string, commandID string) ([]byte, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, false, ErrStoreNotInitialized
	}

	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, false, inbox.ErrCommandIDRequired
	}

	db, err := store.primaryDB(ctx)
	if err != nil {
		return nil, false, err
	}

	query := "SELECT result FROM " + quoteIdentifierPath(store.tableName) +
		" WHERE tenant_id = $1 AND command_id = $2"

	var result []byte
	if err := db.QueryRowContext(ctx, query, strings.TrimSpace(tenant), commandID).Scan(&result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to load command result: %w", err)
	}

	return result, true, nil
}

// StoreResult implements inbox.ResultStore. The primary key on
// (tenant_id, command_id) makes the first writer win.
func (store *ResultStore) StoreResult(ctx context.Context, tenant string, commandID string, result []byte) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, ErrStoreNotInitialized
	}

	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return false, inbox.ErrCommandIDRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox_store_result")
	defer span.End()

	db, err := store.primaryDB(ctx)
	if err != nil {
		relay.HandleSpanError(span, "failed to resolve result store executor", err)

		return false, err
	}

	query := "INSERT INTO " + quoteIdentifierPath(store.tableName) +
		" (tenant_id, command_id, result, created_at) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (tenant_id, command_id) DO NOTHING"

	execResult, err := db.ExecContext(ctx, query, strings.TrimSpace(tenant), commandID, result, time.Now().UTC())
	if err != nil {
		relay.HandleSpanError(span, "failed to store command result", err)

		return false, fmt.Errorf("failed to store command result: %w", err)
	}

	inserted, err := execResult.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return inserted == 1, nil
}

// PurgeOlderThan removes results stored before the cutoff.
func (store *ResultStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	db, err := store.primaryDB(ctx)
	if err != nil {
		return 0, err
	}

	query := "DELETE FROM " + quoteIdentifierPath(store.tableName) + " WHERE created_at < $1"

	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge command results: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if purged > 0 {
		store.logger.Log(ctx, log.LevelInfo, "purged stored command results",
			log.Any("purged", purged),
		)
	}

	return purged, nil
}

func (store *ResultStore) primaryDB(ctx context.Context) (*sql.DB, error) {
	lookup := store.client.PrimaryDB
	if store.primaryDBLookup != nil {
		lookup = store.primaryDBLookup
	}

	return lookup(ctx)
}

func (store *ResultStore) initialized() bool {
	return store != nil && store.client != nil
}
