// Package postgres persists the inbox dedup ledger in PostgreSQL. The
// uniqueness guarantee is the primary key on (consumer, message_id): a
// second insert hits the conflict clause and reports the message as seen.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	relay "github.com/parcelmq/lib-relay/relay"
	"github.com/parcelmq/lib-relay/relay/inbox"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/outbox"
	relaypostgres "github.com/parcelmq/lib-relay/relay/postgres"
)

const maxSQLIdentifierLength = 63

var (
	ErrClientRequired      = errors.New("postgres client is required")
	ErrStoreNotInitialized = errors.New("inbox store not initialized")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

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

// WithTableName overrides the processed-messages table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store implements the inbox dedup ledger over PostgreSQL.
type Store struct {
	client          *relaypostgres.Client
	logger          log.Logger
	tableName       string
	primaryDBLookup func(context.Context) (*sql.DB, error)
}

var _ inbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL inbox store.
func NewStore(client *relaypostgres.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		logger:    log.NewNop(),
		tableName: "processed_messages",
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
		store.tableName = "processed_messages"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// RecordIfNew inserts the (consumer, message id) pair, reporting true when
// the insert created a row. With a caller tx the dedup record commits
// atomically with the handler's writes.
func (store *Store) RecordIfNew(ctx context.Context, tx outbox.Tx, consumer string, messageID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, ErrStoreNotInitialized
	}

	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return false, inbox.ErrConsumerRequired
	}

	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, inbox.ErrMessageIDRequired
	}

	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox_record")
	defer span.End()

	executor, err := store.executor(ctx, tx)
	if err != nil {
		relay.HandleSpanError(span, "failed to resolve inbox executor", err)

		return false, err
	}

	query := "INSERT INTO " + quoteIdentifierPath(store.tableName) +
		" (consumer, message_id, processed_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (consumer, message_id) DO NOTHING"

	result, err := executor.ExecContext(ctx, query, consumer, messageID, time.Now().UTC())
	if err != nil {
		relay.HandleSpanError(span, "failed to record inbox message", err)

		return false, fmt.Errorf("failed to record inbox message: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return inserted == 1, nil
}

// Forget removes the dedup record so a redelivery can retry the handler.
func (store *Store) Forget(ctx context.Context, consumer string, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	executor, err := store.executor(ctx, nil)
	if err != nil {
		return err
	}

	query := "DELETE FROM " + quoteIdentifierPath(store.tableName) +
		" WHERE consumer = $1 AND message_id = $2"

	if _, err := executor.ExecContext(ctx, query, strings.TrimSpace(consumer), strings.TrimSpace(messageID)); err != nil {
		return fmt.Errorf("failed to forget inbox message: %w", err)
	}

	return nil
}

// PurgeOlderThan removes dedup records processed before the cutoff. Run it
// periodically with a cutoff comfortably beyond the broker's redelivery
// horizon to keep the ledger bounded.
func (store *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return 0, ErrStoreNotInitialized
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox_purge")
	defer span.End()

	executor, err := store.executor(ctx, nil)
	if err != nil {
		relay.HandleSpanError(span, "failed to resolve inbox executor", err)

		return 0, err
	}

	query := "DELETE FROM " + quoteIdentifierPath(store.tableName) + " WHERE processed_at < $1"

	result, err := executor.ExecContext(ctx, query, cutoff)
	if err != nil {
		relay.HandleSpanError(span, "failed to purge inbox messages", err)

		return 0, fmt.Errorf("failed to purge inbox messages: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if purged > 0 {
		logger.Log(ctx, log.LevelInfo, "purged processed inbox messages",
			log.Any("purged", purged),
		)
	}

	return purged, nil
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (store *Store) executor(ctx context.Context, tx outbox.Tx) (sqlExecutor, error) {
	if tx != nil {
		return tx, nil
	}

	lookup := store.client.PrimaryDB
	if store.primaryDBLookup != nil {
		lookup = store.primaryDBLookup
	}

	db, err := lookup(ctx)
	if err != nil {
		return nil, err
	}

	return db, nil
}

func (store *Store) initialized() bool {
	return store != nil && store.client != nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
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

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
