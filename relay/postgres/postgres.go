// Package postgres manages the PostgreSQL connections used by the durable
// outbox and inbox stores: a primary/replica resolver pool plus schema
// migrations applied on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNoPrimaryDB is returned when the resolver has no primary database.
	ErrNoPrimaryDB = errors.New("no primary database configured")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Client is a hub that deals with postgres connections. Reads go to the
// replica through the resolver's round-robin balancer; writes and the outbox
// claim path stay on the primary.
type Client struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	AllowMultiStatements    bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int
	connectionDB            dbresolver.DB
	connected               bool
	mu                      sync.RWMutex
}

func (c *Client) initDefaults() {
	if nilcheck.Interface(c.Logger) {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs migrations on the
// primary, and keeps a singleton resolver.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.connectionDB != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := dbOpenFn("pgx", c.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	// Primary is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	configurePool(dbPrimary, c.MaxOpenConnections, c.MaxIdleConnections)

	replicaConnString := c.ConnectionStringReplica
	if strings.TrimSpace(replicaConnString) == "" {
		replicaConnString = c.ConnectionStringPrimary
	}

	dbReplica, err := dbOpenFn("pgx", replicaConnString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	configurePool(dbReplica, c.MaxOpenConnections, c.MaxIdleConnections)

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if c.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(c.MigrationsPath)
		if pathErr != nil {
			c.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(pathErr))

			return pathErr
		}

		if err := runMigrationsFn(dbPrimary, migrationsPath, c.PrimaryDBName, c.AllowMultiStatements, c.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.connected = true
	c.connectionDB = connectionDB

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// Resolver returns the connection resolver, connecting lazily if needed.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.connectionDB != nil {
		db := c.connectionDB
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.connectionDB != nil {
		return c.connectionDB, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.connectionDB, nil
}

// PrimaryDB returns the primary pool for write paths that must not hit a
// replica, such as claims and status marks.
func (c *Client) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	resolved, err := c.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	primaryDBs := resolved.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

// Close releases database connection resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.connectionDB != nil {
		err := c.connectionDB.Close()
		c.connectionDB = nil
		c.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the database resolver is initialized.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func configurePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(dbPrimary *sql.DB, migrationsPath, primaryDBName string, allowMultiStatements bool, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(primaryDBName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	primaryURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	primaryURL.Scheme = "file"

	primaryDriver, err := migratepostgres.WithInstance(dbPrimary, &migratepostgres.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          primaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(primaryURL.String(), primaryDBName, primaryDriver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
