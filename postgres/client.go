package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/forgefit/deferred/log"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	ErrClientRequired     = errors.New("postgres client is required")
	ErrNotConnected       = errors.New("postgres client is not connected")

	dbOpenFn = sql.Open

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config describes the primary and optional read replica.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN         string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
}

func (c *Config) normalize() {
	c.PrimaryDSN = strings.TrimSpace(c.PrimaryDSN)
	c.ReplicaDSN = strings.TrimSpace(c.ReplicaDSN)

	if c.ReplicaDSN == "" {
		c.ReplicaDSN = c.PrimaryDSN
	}

	c.Logger = log.OrNop(c.Logger)

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
}

// Client is a lazily connected primary/replica pair. Writes and transactions
// go to the primary; plain queries through Resolver go to the replica.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
}

func New(cfg Config) (*Client, error) {
	cfg.normalize()

	if cfg.PrimaryDSN == "" {
		return nil, ErrPrimaryDSNRequired
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools and pings them. Calling it on a connected client
// replaces the existing pools.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	logger := c.cfg.Logger

	logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("open primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		return fmt.Errorf("open replica database: %s", sanitizeSensitiveError(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeSensitiveError(err)))
		return fmt.Errorf("ping database: %s", sanitizeSensitiveError(err))
	}

	c.resolver = resolver
	c.primary = primary
	success = true

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the connection resolver, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrClientRequired
	}

	c.mu.RLock()
	if c.resolver != nil {
		r := c.resolver
		c.mu.RUnlock()

		return r, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool of a connected client.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrClientRequired
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")
}
