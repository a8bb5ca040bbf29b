// Package db is the durable (L3) PostgreSQL store for research tasks and
// their event log.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/circuitbreaker"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/metrics"
)

// Config holds database configuration
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client manages database connections and operations
type Client struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient opens and pings a PostgreSQL connection pool.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	rawDB, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := newClient(rawDB, logger)
	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
	)
	return client, nil
}

// NewClientFromDB wraps an existing handle, typically a sqlmock in tests.
func NewClientFromDB(db *sql.DB, logger *zap.Logger) *Client {
	return newClient(sqlx.NewDb(db, "postgres"), logger)
}

func newClient(db *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("postgres", circuitbreaker.GetDatabaseConfig().ToConfig(), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("postgres", "result-store", cb)

	return &Client{db: db, breaker: cb, logger: logger}
}

// Breaker exposes the store breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Stats returns connection pool statistics.
func (c *Client) Stats() sql.DBStats { return c.db.Stats() }

// Ping checks connectivity through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.execute(ctx, "ping", func() error { return c.db.PingContext(ctx) })
}

// Close closes the pool.
func (c *Client) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}

// execute runs fn through the breaker and records the store metric.
// sql.ErrNoRows is a lookup miss, not an upstream failure.
func (c *Client) execute(ctx context.Context, op string, fn func() error) error {
	var miss bool
	err := c.breaker.Execute(ctx, func() error {
		err := fn()
		if errors.Is(err, sql.ErrNoRows) {
			miss = true
			return nil
		}
		return err
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest(c.breaker.Name(), "result-store", c.breaker.State(), err == nil)
	switch {
	case miss:
		metrics.RecordStoreOp("l3", op, "miss")
		return sql.ErrNoRows
	case err != nil:
		metrics.RecordStoreOp("l3", op, "error")
		return err
	default:
		metrics.RecordStoreOp("l3", op, "success")
		return nil
	}
}
