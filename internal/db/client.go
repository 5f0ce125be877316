// Package db implements the Postgres persistence collaborator: task
// records with CAS status journaling and client credential records.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/circuitbreaker"
	"github.com/agentflow/runner/internal/config"
)

// Client manages the database connection pool.
type Client struct {
	db     *circuitbreaker.DB
	sqlx   *sqlx.DB
	logger *zap.Logger
}

// NewClient opens a pool and verifies connectivity.
func NewClient(cfg config.PostgresConfig, logger *zap.Logger) (*Client, error) {
	raw, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	raw.SetMaxOpenConns(25)
	raw.SetMaxIdleConns(5)
	raw.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return &Client{
		db:     circuitbreaker.WrapDB(raw, logger),
		sqlx:   sqlx.NewDb(raw, "postgres"),
		logger: logger,
	}, nil
}

// NewClientWithDB wraps an existing handle; used by tests with sqlmock.
func NewClientWithDB(raw *sql.DB, logger *zap.Logger) *Client {
	return &Client{
		db:     circuitbreaker.WrapDB(raw, logger),
		sqlx:   sqlx.NewDb(raw, "postgres"),
		logger: logger,
	}
}

// DB returns the raw handle for health checks.
func (c *Client) DB() *sql.DB { return c.db.Raw() }

// PingContext reports connectivity through the breaker.
func (c *Client) PingContext(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Client) Close() error {
	c.logger.Info("Closing database client")
	return c.db.Close()
}
