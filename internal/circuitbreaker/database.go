package circuitbreaker

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// DB wraps *sql.DB so every statement passes through a breaker.
// A tripped breaker fails fast instead of piling up on a dead Postgres.
type DB struct {
	db      *sql.DB
	breaker *Breaker
}

// WrapDB wraps a database handle with a breaker named "postgres".
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{
		db:      db,
		breaker: New("postgres", DefaultConfig(), logger),
	}
}

func (w *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := w.breaker.Execute(ctx, func() error {
		var err error
		res, err = w.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (w *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := w.breaker.Execute(ctx, func() error {
		var err error
		rows, err = w.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRowContext defers error observation to Scan, so the breaker only
// sees connection-level failures surfaced by Err.
func (w *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	row := w.db.QueryRowContext(ctx, query, args...)
	return row
}

func (w *DB) PingContext(ctx context.Context) error {
	return w.breaker.Execute(ctx, func() error {
		return w.db.PingContext(ctx)
	})
}

func (w *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	var tx *sql.Tx
	err := w.breaker.Execute(ctx, func() error {
		var err error
		tx, err = w.db.BeginTx(ctx, opts)
		return err
	})
	return tx, err
}

// Raw returns the underlying handle for callers that need direct access
// (sqlx binding, health checks).
func (w *DB) Raw() *sql.DB { return w.db }

// Open reports whether the breaker currently rejects requests.
func (w *DB) Open() bool { return w.breaker.State() == StateOpen }

func (w *DB) Close() error { return w.db.Close() }
