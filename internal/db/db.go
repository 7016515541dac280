// Package db stores the login attempt journal in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itsChris/guessguard/internal/logging"
)

const slowQueryThreshold = 100 * time.Millisecond

// DB wraps a sql.DB with query logging.
type DB struct {
	conn    *sql.DB
	logger  *slog.Logger
	devMode bool
}

// New opens a SQLite database in WAL mode with a busy timeout.
func New(ctx context.Context, dsn string, logger *slog.Logger, devMode bool) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dsn, err)
	}

	// SQLite allows a single writer.
	conn.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("db: exec %q: %w", p, err)
		}
	}

	logger = logger.With("component", "db")
	logger.Info("database_opened", "dsn", dsn)

	return &DB{
		conn:    conn,
		logger:  logger,
		devMode: devMode,
	}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// ExecContext executes a statement that returns no rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := d.conn.ExecContext(ctx, query, args...)
	d.logQuery(ctx, "exec", query, args, time.Since(start), err)
	return result, err
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.conn.QueryContext(ctx, query, args...)
	d.logQuery(ctx, "query", query, args, time.Since(start), err)
	return rows, err
}

// QueryRowContext executes a query that returns at most one row. The
// query is logged when the row is scanned.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{
		row:   d.conn.QueryRowContext(ctx, query, args...),
		db:    d,
		ctx:   ctx,
		query: query,
		args:  args,
		start: time.Now(),
	}
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		d.logger.Error("sql_begin_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return fmt.Errorf("db: begin tx: %w", err)
	}

	tx := &Tx{tx: sqlTx, db: d}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			d.logger.Error("sql_rollback_failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		d.logger.Error("sql_commit_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return fmt.Errorf("db: commit: %w", err)
	}
	if d.devMode {
		d.logger.Debug("sql_commit", "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (d *DB) logQuery(ctx context.Context, op, query string, args []any, duration time.Duration, err error) {
	requestID := logging.RequestID(ctx)

	if d.devMode {
		d.logger.Debug("sql_"+op,
			"request_id", requestID,
			"query", query,
			"args", len(args),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
	}

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		d.logger.Error("sql_"+op+"_failed",
			"request_id", requestID,
			"query", query,
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"duration_ms", duration.Milliseconds(),
		)
	}

	if duration > slowQueryThreshold {
		d.logger.Warn("slow_query",
			"request_id", requestID,
			"query", query,
			"duration_ms", duration.Milliseconds(),
		)
	}
}

// Row wraps sql.Row to log the query once Scan completes.
type Row struct {
	row   *sql.Row
	db    *DB
	ctx   context.Context
	query string
	args  []any
	start time.Time
}

// Scan reads the row.
func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.db.logQuery(r.ctx, "query_row", r.query, r.args, time.Since(r.start), err)
	return err
}

// Tx is a transaction opened by WithTx.
type Tx struct {
	tx *sql.Tx
	db *DB
}

// ExecContext executes a statement within the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := t.tx.ExecContext(ctx, query, args...)
	t.db.logQuery(ctx, "tx_exec", query, args, time.Since(start), err)
	return result, err
}

// PrepareContext prepares a statement within the transaction.
func (t *Tx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db: prepare: %w", err)
	}
	return stmt, nil
}
