// Package database is Caravel's dialect-portable persistence layer.
//
// Call sites write SQL once, in the native (SQLite) dialect, against six
// operations: One, Many, Exec, Insert, Tx, and Run. On the secondary
// (Postgres) dialect the statement text is rewritten mechanically
// (placeholders, datetime('now') forms, INSERT OR IGNORE) and everything
// the rewriter does not cover stays an explicit dialect branch at the call
// site. A transaction guard makes pool calls inside an open transaction
// fail loudly instead of deadlocking the single-writer native pool.
package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// Drivers for the two supported dialects.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/caravel-ai/caravel/pkg/observability"
)

// Dialect identifies the SQL dialect in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config carries connection and behavior settings for the layer.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open"`
	MaxIdleConns    int           `mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	GuardMode       GuardMode     `mapstructure:"tx_guard_mode"`
}

// Result reports the outcome of an Exec.
type Result struct {
	// Changes is the number of rows affected.
	Changes int64
}

// Queryer is the read/write surface shared by the pool handle and the
// transaction handle. Helpers that must run either inside or outside a
// transaction accept a Queryer. Dialect is exposed for the call-site
// branches the rewriter does not cover (MAX vs GREATEST, JSON access).
type Queryer interface {
	One(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error)
	Many(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Insert(ctx context.Context, query string, args ...interface{}) (int64, error)
	Dialect() Dialect
}

// DB is the pool handle.
type DB struct {
	db        *sqlx.DB
	dialect   Dialect
	guardMode GuardMode
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// New opens a connection pool for the configured dialect, waiting for
// connectivity with exponential backoff. The native dialect is pinned to a
// single writer connection with foreign keys enforced.
func New(ctx context.Context, cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*DB, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	dialect, driverName, dsn, err := resolveDriver(cfg)
	if err != nil {
		return nil, err
	}

	var db *sqlx.DB
	connect := func() error {
		var cerr error
		db, cerr = sqlx.ConnectContext(ctx, driverName, dsn)
		if cerr != nil {
			logger.Warn("database not ready, retrying", map[string]interface{}{
				"driver": driverName,
				"error":  cerr.Error(),
			})
		}
		return cerr
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s database", dialect)
	}

	switch dialect {
	case DialectSQLite:
		// One writer keeps SQLITE_BUSY out of the hot path; reads share it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	guardMode := cfg.GuardMode
	if guardMode == "" {
		guardMode = GuardModeError
	}

	logger.Info("database connected", map[string]interface{}{
		"dialect": string(dialect),
	})

	return &DB{
		db:        db,
		dialect:   dialect,
		guardMode: guardMode,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

func resolveDriver(cfg Config) (Dialect, string, string, error) {
	switch cfg.Driver {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, "sqlite3", sqliteDSN(cfg.DSN), nil
	case "postgres", "postgresql":
		return DialectPostgres, "postgres", cfg.DSN, nil
	default:
		return "", "", "", errors.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// sqliteDSN normalizes a path or :memory: into a mattn/go-sqlite3 DSN with
// foreign keys on and a busy timeout.
func sqliteDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return "file::memory:?_foreign_keys=on"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + "?_foreign_keys=on&_busy_timeout=5000"
}

// Dialect returns the active dialect for call-site branches the rewriter
// does not cover.
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close shuts the pool down.
func (d *DB) Close() error {
	return d.db.Close()
}

// One runs a single-row query. Returns (false, nil) when no row matches.
func (d *DB) One(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	if err := d.guard(ctx, "One"); err != nil {
		return false, err
	}
	return one(ctx, d.db, d.dialect, d.metrics, dest, query, args...)
}

// Many runs a multi-row query into a slice destination.
func (d *DB) Many(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := d.guard(ctx, "Many"); err != nil {
		return err
	}
	return many(ctx, d.db, d.dialect, d.metrics, dest, query, args...)
}

// Exec runs a statement and reports affected rows.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	if err := d.guard(ctx, "Exec"); err != nil {
		return Result{}, err
	}
	return execStmt(ctx, d.db, d.dialect, d.metrics, query, args...)
}

// Insert runs an INSERT and returns the new row id. On the native dialect
// this is the driver's last-insert rowid; on the secondary a RETURNING id
// clause is appended when absent and scanned. Multi-row VALUES lists are
// rejected: the identity of "the" inserted row would be ambiguous.
func (d *DB) Insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if err := d.guard(ctx, "Insert"); err != nil {
		return 0, err
	}
	return insertStmt(ctx, d.db, d.dialect, d.metrics, query, args...)
}

// Run executes a multi-statement script verbatim, without placeholder
// rewriting. Scripts are dialect-specific by construction (migrations).
func (d *DB) Run(ctx context.Context, script string) error {
	if err := d.guard(ctx, "Run"); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, script)
	return errors.Wrap(err, "script execution failed")
}

// Tx runs fn inside a transaction. The callback receives a context marked
// as in-transaction (the guard keys off it) and a transaction handle with
// the same operations as the pool. Rollback happens on error or panic; the
// panic is re-raised after rollback.
func (d *DB) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if inTransaction(ctx) {
		return errors.New("database: Tx called inside an open transaction")
	}

	sqlTx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	txCtx := markTransaction(ctx)
	tx := &Tx{tx: sqlTx, dialect: d.dialect, metrics: d.metrics}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			d.logger.Error("rollback failed", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Tx is the transaction handle passed to Tx callbacks.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
	metrics observability.MetricsClient
}

// Dialect returns the active dialect.
func (t *Tx) Dialect() Dialect { return t.dialect }

// One runs a single-row query inside the transaction.
func (t *Tx) One(ctx context.Context, dest interface{}, query string, args ...interface{}) (bool, error) {
	return one(ctx, t.tx, t.dialect, t.metrics, dest, query, args...)
}

// Many runs a multi-row query inside the transaction.
func (t *Tx) Many(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return many(ctx, t.tx, t.dialect, t.metrics, dest, query, args...)
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return execStmt(ctx, t.tx, t.dialect, t.metrics, query, args...)
}

// Insert runs an INSERT inside the transaction and returns the new row id.
func (t *Tx) Insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	return insertStmt(ctx, t.tx, t.dialect, t.metrics, query, args...)
}

// Run executes a script inside the transaction.
func (t *Tx) Run(ctx context.Context, script string) error {
	_, err := t.tx.ExecContext(ctx, script)
	return errors.Wrap(err, "script execution failed")
}

// runner is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type runner interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

func one(ctx context.Context, r runner, dialect Dialect, metrics observability.MetricsClient, dest interface{}, query string, args ...interface{}) (bool, error) {
	rewritten, err := Rewrite(dialect, query)
	if err != nil {
		return false, err
	}
	start := time.Now()
	err = r.GetContext(ctx, dest, rewritten, args...)
	metrics.RecordDatabaseOperation("one", err == nil || err == sql.ErrNoRows, time.Since(start))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query failed")
	}
	return true, nil
}

func many(ctx context.Context, r runner, dialect Dialect, metrics observability.MetricsClient, dest interface{}, query string, args ...interface{}) error {
	rewritten, err := Rewrite(dialect, query)
	if err != nil {
		return err
	}
	start := time.Now()
	err = r.SelectContext(ctx, dest, rewritten, args...)
	metrics.RecordDatabaseOperation("many", err == nil, time.Since(start))
	return errors.Wrap(err, "query failed")
}

func execStmt(ctx context.Context, r runner, dialect Dialect, metrics observability.MetricsClient, query string, args ...interface{}) (Result, error) {
	rewritten, err := Rewrite(dialect, query)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	res, err := r.ExecContext(ctx, rewritten, args...)
	metrics.RecordDatabaseOperation("exec", err == nil, time.Since(start))
	if err != nil {
		return Result{}, errors.Wrap(err, "statement failed")
	}
	changes, err := res.RowsAffected()
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read affected rows")
	}
	return Result{Changes: changes}, nil
}

func insertStmt(ctx context.Context, r runner, dialect Dialect, metrics observability.MetricsClient, query string, args ...interface{}) (int64, error) {
	shape := analyzeStatement(query)
	if !shape.IsInsert {
		return 0, errors.New("database: Insert requires an INSERT statement")
	}
	if shape.MultiValues {
		return 0, errors.New("database: Insert does not accept multi-row VALUES lists")
	}

	rewritten, err := Rewrite(dialect, query)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if dialect == DialectPostgres {
		if !shape.HasReturning {
			rewritten += " RETURNING id"
		}
		var id int64
		err = r.QueryRowxContext(ctx, rewritten, args...).Scan(&id)
		metrics.RecordDatabaseOperation("insert", err == nil, time.Since(start))
		if err != nil {
			if err == sql.ErrNoRows {
				return 0, errors.New("insert returned no row")
			}
			return 0, errors.Wrap(err, "insert failed")
		}
		return id, nil
	}

	res, err := r.ExecContext(ctx, rewritten, args...)
	metrics.RecordDatabaseOperation("insert", err == nil, time.Since(start))
	if err != nil {
		return 0, errors.Wrap(err, "insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read inserted id")
	}
	return id, nil
}
