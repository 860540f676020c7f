/*
Package sqlite provides the SQLite-backed credit.Repository.

PURPOSE:
  Owns the database handle for the ledger: pooled connections, pragmas,
  schema migrations and the unit-of-work wrapper with busy retry. The
  ledger itself never sees *sql.DB or SQL.

CONNECTION SETTINGS (DSN):
  _journal_mode=WAL     readers never block the writer
  _foreign_keys=on      sale_payments/sales reference real rows
  _busy_timeout=<ms>    SQLite waits this long on a lock before SQLITE_BUSY
  _synchronous=NORMAL   safe with WAL, far fewer fsyncs
  _txlock=immediate     every unit of work starts as a writer, so a
                        read-then-write is serialized by SQLite itself

BUSY RETRY:
  If any step of a unit of work fails with SQLITE_BUSY or SQLITE_LOCKED the
  whole unit is rolled back and re-run with exponential backoff
  (200ms, 400ms, 800ms, ... by default, 5 attempts). Any other error is
  returned at once. After the last attempt the caller gets a
  *credit.BusyError, never a silent partial write.

USAGE:
  store, err := sqlite.Open(ctx, sqlite.DefaultConfig("./data/ledger.db"), logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.NewLedger(store)

SEE ALSO:
  - repository.go: Queries and writes
  - migrate.go: Embedded golang-migrate migrations
  - credit/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// CONFIG
// =============================================================================

type RetryConfig struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxAttempts     int
}

type Config struct {
	Path        string
	PoolSize    int
	BusyTimeout time.Duration
	Retry       RetryConfig

	// OnBusyRetry is called before each retry of a busy unit of work.
	OnBusyRetry func(attempt int, wait time.Duration)
}

func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		PoolSize:    10,
		BusyTimeout: 5 * time.Second,
		Retry: RetryConfig{
			InitialInterval: 200 * time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     5,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Path)
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = d.BusyTimeout
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	return c
}

// DSN builds the go-sqlite3 connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
		c.Path, c.BusyTimeout.Milliseconds())
}

// =============================================================================
// STORE
// =============================================================================

// Store implements credit.Repository on SQLite.
type Store struct {
	queries
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
}

var _ credit.Repository = (*Store)(nil)

// Open connects, verifies the connection and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	s, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(s.db, s.logger); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Connect opens and pings the database without touching the schema. The
// migrate command uses it so it can roll back.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewWithDB(db, cfg, logger)
	s.logger.Info("database opened",
		zap.String("path", cfg.Path),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("busy_timeout", cfg.BusyTimeout))
	return s, nil
}

// NewWithDB wraps an already configured handle. Migrations are not run.
func NewWithDB(db *sql.DB, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		queries: queries{q: db},
		db:      db,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("sqlite"),
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats exposes connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a database transaction, retrying the whole unit
// when SQLite reports the database busy or locked.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Tx) error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := s.runTx(ctx, fn)
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("database busy, retrying unit of work",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		if s.cfg.OnBusyRetry != nil {
			s.cfg.OnBusyRetry(attempts, wait)
		}
	}

	err := backoff.RetryNotify(op, s.newBackOff(ctx), notify)
	if err != nil && isBusy(err) {
		s.logger.Error("database still busy after retries",
			zap.Int("attempts", attempts),
			zap.Error(err))
		return &credit.BusyError{Attempts: attempts, Err: err}
	}
	return err
}

func (s *Store) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Retry.InitialInterval
	b.Multiplier = s.cfg.Retry.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Retry.MaxAttempts-1)), ctx)
}

// runTx is one attempt: begin, fn, commit. The transaction is rolled back on
// error or panic, and the connection always goes back to the pool.
func (s *Store) runTx(ctx context.Context, fn func(credit.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// txStore is the credit.Tx handed to a unit of work.
type txStore struct {
	queries
}

var _ credit.Tx = (*txStore)(nil)

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func storageErr(op string, err error) error {
	return &credit.StorageError{Op: op, Err: err}
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED anywhere in the chain.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint && se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
