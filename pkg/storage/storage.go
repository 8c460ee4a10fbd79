package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds store configuration
type Config struct {
	// Path is the SQLite database file. The WAL journal lives beside it.
	Path string

	// MaxOpenConns caps the connection pool (default: 4). SQLite serializes
	// writers; readers run concurrently under WAL.
	MaxOpenConns int

	// BusyTimeout is how long a connection waits on a locked database
	// before returning SQLITE_BUSY (default: 5s).
	BusyTimeout time.Duration
}

// Store is the durable single-node persistence layer backing the queue,
// worker registry, and distributor
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at cfg.Path, enables WAL mode, and
// applies embedded schema migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, busyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithComponent("storage").Info().Str("path", cfg.Path).Msg("Storage opened")

	return &Store{db: db, path: cfg.Path}, nil
}

// runMigrations applies embedded goose migrations
func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// querier abstracts *sql.DB and *sql.Tx so single-row helpers compose into
// multi-statement transactions
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction. Transient lock contention is retried
// once before the error propagates; any other error rolls back immediately.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = &types.TransientError{Op: "transaction", Err: err}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithComponent("storage").Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// mapError converts driver errors into the typed taxonomy
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return &types.ConstraintError{Op: op, Detail: se.Error()}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &types.TransientError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// nowMillis returns the current instant as Unix milliseconds, the canonical
// timestamp encoding for every table
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// toMillis encodes a time for a nullable INTEGER column; the zero time maps
// to NULL
func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// fromMillis decodes a nullable INTEGER column into a time; NULL maps to the
// zero time
func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// marshalJSON encodes v for a nullable TEXT column; nil maps maps/slices and
// nil pointers map to NULL
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case *types.RetryPolicy:
		if x == nil {
			return nil, nil
		}
	case *types.AffinityRules:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

// unmarshalJSON decodes a nullable TEXT column into out; NULL leaves out
// untouched
func unmarshalJSON(v sql.NullString, out any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}
