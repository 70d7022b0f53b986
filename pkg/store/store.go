// Package store implements the durable, single-writer record of tasks,
// workers, dependencies, file marks, and events (spec §4.A). It wraps
// database/sql with dialect-aware DDL/placeholders, a busy-timeout retry
// policy, and poisoned-lock recovery around the single write connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskgraph/engine/pkg/clockutil"
	"github.com/taskgraph/engine/pkg/taskerr"
)

// busyRetryWindow is the bounded wait spec §4.A recommends for contention
// on the underlying engine before a write surfaces as StorageError.
const busyRetryWindow = 5 * time.Second

// Store is the concrete, dialect-aware implementation of the coordination
// kernel's durable record.
type Store struct {
	db      *sql.DB
	dialect string
	clock   clockutil.Clock

	guard guardedMutex
}

// Open creates (or attaches to) a database at dsn using driverName
// ("sqlite3", "postgres", or "mysql"), applies pending migrations, and
// returns a ready Store. clock is injectable for deterministic tests; pass
// nil to use the system clock.
func Open(driverName, dsn string, clock clockutil.Clock) (*Store, error) {
	if clock == nil {
		clock = clockutil.System{}
	}

	dialect := normalizeDialect(driverName)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s database: %w", driverName, err)
	}

	// SQLite only supports one writer at a time; a single shared connection
	// serializes access at the driver level and avoids "database is locked".
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	if dialect == "sqlite" {
		if _, err := db.ExecContext(pingCtx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("store: failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("store: failed to set busy_timeout", "error", err)
		}
		if _, err := db.ExecContext(pingCtx, "PRAGMA foreign_keys=ON"); err != nil {
			slog.Warn("store: failed to enable foreign keys", "error", err)
		}
	}

	s := &Store{db: db, dialect: dialect, clock: clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func normalizeDialect(driverName string) string {
	if driverName == "sqlite3" {
		return "sqlite"
	}
	return driverName
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store's clock reading; tests substitute a mock clock.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) migrate() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at BIGINT NOT NULL)`,
	)); err != nil {
		return fmt.Errorf("store: %w: failed to create migrations table: %v", taskerr.ErrMigrationError, err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("store: %w: failed to read schema version: %v", taskerr.ErrMigrationError, err)
	}

	if current > schemaVersion {
		return fmt.Errorf("store: %w: database is at schema version %d, binary only understands up to %d",
			taskerr.ErrMigrationError, current, schemaVersion)
	}

	all := migrations(s.dialect)
	for v := current + 1; v <= schemaVersion; v++ {
		stmts, ok := all[v]
		if !ok {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: %w: failed to begin migration %d: %v", taskerr.ErrMigrationError, v, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("store: %w: migration %d failed: %v", taskerr.ErrMigrationError, v, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES ("+s.bind(1)+", "+s.bind(2)+")",
			v, s.clock.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: %w: failed to record migration %d: %v", taskerr.ErrMigrationError, v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: %w: failed to commit migration %d: %v", taskerr.ErrMigrationError, v, err)
		}
		slog.Info("store: applied migration", "version", v)
	}

	return nil
}

// bind returns the dialect-correct placeholder for the n-th bound
// parameter (1-indexed): "$n" for postgres, "?" everywhere else.
func (s *Store) bind(n int) string {
	if s.dialect == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// rebind rewrites a query written with "?" placeholders into the dialect's
// native placeholder style. Centralizing this (rather than writing every
// query twice per dialect, as the upstream a2a task store does) keeps the
// large CRUD surface in §4.A from doubling in size.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withWrite serializes fn against every other write, recovering the guard
// if fn panics (spec §4.A: poisoned-mutex recovery is required, never
// propagate the panic to the caller's process).
func (s *Store) withWrite(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.guard.Lock()
	defer s.guard.Unlock()

	deadline := time.Now().Add(busyRetryWindow)
	var tx *sql.Tx
	for {
		tx, err = s.db.BeginTx(ctx, nil)
		if err == nil || !isBusyError(err) || time.Now().After(deadline) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			s.guard.recoverPoison()
			err = fmt.Errorf("store: %w: recovered panic: %v", taskerr.ErrPoisonedLock, p)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	return nil
}

// withRead runs fn in a read-only transaction. Multiple reads may proceed
// concurrently; the write guard is not taken.
func (s *Store) withRead(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: %w: %v", taskerr.ErrStorageError, err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// execInsertReturningID runs an INSERT and returns the generated id column.
// lib/pq doesn't implement sql.Result.LastInsertId, so postgres needs a
// "RETURNING id" clause and QueryRow instead of Exec.
func (s *Store) execInsertReturningID(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	if s.dialect == "postgres" {
		var id int64
		if err := tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// guardedMutex is sync.Mutex plus an explicit poison flag: database/sql
// transactions don't poison a Go mutex the way a Rust Mutex<Connection>
// would, so withWrite tracks it by hand and clears it on the next lock
// after a recovered panic, exactly as spec §4.A and §9 require.
type guardedMutex struct {
	mu       sync.Mutex
	poisoned bool
}

func (g *guardedMutex) Lock() {
	g.mu.Lock()
	if g.poisoned {
		slog.Warn("store: recovering from a poisoned write guard")
		g.poisoned = false
	}
}

func (g *guardedMutex) Unlock() {
	g.mu.Unlock()
}

func (g *guardedMutex) recoverPoison() {
	g.poisoned = true
}
