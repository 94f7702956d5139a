// Package sqlstore implements the message store over database/sql.
//
// One implementation serves all three supported backends. SQLite runs
// embedded (no CGO, wasm build of the library), MySQL connects to an
// external server, and Dolt runs embedded against a versioned database
// directory while speaking the MySQL dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/meridianhq/meridian/internal/storage"
)

// SQLStore implements storage.Store over a database/sql connection pool
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool
}

// Compile-time interface check
var _ storage.Store = (*SQLStore)(nil)

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// build does not JIT-compile on every process start.
//
// Cache behavior:
//   - Location: ~/.cache/meridian/wasm/ (platform-specific via os.UserCacheDir)
//   - Version management: wazero automatically keys the cache by its version
//   - Fallback: in-memory cache if filesystem cache creation fails
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "meridian", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	_ = setupWASMCache()
}

// OpenSQLite opens (and if necessary creates) an embedded SQLite store.
// Pass ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if path == ":memory:" {
		// Shared cache so every pooled connection sees the same data.
		// WAL does not work for shared in-memory databases.
		connStr = "file:meridiandb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else if strings.HasPrefix(path, "file:") {
		connStr = storage.SQLiteConnString(path, false)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = storage.SQLiteConnString(path, false)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// SQLite in-memory databases are per-connection by default; a
		// single pooled connection keeps every query on the shared copy.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer and many readers. Cap the pool so
		// writer contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	return finishOpen(ctx, db, sqliteDialect{})
}

// OpenMySQL connects the store to a MySQL-compatible server. The DSN should
// come from storage.MySQLConnString so parseTime is on.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4 * runtime.NumCPU())
	db.SetMaxIdleConns(runtime.NumCPU())
	db.SetConnMaxLifetime(5 * time.Minute)
	return finishOpen(ctx, db, mysqlDialect{})
}

// OpenDolt opens an embedded Dolt database rooted at dir. The database is
// created on first use by the driver; Dolt commits are authored as the
// given committer name.
func OpenDolt(ctx context.Context, dir, database, committer string) (*SQLStore, error) {
	if database == "" {
		database = "meridian"
	}
	if committer == "" {
		committer = "meridian"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dolt directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create dolt directory: %w", err)
	}
	dsn := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s@localhost&database=%s",
		abs, url.QueryEscape(committer), url.QueryEscape(committer), url.QueryEscape(database))
	db, err := sql.Open("dolt", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open dolt database: %w", err)
	}
	// The embedded engine serializes writes itself; a small pool avoids
	// redundant sessions.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	return finishOpen(ctx, db, mysqlDialect{})
}

// New wraps an already-open pool. Intended for tests and callers that manage
// their own connections.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	return finishOpen(ctx, db, dialect)
}

func finishOpen(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range globalSchema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close shuts the connection pool down. The store is unusable afterwards.
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) guard() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// Vacuum reclaims space after bulk deletes. A no-op on backends without an
// explicit vacuum statement.
func (s *SQLStore) Vacuum(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	stmt := s.dialect.VacuumSQL()
	if stmt == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Conn, so
// the query helpers in this package can run either pooled or inside a
// dedicated transaction connection.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isBusyError reports whether an error is a transient lock conflict worth
// retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// beginWithRetry opens a write transaction on a dedicated connection,
// retrying with exponential backoff when the database is briefly locked.
func beginWithRetry(ctx context.Context, conn *sql.Conn, beginSQL string, attempts int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, beginSQL)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// withTx runs fn on a dedicated connection inside BEGIN/COMMIT, rolling back
// on error or panic. All transactional store methods funnel through here so
// the begin/commit discipline lives in one place.
func (s *SQLStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginWithRetry(ctx, conn, s.dialect.BeginSQL(), 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback happens even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// RunInTransaction executes fn within one database transaction. If fn
// returns an error or panics the transaction rolls back; otherwise it
// commits.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		return fn(&sqlTx{conn: conn, parent: s})
	})
}
